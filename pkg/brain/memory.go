package brain

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a process-local Store. It enforces the same uniqueness rules
// as the database-backed stores.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("invalid brain record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return Record{}, fmt.Errorf("create brain %s: %w", rec.ID, ErrDuplicate)
	}
	for _, existing := range s.records {
		if rec.Type == TypePlatform && existing.Type == TypePlatform {
			return Record{}, fmt.Errorf("create platform brain: %w", ErrDuplicate)
		}
		if rec.OwnerID != "" && existing.OwnerID == rec.OwnerID && existing.Type == rec.Type {
			return Record{}, fmt.Errorf("create brain for owner %s: %w", rec.OwnerID, ErrDuplicate)
		}
	}
	if rec.ParentID != "" {
		if _, ok := s.records[rec.ParentID]; !ok {
			return Record{}, fmt.Errorf("create brain %s: parent %s does not exist", rec.ID, rec.ParentID)
		}
	}

	s.records[rec.ID] = rec.Clone()
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *MemoryStore) GetByOwner(_ context.Context, ownerID string, typ Type) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.OwnerID == ownerID && rec.Type == typ {
			return rec.Clone(), true, nil
		}
	}
	return Record{}, false, nil
}

func (s *MemoryStore) GetPlatform(_ context.Context) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.Type == TypePlatform {
			return rec.Clone(), true, nil
		}
	}
	return Record{}, false, nil
}

func (s *MemoryStore) Update(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid brain record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("update brain %s: %w", rec.ID, ErrNoRecord)
	}
	updated := rec.Clone()
	updated.Type = existing.Type
	updated.OwnerID = existing.OwnerID
	updated.ParentID = existing.ParentID
	updated.CreatedAt = existing.CreatedAt
	s.records[rec.ID] = updated
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
