// Package replay keeps a durable log of the supervised examples applied to
// each brain, so learning done after the last snapshot can be re-applied
// when the brain is loaded again.
package replay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Source says where an example came from.
type Source string

const (
	SourceFallback Source = "fallback"
	SourceTeach    Source = "teach"
)

// Example is one applied supervised update.
type Example struct {
	ID         int64     `json:"id"`
	BrainID    string    `json:"brain_id"`
	Features   []float64 `json:"features"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Source     Source    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// Log stores examples in append order.
type Log interface {
	Append(ctx context.Context, ex Example) error
	// Since returns the brain's examples created strictly after since, oldest
	// first. limit <= 0 means no limit.
	Since(ctx context.Context, brainID string, since time.Time, limit int) ([]Example, error)
}

// MemoryLog is a process-local Log.
type MemoryLog struct {
	mu       sync.Mutex
	next     int64
	examples []Example
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, ex Example) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	ex.ID = m.next
	ex.Features = append([]float64(nil), ex.Features...)
	m.examples = append(m.examples, ex)
	return nil
}

func (m *MemoryLog) Since(_ context.Context, brainID string, since time.Time, limit int) ([]Example, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Example
	for _, ex := range m.examples {
		if ex.BrainID == brainID && ex.CreatedAt.After(since) {
			out = append(out, ex)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored examples.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.examples)
}
