package brain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is returned by Store.Create when the record would break a
	// uniqueness rule: same id, a second platform brain, or a second brain of
	// the same type for one owner.
	ErrDuplicate = errors.New("brain record already exists")

	// ErrNoRecord is returned by Store.Update for an unknown brain id.
	ErrNoRecord = errors.New("brain record does not exist")
)

// maxLineageDepth bounds CheckLineage walks.
const maxLineageDepth = 64

// Store persists brain records. Getters report absence with ok=false and a
// nil error.
type Store interface {
	Create(ctx context.Context, rec Record) (Record, error)
	GetByID(ctx context.Context, id string) (Record, bool, error)
	GetByOwner(ctx context.Context, ownerID string, typ Type) (Record, bool, error)
	GetPlatform(ctx context.Context) (Record, bool, error)
	Update(ctx context.Context, rec Record) error
}

// CheckLineage verifies that every ancestor of rec exists and that following
// parent links never revisits a brain.
func CheckLineage(ctx context.Context, s Store, rec Record) error {
	seen := map[string]bool{rec.ID: true}
	parent := rec.ParentID
	for depth := 0; parent != ""; depth++ {
		if depth >= maxLineageDepth {
			return fmt.Errorf("lineage of %s deeper than %d", rec.ID, maxLineageDepth)
		}
		if seen[parent] {
			return fmt.Errorf("lineage of %s has a cycle at %s", rec.ID, parent)
		}
		seen[parent] = true

		p, ok, err := s.GetByID(ctx, parent)
		if err != nil {
			return fmt.Errorf("load parent %s: %w", parent, err)
		}
		if !ok {
			return fmt.Errorf("parent brain %s of %s does not exist", parent, rec.ID)
		}
		parent = p.ParentID
	}
	return nil
}
