package cache

import (
	"container/list"
	"context"
	"sync/atomic"
)

// Entry is one cached handle plus the interaction tally kept beside it.
// Acquire returns an Entry with its lock held; every method except Key and
// Handle assumes the caller holds that lock.
type Entry[H any] struct {
	key    string
	handle H
	sem    chan struct{}
	cache  *Cache[H]

	// refs and elem are guarded by the cache mutex.
	refs int
	elem *list.Element

	removed    atomic.Bool
	lastAccess atomic.Int64
	pending    atomic.Int64
}

func (e *Entry[H]) Key() string { return e.key }

// Handle returns the loaded handle. It never changes for the life of the
// entry.
func (e *Entry[H]) Handle() H { return e.handle }

// Tally is the number of interactions since the handle was last saved.
func (e *Entry[H]) Tally() int64 { return e.pending.Load() }

// IncrementTally counts one interaction and returns the new tally.
func (e *Entry[H]) IncrementTally() int64 { return e.pending.Add(1) }

// ResetTally marks the handle as saved.
func (e *Entry[H]) ResetTally() { e.pending.Store(0) }

// Release unlocks the entry and unpins it.
func (e *Entry[H]) Release() {
	e.unlock()
	e.cache.unref(e)
}

func (e *Entry[H]) lock(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Entry[H]) unlock() {
	<-e.sem
}
