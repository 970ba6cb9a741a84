// Package cache maps brain ids to loaded engine handles.
//
// Every entry carries its own lock. The cache-wide mutex guards only the
// index and LRU list and is never held across a load, a flush or any work a
// caller does with a handle, so slow work on one brain does not stall others.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrExists is returned by Insert when the key is already cached.
var ErrExists = errors.New("cache entry already exists")

// LoadFunc loads the handle for key on a cache miss. Errors propagate to the
// caller; nothing is cached.
type LoadFunc[H any] func(ctx context.Context, key string) (H, error)

// FlushFunc persists a handle with pending interactions before the cache
// drops it. It runs with the entry lock held.
type FlushFunc[H any] func(ctx context.Context, key string, h H) error

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	InUse     int   `json:"in_use"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Loads     int64 `json:"loads"`
	Evictions int64 `json:"evictions"`
	Flushes   int64 `json:"flushes"`
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	capacity int
	flush    any
	now      func() time.Time
}

// WithCapacity bounds the number of cached handles. When an insert would
// exceed it, least recently used entries that nobody holds are flushed and
// dropped. Entries in use are never dropped, so the cache can run over
// capacity while every entry is held. 0 means unbounded.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithFlush sets the function run before an entry with a non-zero tally is
// dropped by capacity or idle eviction.
func WithFlush[H any](fn FlushFunc[H]) Option {
	return func(o *options) { o.flush = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Cache is a concurrency-safe map from key to loaded handle.
type Cache[H any] struct {
	load  LoadFunc[H]
	flush FlushFunc[H]
	cap   int
	now   func() time.Time

	mu       sync.Mutex
	entries  map[string]*Entry[H]
	lru      *list.List
	draining map[string]chan struct{}
	flight   singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	loads     atomic.Int64
	evictions atomic.Int64
	flushes   atomic.Int64
}

// New returns a cache that loads misses with load.
func New[H any](load LoadFunc[H], opts ...Option) *Cache[H] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[H]{
		load:     load,
		cap:      o.capacity,
		now:      o.now,
		entries:  make(map[string]*Entry[H]),
		lru:      list.New(),
		draining: make(map[string]chan struct{}),
	}
	if fn, ok := o.flush.(FlushFunc[H]); ok {
		c.flush = fn
	}
	return c
}

// GetOrLoad returns the cached handle for key, loading it on a miss.
// The handle is returned without its lock; use Acquire to mutate it.
func (c *Cache[H]) GetOrLoad(ctx context.Context, key string) (H, error) {
	e, err := c.reference(ctx, key)
	if err != nil {
		var zero H
		return zero, err
	}
	h := e.handle
	c.unref(e)
	return h, nil
}

// Acquire returns the entry for key with its lock held, loading it on a
// miss. Waiters are admitted in arrival order. The caller must call Release.
func (c *Cache[H]) Acquire(ctx context.Context, key string) (*Entry[H], error) {
	for {
		e, err := c.reference(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := e.lock(ctx); err != nil {
			c.unref(e)
			return nil, err
		}
		if e.removed.Load() {
			// Evicted while we waited: drop it and load afresh.
			e.unlock()
			c.unref(e)
			continue
		}
		e.lastAccess.Store(c.now().UnixNano())
		return e, nil
	}
}

// Insert caches a freshly created handle under key.
func (c *Cache[H]) Insert(ctx context.Context, key string, h H) error {
	e := c.newEntry(key, h)

	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return fmt.Errorf("insert %s: %w", key, ErrExists)
	}
	victims := c.addLocked(e)
	c.mu.Unlock()

	c.drain(ctx, victims)
	return nil
}

// Evict drops key immediately without flushing. A holder of the entry keeps
// using its handle; the next Acquire loads a fresh one.
func (c *Cache[H]) Evict(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	c.evictions.Add(1)
	cacheEvictions.WithLabelValues("explicit").Inc()
	return true
}

// EvictIdle flushes and drops every entry nobody holds that has not been
// acquired for idleFor. It returns the number of entries dropped.
func (c *Cache[H]) EvictIdle(ctx context.Context, idleFor time.Duration) int {
	cutoff := c.now().Add(-idleFor).UnixNano()

	c.mu.Lock()
	var victims []*Entry[H]
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*Entry[H])
		if e.refs == 0 && e.lastAccess.Load() < cutoff {
			c.removeLocked(e)
			c.markDrainingLocked(e)
			victims = append(victims, e)
			c.evictions.Add(1)
			cacheEvictions.WithLabelValues("idle").Inc()
		}
		el = prev
	}
	c.mu.Unlock()

	c.drain(ctx, victims)
	return len(victims)
}

// FlushAll runs the flush function on every cached entry with a non-zero
// tally and resets the tally of those that succeed. Entries stay cached.
func (c *Cache[H]) FlushAll(ctx context.Context) error {
	if c.flush == nil {
		return nil
	}

	c.mu.Lock()
	held := make([]*Entry[H], 0, len(c.entries))
	for _, e := range c.entries {
		e.refs++
		held = append(held, e)
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range held {
		if err := e.lock(ctx); err != nil {
			errs = append(errs, err)
			c.unref(e)
			continue
		}
		if err := c.flushLocked(ctx, e); err != nil {
			errs = append(errs, err)
		}
		e.unlock()
		c.unref(e)
	}
	return errors.Join(errs...)
}

// Len returns the number of cached entries.
func (c *Cache[H]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns current counters.
func (c *Cache[H]) Stats() Stats {
	c.mu.Lock()
	s := Stats{Entries: len(c.entries), Capacity: c.cap}
	for _, e := range c.entries {
		if e.refs > 0 {
			s.InUse++
		}
		if e.pending.Load() > 0 {
			s.Pending++
		}
	}
	c.mu.Unlock()

	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Loads = c.loads.Load()
	s.Evictions = c.evictions.Load()
	s.Flushes = c.flushes.Load()
	return s
}

// reference finds or loads the entry for key and pins it against eviction.
func (c *Cache[H]) reference(ctx context.Context, key string) (*Entry[H], error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.refs++
			c.lru.MoveToFront(e.elem)
			c.mu.Unlock()
			c.hits.Add(1)
			cacheLookups.WithLabelValues("hit").Inc()
			return e, nil
		}
		c.mu.Unlock()
		c.misses.Add(1)
		cacheLookups.WithLabelValues("miss").Inc()

		v, err, _ := c.flight.Do(key, func() (any, error) {
			return c.loadAndInsert(ctx, key)
		})
		if err != nil {
			return nil, err
		}
		e := v.(*Entry[H])

		c.mu.Lock()
		if c.entries[key] == e {
			e.refs++
			c.mu.Unlock()
			return e, nil
		}
		// Dropped between load and pin; go around.
		c.mu.Unlock()
	}
}

func (c *Cache[H]) loadAndInsert(ctx context.Context, key string) (*Entry[H], error) {
	// A previous handle for key may still be flushing.
	c.mu.Lock()
	done, draining := c.draining[key]
	c.mu.Unlock()
	if draining {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	start := c.now()
	h, err := c.load(ctx, key)
	cacheLoadSeconds.Observe(c.now().Sub(start).Seconds())
	if err != nil {
		cacheLoads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	c.loads.Add(1)
	cacheLoads.WithLabelValues("ok").Inc()

	e := c.newEntry(key, h)
	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	victims := c.addLocked(e)
	c.mu.Unlock()

	c.drain(ctx, victims)
	return e, nil
}

func (c *Cache[H]) newEntry(key string, h H) *Entry[H] {
	e := &Entry[H]{key: key, handle: h, sem: make(chan struct{}, 1), cache: c}
	e.lastAccess.Store(c.now().UnixNano())
	return e
}

// addLocked indexes e and picks capacity victims. Caller holds c.mu and must
// drain the returned victims after unlocking.
func (c *Cache[H]) addLocked(e *Entry[H]) []*Entry[H] {
	var victims []*Entry[H]
	if c.cap > 0 {
		for el := c.lru.Back(); el != nil && len(c.entries) >= c.cap; {
			prev := el.Prev()
			old := el.Value.(*Entry[H])
			if old.refs == 0 {
				c.removeLocked(old)
				c.markDrainingLocked(old)
				victims = append(victims, old)
				c.evictions.Add(1)
				cacheEvictions.WithLabelValues("capacity").Inc()
			}
			el = prev
		}
	}
	e.elem = c.lru.PushFront(e)
	c.entries[e.key] = e
	cacheEntries.Set(float64(len(c.entries)))
	return victims
}

func (c *Cache[H]) removeLocked(e *Entry[H]) {
	e.removed.Store(true)
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	cacheEntries.Set(float64(len(c.entries)))
}

func (c *Cache[H]) markDrainingLocked(e *Entry[H]) {
	if _, ok := c.draining[e.key]; !ok {
		c.draining[e.key] = make(chan struct{})
	}
}

// drain flushes dropped entries that still have pending interactions. It
// runs detached from ctx cancellation so a cancelled request cannot lose
// another brain's learning.
func (c *Cache[H]) drain(ctx context.Context, victims []*Entry[H]) {
	if len(victims) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, e := range victims {
		if err := e.lock(ctx); err == nil {
			if err := c.flushLocked(ctx, e); err != nil {
				slog.Warn("flush before eviction failed, pending learning dropped",
					"key", e.key, "pending", e.pending.Load(), "error", err)
			}
			e.unlock()
		}

		c.mu.Lock()
		if done, ok := c.draining[e.key]; ok {
			close(done)
			delete(c.draining, e.key)
		}
		c.mu.Unlock()
	}
}

// flushLocked runs the flush function if e has a pending tally. Caller holds
// e's lock.
func (c *Cache[H]) flushLocked(ctx context.Context, e *Entry[H]) error {
	if c.flush == nil || e.pending.Load() == 0 {
		return nil
	}
	if err := c.flush(ctx, e.key, e.handle); err != nil {
		cacheFlushes.WithLabelValues("error").Inc()
		return fmt.Errorf("flush %s: %w", e.key, err)
	}
	e.pending.Store(0)
	c.flushes.Add(1)
	cacheFlushes.WithLabelValues("ok").Inc()
	return nil
}

func (c *Cache[H]) unref(e *Entry[H]) {
	c.mu.Lock()
	e.refs--
	c.mu.Unlock()
}
