package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type handle struct {
	key string
	gen int64
}

type loader struct {
	calls atomic.Int64
	delay time.Duration
	fail  map[string]bool
}

func (l *loader) load(ctx context.Context, key string) (*handle, error) {
	n := l.calls.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.fail[key] {
		return nil, errors.New("snapshot unreadable")
	}
	return &handle{key: key, gen: n}, nil
}

func TestGetOrLoadCachesHandle(t *testing.T) {
	l := &loader{}
	c := New(l.load)
	ctx := context.Background()

	h1, err := c.GetOrLoad(ctx, "a")
	require.NoError(t, err)
	h2, err := c.GetOrLoad(ctx, "a")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, int64(1), l.calls.Load())

	s := c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Loads)
	assert.Zero(t, s.InUse)
}

func TestLoadFailurePropagatesAndCachesNothing(t *testing.T) {
	l := &loader{fail: map[string]bool{"bad": true}}
	c := New(l.load)

	_, err := c.GetOrLoad(context.Background(), "bad")
	assert.ErrorContains(t, err, "snapshot unreadable")
	assert.Zero(t, c.Len())
}

func TestConcurrentMissesLoadOnce(t *testing.T) {
	l := &loader{delay: 20 * time.Millisecond}
	c := New(l.load)

	var wg sync.WaitGroup
	handles := make([]*handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.GetOrLoad(context.Background(), "a")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), l.calls.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestAcquireSerializesPerKey(t *testing.T) {
	l := &loader{}
	c := New(l.load)
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.Acquire(ctx, "a")
			if !assert.NoError(t, err) {
				return
			}
			defer e.Release()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			e.IncrementTally()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Len(t, order, 20)

	e, err := c.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(20), e.Tally())
	e.Release()
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	c := New((&loader{}).load)
	ctx := context.Background()

	a, err := c.Acquire(ctx, "a")
	require.NoError(t, err)
	defer a.Release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b, err := c.Acquire(ctx, "b")
		if assert.NoError(t, err) {
			b.Release()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring b blocked behind a")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	c := New((&loader{}).load)

	held, err := c.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvictForcesReload(t *testing.T) {
	l := &loader{}
	c := New(l.load)
	ctx := context.Background()

	h1, err := c.GetOrLoad(ctx, "a")
	require.NoError(t, err)
	assert.True(t, c.Evict("a"))
	assert.False(t, c.Evict("a"))

	h2, err := c.GetOrLoad(ctx, "a")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.Equal(t, int64(2), l.calls.Load())
}

func TestEvictWhileHeldReloadsForWaiters(t *testing.T) {
	l := &loader{}
	c := New(l.load)
	ctx := context.Background()

	e, err := c.Acquire(ctx, "a")
	require.NoError(t, err)
	first := e.Handle()

	got := make(chan *handle)
	go func() {
		w, err := c.Acquire(ctx, "a")
		if !assert.NoError(t, err) {
			close(got)
			return
		}
		got <- w.Handle()
		w.Release()
	}()

	time.Sleep(10 * time.Millisecond)
	c.Evict("a")
	e.Release()

	second := <-got
	assert.NotSame(t, first, second)
}

func TestInsertRejectsDuplicate(t *testing.T) {
	c := New((&loader{}).load)
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", &handle{key: "a"}))
	assert.ErrorIs(t, c.Insert(ctx, "a", &handle{key: "a"}), ErrExists)
}

func TestCapacityEvictsLRUAndFlushes(t *testing.T) {
	var flushed sync.Map
	flush := func(ctx context.Context, key string, h *handle) error {
		flushed.Store(key, true)
		return nil
	}
	l := &loader{}
	c := New(l.load, WithCapacity(2), WithFlush(FlushFunc[*handle](flush)))
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		e, err := c.Acquire(ctx, k)
		require.NoError(t, err)
		e.IncrementTally()
		e.Release()
	}
	// Touch a so b is least recently used.
	_, err := c.GetOrLoad(ctx, "a")
	require.NoError(t, err)

	_, err = c.GetOrLoad(ctx, "c")
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	_, ok := flushed.Load("b")
	assert.True(t, ok, "b had pending interactions and must be flushed")
	_, ok = flushed.Load("a")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCapacityNeverDropsHeldEntries(t *testing.T) {
	c := New((&loader{}).load, WithCapacity(1))
	ctx := context.Background()

	a, err := c.Acquire(ctx, "a")
	require.NoError(t, err)
	defer a.Release()

	_, err = c.GetOrLoad(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.False(t, a.removed.Load())
}

func TestEvictIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	var flushes atomic.Int32
	flush := func(ctx context.Context, key string, h *handle) error {
		flushes.Add(1)
		return nil
	}
	c := New((&loader{}).load, WithClock(clock), WithFlush(FlushFunc[*handle](flush)))
	ctx := context.Background()

	e, err := c.Acquire(ctx, "old")
	require.NoError(t, err)
	e.IncrementTally()
	e.Release()

	now = now.Add(time.Hour)
	_, err = c.GetOrLoad(ctx, "fresh")
	require.NoError(t, err)

	n := c.EvictIdle(ctx, 30*time.Minute)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), flushes.Load())
	assert.Equal(t, 1, c.Len())
}

func TestReloadWaitsForFlush(t *testing.T) {
	release := make(chan struct{})
	var flushDone atomic.Bool
	flush := func(ctx context.Context, key string, h *handle) error {
		<-release
		flushDone.Store(true)
		return nil
	}
	l := &loader{}
	c := New(l.load, WithFlush(FlushFunc[*handle](flush)))
	ctx := context.Background()

	e, err := c.Acquire(ctx, "a")
	require.NoError(t, err)
	e.IncrementTally()
	e.Release()

	evicted := make(chan int)
	go func() { evicted <- c.EvictIdle(ctx, -time.Second) }()

	// Wait until the entry is out of the index and draining.
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)

	loaded := make(chan bool)
	go func() {
		_, err := c.GetOrLoad(ctx, "a")
		assert.NoError(t, err)
		loaded <- flushDone.Load()
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	assert.True(t, <-loaded, "reload must observe the finished flush")
	assert.Equal(t, 1, <-evicted)
}

func TestFlushAllResetsTallies(t *testing.T) {
	var calls atomic.Int32
	flush := func(ctx context.Context, key string, h *handle) error {
		calls.Add(1)
		if key == "broken" {
			return fmt.Errorf("disk full")
		}
		return nil
	}
	c := New((&loader{}).load, WithFlush(FlushFunc[*handle](flush)))
	ctx := context.Background()

	for _, k := range []string{"a", "b", "broken", "idle"} {
		e, err := c.Acquire(ctx, k)
		require.NoError(t, err)
		if k != "idle" {
			e.IncrementTally()
		}
		e.Release()
	}

	err := c.FlushAll(ctx)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, c.Stats().Pending)
	assert.Equal(t, 4, c.Len())
}
