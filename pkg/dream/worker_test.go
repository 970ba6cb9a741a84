package dream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nous-labs/neuro/pkg/brain"
	"github.com/nous-labs/neuro/pkg/cache"
	"github.com/nous-labs/neuro/pkg/engine"
	"github.com/nous-labs/neuro/pkg/lifecycle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeService struct {
	mu          sync.Mutex
	calls       int
	idleFor     time.Duration
	platform    *brain.Record
	platformErr error
}

func (f *fakeService) Consolidate(ctx context.Context, idleFor time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.idleFor = idleFor
	return 2
}

func (f *fakeService) CacheStats() cache.Stats {
	return cache.Stats{Entries: 3, InUse: 1}
}

func (f *fakeService) GetPlatformBrain(ctx context.Context) (brain.Record, error) {
	if f.platformErr != nil {
		return brain.Record{}, f.platformErr
	}
	if f.platform == nil {
		return brain.Record{}, &lifecycle.Error{Kind: lifecycle.KindNotFound, Op: "get_platform_brain"}
	}
	return *f.platform, nil
}

func (f *fakeService) consolidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDreamOnceReports(t *testing.T) {
	rec := brain.Record{Performance: brain.Performance{TotalInteractions: 4, FallbackInteractions: 1}}
	svc := &fakeService{platform: &rec}
	w := NewWorker(svc, nil, Config{IdleAfter: time.Minute})

	r := w.DreamOnce(context.Background())
	require.NotNil(t, r)
	assert.Equal(t, 1, r.CycleNumber)
	assert.Equal(t, 2, r.Consolidated)
	assert.Equal(t, time.Minute, svc.idleFor)
	require.NotNil(t, r.PlatformInferenceRate)
	assert.InDelta(t, 0.75, *r.PlatformInferenceRate, 1e-9)
	assert.Empty(t, r.Errors)
	assert.Same(t, r, w.LastReport())

	r = w.DreamOnce(context.Background())
	assert.Equal(t, 2, r.CycleNumber)
}

func TestDreamOnceWithoutPlatform(t *testing.T) {
	w := NewWorker(&fakeService{}, nil, Config{})
	r := w.DreamOnce(context.Background())
	assert.Nil(t, r.PlatformInferenceRate)
	assert.Empty(t, r.Errors)

	w = NewWorker(&fakeService{platformErr: errors.New("db down")}, nil, Config{})
	r = w.DreamOnce(context.Background())
	assert.Len(t, r.Errors, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	svc := &fakeService{}
	var mu sync.Mutex
	var events []string
	w := NewWorker(svc, func(typ, msg string) {
		mu.Lock()
		events = append(events, msg)
		mu.Unlock()
	}, Config{Interval: 5 * time.Millisecond, InitialDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return svc.consolidations() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Dream worker started", events[0])
	assert.Equal(t, "Dream worker stopped", events[len(events)-1])
}

func TestConsolidatesRealService(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	svc, err := lifecycle.New(brain.NewMemoryStore(), engine.NewLocal(engine.LocalConfig{}),
		lifecycle.Config{StateDir: t.TempDir()}, lifecycle.WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	rec, err := svc.CreatePlatformBrain(ctx, 16, false, false)
	require.NoError(t, err)
	require.NoError(t, svc.Learn(ctx, rec.ID, []float64{1, 2}, "x", 1))

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	w := NewWorker(svc, nil, Config{IdleAfter: 30 * time.Minute})
	r := w.DreamOnce(ctx)
	assert.Equal(t, 1, r.Consolidated)
	assert.Equal(t, 1, r.Before.Entries)
	assert.Equal(t, 1, r.Before.Pending)
	assert.Zero(t, r.After.Entries)

	got, err := svc.GetBrain(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.LastCheckpointAt.After(got.CreatedAt))
}
