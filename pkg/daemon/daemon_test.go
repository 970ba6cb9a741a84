package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/neuro/pkg/brain"
	"github.com/nous-labs/neuro/pkg/channel"
	"github.com/nous-labs/neuro/pkg/engine"
	"github.com/nous-labs/neuro/pkg/lifecycle"
)

func newTestDaemon(t *testing.T) (*Daemon, *lifecycle.Service) {
	t.Helper()
	events := NewEventBus()
	svc, err := lifecycle.New(brain.NewMemoryStore(), engine.NewLocal(engine.LocalConfig{}),
		lifecycle.Config{StateDir: t.TempDir()},
		lifecycle.WithEventFunc(events.Emit))
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Dream.Disabled = true
	d, err := New(svc, cfg, events)
	require.NoError(t, err)
	return d, svc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewRequiresService(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)
}

func TestHealthReflectsState(t *testing.T) {
	d, _ := newTestDaemon(t)
	h := d.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health").Code)
	d.setHealthy(true)
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestBrainEndpoints(t *testing.T) {
	d, svc := newTestDaemon(t)
	ctx := context.Background()
	h := d.Handler()

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/platform").Code)

	platform, err := svc.CreatePlatformBrain(ctx, 32, false, false)
	require.NoError(t, err)
	student, err := svc.CreateStudentBrain(ctx, "alice", 0, true)
	require.NoError(t, err)

	resp := get(t, h, "/v1/platform")
	require.Equal(t, http.StatusOK, resp.Code)
	var got brain.Record
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, platform.ID, got.ID)

	resp = get(t, h, "/v1/students/alice")
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, student.ID, got.ID)
	assert.Equal(t, platform.ID, got.ParentID)

	resp = get(t, h, "/v1/brains/"+student.ID)
	assert.Equal(t, http.StatusOK, resp.Code)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/brains/missing").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/students/bob").Code)
}

func TestCacheEndpoint(t *testing.T) {
	d, svc := newTestDaemon(t)
	_, err := svc.CreatePlatformBrain(context.Background(), 16, false, false)
	require.NoError(t, err)

	resp := get(t, d.Handler(), "/v1/cache")
	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Contains(t, body, "stats")
	assert.NotContains(t, body, "last_dream")
}

func TestLifecycleEventsReachBus(t *testing.T) {
	d, svc := newTestDaemon(t)
	_, err := svc.CreatePlatformBrain(context.Background(), 16, false, false)
	require.NoError(t, err)

	recent := d.Events.Recent(0)
	require.NotEmpty(t, recent)
	assert.Equal(t, lifecycle.EventCreated, recent[len(recent)-1].Type)
	assert.Equal(t, LevelInfo, recent[len(recent)-1].Level)
}

type recordingChannel struct {
	mu      sync.Mutex
	notices []channel.Notice
	started bool
	stopped bool
}

func (c *recordingChannel) Name() string { return "recorder" }

func (c *recordingChannel) Start(context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) Send(_ context.Context, n channel.Notice) error {
	c.mu.Lock()
	c.notices = append(c.notices, n)
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) Stop() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) sent() []channel.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Notice(nil), c.notices...)
}

func TestRegisterChannelRejectsDuplicates(t *testing.T) {
	d, _ := newTestDaemon(t)
	require.NoError(t, d.RegisterChannel(&recordingChannel{}, channel.Filter{}))
	assert.Error(t, d.RegisterChannel(&recordingChannel{}, channel.Filter{}))
	assert.Error(t, d.RegisterChannel(nil, channel.Filter{}))
}

func TestRunForwardsFilteredEvents(t *testing.T) {
	d, _ := newTestDaemon(t)
	d.Config.HTTPAddr = "127.0.0.1:0"
	rc := &recordingChannel{}
	require.NoError(t, d.RegisterChannel(rc, channel.Filter{MinLevel: LevelWarn}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Events.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.Events.Emit(lifecycle.EventCreated, "ignored")
	d.Events.Emit(lifecycle.EventDegraded, "oracle timed out")
	d.Events.Emit(lifecycle.EventFailure, "checkpoint failed")

	require.Eventually(t, func() bool { return len(rc.sent()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sent := rc.sent()
	assert.Equal(t, "oracle timed out", sent[0].Content)
	assert.Equal(t, LevelWarn, sent[0].Level)
	assert.Equal(t, LevelError, sent[1].Level)
	assert.NotZero(t, sent[1].Timestamp)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	assert.True(t, rc.started)
	assert.True(t, rc.stopped)
}
