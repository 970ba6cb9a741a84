package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nous-labs/neuro/pkg/channel"
	"github.com/nous-labs/neuro/pkg/dream"
	"github.com/nous-labs/neuro/pkg/lifecycle"
)

// Daemon runs the lifecycle service behind a small read-only HTTP surface,
// with the dream worker and notification channels alongside.
type Daemon struct {
	Service  *lifecycle.Service
	Config   *Config
	Events   *EventBus
	Channels map[string]registeredChannel

	startedAt  time.Time
	healthyMu  sync.RWMutex
	healthy    bool
	httpServer *http.Server
	dreamer    *dream.Worker
}

type registeredChannel struct {
	ch     channel.Channel
	filter channel.Filter
}

// New creates a daemon for svc. events may be nil; pass the bus the service
// already emits into so its events reach SSE clients and channels.
func New(svc *lifecycle.Service, cfg *Config, events *EventBus) (*Daemon, error) {
	if svc == nil {
		return nil, fmt.Errorf("lifecycle service is required")
	}
	if cfg == nil {
		cfg = defaultConfig()
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if events == nil {
		events = NewEventBus()
	}

	return &Daemon{
		Service:   svc,
		Config:    cfg,
		Events:    events,
		Channels:  map[string]registeredChannel{},
		startedAt: time.Now(),
	}, nil
}

// RegisterChannel adds a notification channel that receives events passing
// filter.
func (d *Daemon) RegisterChannel(ch channel.Channel, filter channel.Filter) error {
	if ch == nil {
		return fmt.Errorf("channel is nil")
	}
	name := ch.Name()
	if name == "" {
		return fmt.Errorf("channel name is empty")
	}
	if _, exists := d.Channels[name]; exists {
		return fmt.Errorf("channel already registered: %s", name)
	}
	d.Channels[name] = registeredChannel{ch: ch, filter: filter}
	return nil
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	v := d.healthy
	d.healthyMu.RUnlock()
	return v
}

// Handler returns the daemon's HTTP routes.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/events", d.handleEvents)
	mux.HandleFunc("GET /v1/brains/{id}", d.handleBrain)
	mux.HandleFunc("GET /v1/platform", d.handlePlatform)
	mux.HandleFunc("GET /v1/students/{owner}", d.handleStudent)
	mux.HandleFunc("GET /v1/cache", d.handleCache)
	return mux
}

// Run serves until ctx is cancelled, then checkpoints every brain with
// pending learning.
func (d *Daemon) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	d.startChannels(runCtx, &wg)
	d.startDreamWorker(runCtx, &wg)

	d.httpServer = &http.Server{Addr: d.Config.HTTPAddr, Handler: d.Handler()}
	errCh := make(chan error, 1)
	go func() {
		err := d.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	slog.Info("daemon listening", "addr", d.Config.HTTPAddr)

	d.setHealthy(true)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	d.setHealthy(false)
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if d.httpServer != nil {
		_ = d.httpServer.Shutdown(shutdownCtx)
	}

	if err := d.Service.Flush(shutdownCtx); err != nil {
		slog.Error("flush brains on shutdown", "error", err)
		runErr = errors.Join(runErr, err)
	} else {
		slog.Info("brains flushed")
	}

	for name, rc := range d.Channels {
		if err := rc.ch.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", name, "error", err)
		}
	}
	return runErr
}

// startChannels connects every channel and forwards matching events to it.
func (d *Daemon) startChannels(ctx context.Context, wg *sync.WaitGroup) {
	for name, rc := range d.Channels {
		if err := rc.ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
			continue
		}
		events, done := d.Events.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.Events.Unsubscribe(done)
			forward(ctx, rc, events)
		}()
	}
}

func forward(ctx context.Context, rc registeredChannel, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			n := channel.Notice{Type: evt.Type, Level: evt.Level, Content: evt.Message}
			if ts, err := time.Parse(time.RFC3339, evt.TS); err == nil {
				n.Timestamp = ts.UnixMilli()
			}
			if !rc.filter.Accept(n) {
				continue
			}
			if err := rc.ch.Send(ctx, n); err != nil && ctx.Err() == nil {
				slog.Warn("channel send failed", "channel", rc.ch.Name(), "error", err)
			}
		}
	}
}

func (d *Daemon) startDreamWorker(ctx context.Context, wg *sync.WaitGroup) {
	if d.Config.Dream.Disabled {
		return
	}
	cfg := dream.DefaultConfig()
	cfg.Interval = Duration(d.Config.Dream.Interval, cfg.Interval)
	cfg.IdleAfter = Duration(d.Config.Dream.IdleAfter, Duration(d.Config.Cache.IdleTTL, cfg.IdleAfter))
	d.dreamer = dream.NewWorker(d.Service, func(typ, msg string) {
		d.Events.Publish(Event{Type: EventDream, Message: "[dream] " + msg})
	}, cfg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.dreamer.Run(ctx)
	}()
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if d.isHealthy() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := d.Events.Subscribe()
	defer d.Events.Unsubscribe(done)

	for _, e := range d.Events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}

func (d *Daemon) handleBrain(w http.ResponseWriter, r *http.Request) {
	rec, err := d.Service.GetBrain(r.Context(), r.PathValue("id"))
	writeResult(w, rec, err)
}

func (d *Daemon) handlePlatform(w http.ResponseWriter, r *http.Request) {
	rec, err := d.Service.GetPlatformBrain(r.Context())
	writeResult(w, rec, err)
}

func (d *Daemon) handleStudent(w http.ResponseWriter, r *http.Request) {
	rec, err := d.Service.GetStudentBrain(r.Context(), r.PathValue("owner"))
	writeResult(w, rec, err)
}

type cacheResponse struct {
	Stats     any           `json:"stats"`
	LastDream *dream.Report `json:"last_dream,omitempty"`
}

func (d *Daemon) handleCache(w http.ResponseWriter, _ *http.Request) {
	resp := cacheResponse{Stats: d.Service.CacheStats()}
	if d.dreamer != nil {
		resp.LastDream = d.dreamer.LastReport()
	}
	writeResult(w, resp, nil)
}

func writeResult(w http.ResponseWriter, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, lifecycle.ErrNotFound) {
			status = http.StatusNotFound
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
