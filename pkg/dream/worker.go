// Package dream runs the router's background maintenance loop.
//
// Every cycle the worker consolidates brains nobody has used for a while:
// their pending learning is checkpointed and their handles are dropped from
// the cache, so memory follows the working set. The cycle's findings are
// logged and published as events.
package dream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nous-labs/neuro/pkg/brain"
	"github.com/nous-labs/neuro/pkg/cache"
	"github.com/nous-labs/neuro/pkg/lifecycle"
)

// EventFunc is a callback for publishing dream events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Maintainer is the part of the lifecycle service the worker drives.
type Maintainer interface {
	Consolidate(ctx context.Context, idleFor time.Duration) int
	CacheStats() cache.Stats
	GetPlatformBrain(ctx context.Context) (brain.Record, error)
}

// Report holds the results of a single dream cycle.
type Report struct {
	CycleNumber int         `json:"cycle_number"`
	StartedAt   time.Time   `json:"started_at"`
	Duration    string      `json:"duration"`
	Before      cache.Stats `json:"before"`
	After       cache.Stats `json:"after"`

	// Brains checkpointed and dropped because they were idle.
	Consolidated int `json:"consolidated"`

	// Platform brain health, when one exists.
	PlatformInferenceRate *float64 `json:"platform_inference_rate,omitempty"`

	// Errors (non-fatal)
	Errors []string `json:"errors,omitempty"`
}

// Worker is the dream background worker.
type Worker struct {
	svc          Maintainer
	onEvent      EventFunc
	interval     time.Duration
	idleAfter    time.Duration
	initialDelay time.Duration

	// State
	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// Config holds dream worker configuration.
type Config struct {
	Interval     time.Duration `json:"interval" yaml:"interval"`           // how often to dream (default 10m)
	IdleAfter    time.Duration `json:"idle_after" yaml:"idle_after"`       // consolidate brains idle this long (default 30m)
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"` // wait before the first cycle (default 30s)
}

// DefaultConfig returns sensible defaults for the dream worker.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Minute,
		IdleAfter:    30 * time.Minute,
		InitialDelay: 30 * time.Second,
	}
}

// NewWorker creates a new dream worker.
func NewWorker(svc Maintainer, onEvent EventFunc, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}

	return &Worker{
		svc:          svc,
		onEvent:      onEvent,
		interval:     cfg.Interval,
		idleAfter:    cfg.IdleAfter,
		initialDelay: cfg.InitialDelay,
	}
}

// Run starts the dream loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("dream worker started",
		"interval", w.interval,
		"idle_after", w.idleAfter,
	)
	w.emit("status", "Dream worker started")

	// Let the rest of the daemon come up before the first cycle.
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.initialDelay):
	}

	if report := w.DreamOnce(ctx); report != nil {
		w.logReport(report)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dream worker stopping")
			w.emit("status", "Dream worker stopped")
			return
		case <-ticker.C:
			if report := w.DreamOnce(ctx); report != nil {
				w.logReport(report)
			}
		}
	}
}

// DreamOnce runs a single dream cycle. Returns the report.
func (w *Worker) DreamOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := time.Now()
	report := &Report{
		CycleNumber: cycle,
		StartedAt:   start,
		Before:      w.svc.CacheStats(),
	}

	report.Consolidated = w.svc.Consolidate(ctx, w.idleAfter)
	w.checkPlatform(ctx, report)

	report.After = w.svc.CacheStats()
	report.Duration = time.Since(start).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()

	return report
}

// LastReport returns the most recent dream report.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) checkPlatform(ctx context.Context, report *Report) {
	rec, err := w.svc.GetPlatformBrain(ctx)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return
	}
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("platform brain: %v", err))
		slog.Warn("dream: platform lookup failed", "error", err)
		return
	}
	rate := rec.Performance.NeuralInferenceRate()
	report.PlatformInferenceRate = &rate
}

// logReport logs the dream report summary and publishes it.
func (w *Worker) logReport(report *Report) {
	summary := fmt.Sprintf(
		"Dream cycle %d complete (%s): %d brains consolidated, %d cached (%d in use, %d with pending learning)",
		report.CycleNumber,
		report.Duration,
		report.Consolidated,
		report.After.Entries,
		report.After.InUse,
		report.After.Pending,
	)
	if report.PlatformInferenceRate != nil {
		summary += fmt.Sprintf(", platform answers %.1f%% locally", *report.PlatformInferenceRate*100)
	}
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}

	slog.Info("dream: cycle complete", "summary", summary)
	w.emit("status", summary)
}

// emit publishes an event if the callback is set.
func (w *Worker) emit(typ, message string) {
	if w.onEvent != nil {
		w.onEvent(typ, message)
	}
}
