// Package daemon assembles the brain lifecycle stack from configuration:
// store, replay log, engine, oracle, service and notification channels.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nous-labs/neuro/internal/channel/matrix"
	"github.com/nous-labs/neuro/internal/llm"
	"github.com/nous-labs/neuro/pkg/brain"
	"github.com/nous-labs/neuro/pkg/cache"
	"github.com/nous-labs/neuro/pkg/channel"
	coredaemon "github.com/nous-labs/neuro/pkg/daemon"
	"github.com/nous-labs/neuro/pkg/engine"
	"github.com/nous-labs/neuro/pkg/lifecycle"
	"github.com/nous-labs/neuro/pkg/oracle"
	"github.com/nous-labs/neuro/pkg/replay"
)

// Stack is an opened lifecycle service and everything it runs on.
type Stack struct {
	Config  *coredaemon.Config
	Store   brain.Store
	Replay  replay.Log // nil when disabled
	Engine  *engine.Local
	Service *lifecycle.Service
	Events  *coredaemon.EventBus

	// Vectors is set when examples live in Postgres and support
	// nearest-neighbour lookup.
	Vectors *replay.PGLog

	closers []func() error
}

// Open builds the stack described by cfg. Close releases it.
func Open(ctx context.Context, cfg *coredaemon.Config) (_ *Stack, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Stack{
		Config: cfg,
		Events: coredaemon.NewEventBus(),
		Engine: engine.NewLocal(cfg.Engine.Local),
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}

	opts := []lifecycle.Option{
		lifecycle.WithEventFunc(s.Events.Emit),
		lifecycle.WithCacheOptions(cache.WithCapacity(cfg.Cache.Capacity)),
	}
	if s.Replay != nil {
		opts = append(opts, lifecycle.WithReplayLog(s.Replay))
	}
	if o := buildOracle(cfg); o != nil {
		opts = append(opts, lifecycle.WithOracle(o))
	}

	s.Service, err = lifecycle.New(s.Store, s.Engine, lifecycle.Config{
		ConfidenceThreshold: cfg.Router.ConfidenceThreshold,
		PersistenceInterval: cfg.Router.PersistenceInterval,
		FallbackTimeout:     coredaemon.Duration(cfg.Router.FallbackTimeout, lifecycle.DefaultFallbackTimeout),
		StateDir:            filepath.Join(cfg.StateDir, "brains"),
		Task:                cfg.Engine.Task,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("create lifecycle service: %w", err)
	}
	return s, nil
}

// openStore opens the record store and, unless disabled, the replay log on
// the same backend.
func (s *Stack) openStore(ctx context.Context) error {
	cfg := s.Config
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := brain.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return err
		}
		s.Store = st
		s.closers = append(s.closers, st.Close)
		if cfg.Replay.Disabled {
			return nil
		}
		log, err := replay.NewSQLiteLog(ctx, st.DB())
		if err != nil {
			return err
		}
		s.Replay = log

	case "postgres":
		st, err := brain.OpenPostgres(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return err
		}
		s.Store = st
		s.closers = append(s.closers, func() error { st.Close(); return nil })
		if cfg.Replay.Disabled {
			return nil
		}
		log, err := replay.NewPGLog(ctx, st.Pool())
		if err != nil {
			return err
		}
		s.Replay = log
		s.Vectors = log

	case "badger":
		st, err := brain.OpenBadger(cfg.Store.Path)
		if err != nil {
			return err
		}
		s.Store = st
		s.closers = append(s.closers, st.Close)
		if cfg.Replay.Disabled {
			return nil
		}
		return s.openReplayDB(ctx)

	case "memory":
		s.Store = brain.NewMemoryStore()
		if !cfg.Replay.Disabled {
			s.Replay = replay.NewMemoryLog()
		}

	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

// openReplayDB keeps examples in a SQLite file next to a store that has no
// SQL database of its own.
func (s *Stack) openReplayDB(ctx context.Context) error {
	path := filepath.Join(s.Config.StateDir, "replay.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return fmt.Errorf("open replay db: %w", err)
	}
	s.closers = append(s.closers, db.Close)
	log, err := replay.NewSQLiteLog(ctx, db)
	if err != nil {
		return err
	}
	s.Replay = log
	return nil
}

// buildOracle chains the configured providers. It returns nil when no
// provider is usable, which leaves low-confidence answers local.
func buildOracle(cfg *coredaemon.Config) oracle.Oracle {
	if cfg.Oracle.Disabled {
		return nil
	}
	var providers []llm.Provider
	for _, p := range cfg.Oracle.Providers {
		if p.APIKey == "" || p.APIKey[0] == '$' {
			slog.Warn("oracle provider skipped, no API key", "provider", p.Provider, "model", p.Model)
			continue
		}
		name := p.Name
		if name == "" {
			name = p.Provider
		}
		switch p.Provider {
		case "anthropic":
			providers = append(providers, llm.NewAnthropic(p.APIKey, p.Model))
		case "anthropic-compat":
			providers = append(providers, llm.NewAnthropicCompat(name, p.BaseURL, p.APIKey, p.Model))
		case "openai":
			providers = append(providers, llm.NewOpenAICompat(name, p.BaseURL, p.APIKey, p.Model))
		default:
			slog.Warn("unknown oracle provider", "provider", p.Provider)
			continue
		}
		slog.Info("oracle provider configured", "provider", name, "model", p.Model)
	}
	if len(providers) == 0 {
		slog.Info("no oracle configured, fallback disabled")
		return nil
	}
	return oracle.NewLLM(llm.NewChain(providers...), oracle.LLMConfig{
		Labels:    cfg.Oracle.Labels,
		Task:      cfg.Engine.Task,
		MaxTokens: cfg.Oracle.MaxTokens,
	})
}

// Daemon returns the long-running host for the stack with the configured
// notification channels registered.
func (s *Stack) Daemon() (*coredaemon.Daemon, error) {
	d, err := coredaemon.New(s.Service, s.Config, s.Events)
	if err != nil {
		return nil, err
	}
	if m := s.Config.Matrix; m.Enabled {
		ch := matrix.New(matrix.Config{
			Homeserver: m.Homeserver,
			UserID:     m.UserID,
			Password:   m.Password,
			ServerName: m.ServerName,
			RoomID:     m.RoomID,
			DataDir:    m.DataDir,
		})
		if err := d.RegisterChannel(ch, channel.Filter{Types: m.Events, MinLevel: m.MinLevel}); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Close flushes pending learning and closes the backends in reverse order.
func (s *Stack) Close() error {
	var errs []error
	if s.Service != nil {
		if err := s.Service.Flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
