// Package lifecycle creates, clones, routes and checkpoints brains.
//
// A Service owns the handle cache for every brain it serves. Operations on
// one brain are serialized by that brain's cache entry lock and applied in
// arrival order; operations on different brains run independently. The
// fallback oracle and snapshot writes run under the per-brain lock only.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/neuro/pkg/brain"
	"github.com/nous-labs/neuro/pkg/cache"
	"github.com/nous-labs/neuro/pkg/engine"
	"github.com/nous-labs/neuro/pkg/oracle"
	"github.com/nous-labs/neuro/pkg/replay"
)

// Defaults for Config zero values.
const (
	DefaultConfidenceThreshold = 0.85
	DefaultPersistenceInterval = 100
	DefaultFallbackTimeout     = 10 * time.Second
	DefaultNeurons             = 128
)

// Event types passed to an EventFunc.
const (
	EventCreated    = "brain.created"
	EventCheckpoint = "brain.checkpoint"
	EventDegraded   = "brain.fallback_degraded"
	EventFailure    = "brain.failure"
)

// EventFunc receives lifecycle events. It must not block.
type EventFunc func(typ, message string)

// Config tunes routing and checkpointing.
type Config struct {
	// ConfidenceThreshold is the lowest local confidence answered without
	// the oracle. Zero takes DefaultConfidenceThreshold; to never consult
	// the oracle, configure none or predict with useFallback false.
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// PersistenceInterval is the number of interactions between snapshot
	// writes of one brain.
	PersistenceInterval int64         `json:"persistence_interval" yaml:"persistence_interval"`
	FallbackTimeout     time.Duration `json:"fallback_timeout" yaml:"fallback_timeout"`
	StateDir            string        `json:"state_dir" yaml:"state_dir"`
	Task                string        `json:"task" yaml:"task"`
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.PersistenceInterval <= 0 {
		c.PersistenceInterval = DefaultPersistenceInterval
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = DefaultFallbackTimeout
	}
	if c.StateDir == "" {
		c.StateDir = "."
	}
	if c.Task == "" {
		c.Task = "classification"
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithOracle sets the fallback oracle. Without one, low-confidence
// predictions are returned as they are.
func WithOracle(o oracle.Oracle) Option {
	return func(s *Service) { s.oracle = o }
}

// WithReplayLog records every applied supervised example and replays the
// ones newer than a brain's last checkpoint when it is loaded.
func WithReplayLog(l replay.Log) Option {
	return func(s *Service) { s.replay = l }
}

func WithEventFunc(fn EventFunc) Option {
	return func(s *Service) { s.events = fn }
}

// WithCacheOptions passes options such as capacity to the handle cache.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(s *Service) { s.cacheOpts = append(s.cacheOpts, opts...) }
}

// WithClock overrides time.Now for the service and its cache.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the brain lifecycle orchestrator.
type Service struct {
	store  brain.Store
	engine engine.Engine
	oracle oracle.Oracle
	replay replay.Log
	events EventFunc
	cfg    Config
	now    func() time.Time

	cacheOpts []cache.Option
	cache     *cache.Cache[engine.Handle]

	// createMu serializes creations so that uniqueness is checked before
	// any snapshot is written.
	createMu sync.Mutex
}

// New returns a Service. store and eng are required.
func New(store brain.Store, eng engine.Engine, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if eng == nil {
		return nil, errors.New("lifecycle: inference engine is required")
	}
	s := &Service{
		store:  store,
		engine: eng,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	copts := append([]cache.Option{
		cache.WithFlush(cache.FlushFunc[engine.Handle](s.flush)),
		cache.WithClock(s.now),
	}, s.cacheOpts...)
	s.cache = cache.New[engine.Handle](s.load, copts...)
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// CacheStats reports the handle cache counters.
func (s *Service) CacheStats() cache.Stats { return s.cache.Stats() }

// CreatePlatformBrain creates the single platform brain. A neuron count of
// zero means DefaultNeurons; a negative one is a CreationConflict.
func (s *Service) CreatePlatformBrain(ctx context.Context, neurons int, enableEthics, enableCuriosity bool) (rec brain.Record, err error) {
	ctx, span := startSpan(ctx, opCreatePlatform, "")
	defer func() { endSpan(span, err) }()

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if existing, ok, err := s.store.GetPlatform(ctx); err != nil {
		return brain.Record{}, learningFailure(opCreatePlatform, "", err)
	} else if ok {
		return brain.Record{}, conflict(opCreatePlatform, existing.ID, "platform brain already exists")
	}
	if neurons < 0 {
		return brain.Record{}, conflict(opCreatePlatform, "", "neuron count %d is negative", neurons)
	}
	if neurons == 0 {
		neurons = DefaultNeurons
	}

	id := uuid.NewString()
	h, err := s.engine.Create("platform", neurons, s.cfg.Task)
	if err != nil {
		return brain.Record{}, conflict(opCreatePlatform, id, "create engine: %w", err)
	}
	if enableEthics {
		if err := s.engine.EnableEthics(h); err != nil {
			return brain.Record{}, conflict(opCreatePlatform, id, "enable ethics: %w", err)
		}
	}
	if enableCuriosity {
		if err := s.engine.EnableCuriosity(h); err != nil {
			return brain.Record{}, conflict(opCreatePlatform, id, "enable curiosity: %w", err)
		}
	}

	now := s.now()
	path := snapshotPath(s.cfg.StateDir, brain.TypePlatform, "", id, now)
	if err := s.writeInitialSnapshot(h, path); err != nil {
		return brain.Record{}, conflict(opCreatePlatform, id, "%w", err)
	}

	features := brain.Features{Ethics: enableEthics, Curiosity: enableCuriosity}
	rec, err = s.register(ctx, opCreatePlatform, brain.NewPlatform(id, path, neurons, features, now), h)
	if err != nil {
		return brain.Record{}, err
	}
	brainsCreated.WithLabelValues(string(brain.TypePlatform), "false").Inc()
	slog.Info("platform brain created", "id", id, "neurons", neurons, "path", path)
	s.emit(EventCreated, fmt.Sprintf("platform brain %s created (%d neurons)", id, neurons))
	return rec, nil
}

// CreateStudentBrain creates ownerID's brain, either as a copy-on-write
// clone of the platform brain or as an independent brain of neurons units.
// A clone takes the platform's neuron count and ignores neurons; for an
// independent brain zero means DefaultNeurons and a negative count is a
// CreationConflict.
func (s *Service) CreateStudentBrain(ctx context.Context, ownerID string, neurons int, cloneFromPlatform bool) (rec brain.Record, err error) {
	ctx, span := startSpan(ctx, opCreateStudent, "")
	defer func() { endSpan(span, err) }()

	if ownerID == "" {
		return brain.Record{}, conflict(opCreateStudent, "", "owner id is required")
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if existing, ok, err := s.store.GetByOwner(ctx, ownerID, brain.TypeStudent); err != nil {
		return brain.Record{}, learningFailure(opCreateStudent, "", err)
	} else if ok {
		return brain.Record{}, conflict(opCreateStudent, existing.ID, "owner %s already has a student brain", ownerID)
	}

	id := uuid.NewString()
	var (
		h        engine.Handle
		parentID string
		cow      brain.COWStats
		features brain.Features
	)
	if cloneFromPlatform {
		platform, ok, err := s.store.GetPlatform(ctx)
		if err != nil {
			return brain.Record{}, learningFailure(opCreateStudent, id, err)
		}
		if !ok {
			return brain.Record{}, conflict(opCreateStudent, id, "clone requested but no platform brain exists")
		}
		// The clone only needs the parent's read lock, taken inside CloneCOW,
		// so predictions against the platform brain carry on.
		parent, err := s.cache.GetOrLoad(ctx, platform.ID)
		if err != nil {
			return brain.Record{}, learningFailure(opCreateStudent, platform.ID, err)
		}
		h, err = s.engine.CloneCOW(parent)
		if err != nil {
			return brain.Record{}, learningFailure(opCreateStudent, platform.ID, fmt.Errorf("clone platform brain: %w", err))
		}
		parentID = platform.ID
		neurons = platform.NeuronCount
		features = platform.Features
		cow = brain.COWStats{IsCOWClone: true, SharedBytes: parent.SizeBytes()}
	} else {
		if neurons < 0 {
			return brain.Record{}, conflict(opCreateStudent, id, "neuron count %d is negative", neurons)
		}
		if neurons == 0 {
			neurons = DefaultNeurons
		}
		h, err = s.engine.Create("student-"+ownerID, neurons, s.cfg.Task)
		if err != nil {
			return brain.Record{}, conflict(opCreateStudent, id, "create engine: %w", err)
		}
	}

	now := s.now()
	path := snapshotPath(s.cfg.StateDir, brain.TypeStudent, ownerID, id, now)
	if err := s.writeInitialSnapshot(h, path); err != nil {
		return brain.Record{}, conflict(opCreateStudent, id, "%w", err)
	}

	r := brain.NewStudent(id, ownerID, parentID, path, neurons, cow, now)
	r.Features = features
	rec, err = s.register(ctx, opCreateStudent, r, h)
	if err != nil {
		return brain.Record{}, err
	}
	brainsCreated.WithLabelValues(string(brain.TypeStudent), fmt.Sprint(cloneFromPlatform)).Inc()
	slog.Info("student brain created", "id", id, "owner", ownerID, "parent", parentID,
		"cow", cloneFromPlatform, "shared_bytes", cow.SharedBytes, "path", path)
	s.emit(EventCreated, fmt.Sprintf("student brain %s created for %s", id, ownerID))
	return rec, nil
}

// writeInitialSnapshot saves h to a path no other brain uses. The reserved
// file is removed if the save fails.
func (s *Service) writeInitialSnapshot(h engine.Handle, path string) error {
	if err := reserveSnapshot(path); err != nil {
		return err
	}
	if err := s.engine.Save(h, path); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			slog.Warn("remove reserved snapshot", "path", path, "error", rmErr)
		}
		return fmt.Errorf("write initial snapshot: %w", err)
	}
	return nil
}

// register persists rec and caches its fresh handle. On failure the initial
// snapshot is removed.
func (s *Service) register(ctx context.Context, op string, rec brain.Record, h engine.Handle) (brain.Record, error) {
	created, err := s.store.Create(ctx, rec)
	if err != nil {
		if rmErr := os.Remove(rec.StateFilePath); rmErr != nil {
			slog.Warn("remove orphaned snapshot", "path", rec.StateFilePath, "error", rmErr)
		}
		if errors.Is(err, brain.ErrDuplicate) {
			return brain.Record{}, newError(KindCreationConflict, op, rec.ID, err)
		}
		return brain.Record{}, learningFailure(op, rec.ID, fmt.Errorf("register brain: %w", err))
	}
	if err := s.cache.Insert(ctx, created.ID, h); err != nil {
		slog.Warn("cache new brain", "id", created.ID, "error", err)
	}
	return created, nil
}

// GetBrain returns the record of id.
func (s *Service) GetBrain(ctx context.Context, id string) (brain.Record, error) {
	rec, ok, err := s.store.GetByID(ctx, id)
	if err != nil {
		return brain.Record{}, learningFailure(opGetBrain, id, err)
	}
	if !ok {
		return brain.Record{}, notFound(opGetBrain, id)
	}
	return rec, nil
}

// GetStudentBrain returns the student brain of ownerID.
func (s *Service) GetStudentBrain(ctx context.Context, ownerID string) (brain.Record, error) {
	rec, ok, err := s.store.GetByOwner(ctx, ownerID, brain.TypeStudent)
	if err != nil {
		return brain.Record{}, learningFailure(opGetStudent, "", err)
	}
	if !ok {
		return brain.Record{}, newError(KindNotFound, opGetStudent, "", fmt.Errorf("owner %s has no student brain", ownerID))
	}
	return rec, nil
}

// GetPlatformBrain returns the platform brain.
func (s *Service) GetPlatformBrain(ctx context.Context) (brain.Record, error) {
	rec, ok, err := s.store.GetPlatform(ctx)
	if err != nil {
		return brain.Record{}, learningFailure(opGetPlatform, "", err)
	}
	if !ok {
		return brain.Record{}, notFound(opGetPlatform, "")
	}
	return rec, nil
}

// load is the cache's miss path: read the snapshot, then re-apply examples
// recorded after the last checkpoint.
func (s *Service) load(ctx context.Context, id string) (engine.Handle, error) {
	rec, ok, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	if !ok {
		return nil, notFound(opGetBrain, id)
	}
	h, err := s.engine.Load(rec.StateFilePath)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", rec.StateFilePath, err)
	}
	slog.Debug("brain loaded", "id", id, "path", rec.StateFilePath)

	if s.replay == nil {
		return h, nil
	}
	since := rec.CreatedAt
	if rec.LastCheckpointAt != nil {
		since = *rec.LastCheckpointAt
	}
	examples, err := s.replay.Since(ctx, id, since, 0)
	if err != nil {
		slog.Warn("read replay log, continuing from snapshot", "id", id, "error", err)
		return h, nil
	}
	if len(examples) == 0 {
		return h, nil
	}
	applied := 0
	for _, ex := range examples {
		if err := s.engine.Learn(h, ex.Features, ex.Label, ex.Confidence); err != nil {
			slog.Warn("replay example", "id", id, "example", ex.ID, "error", err)
			continue
		}
		applied++
	}
	slog.Info("replayed learning since last checkpoint", "id", id, "examples", applied)

	// Snapshot now so the same examples are not replayed again.
	if err := s.engine.Save(h, rec.StateFilePath); err != nil {
		slog.Warn("checkpoint after replay", "id", id, "error", err)
		return h, nil
	}
	now := s.now().UTC()
	rec.LastCheckpointAt = &now
	rec.COW.Diverge(h.CopiedBytes())
	rec.Touch(now)
	if err := s.store.Update(ctx, rec); err != nil {
		slog.Warn("record checkpoint after replay", "id", id, "error", err)
	}
	return h, nil
}

// flush is the cache's pre-eviction hook. It runs under the entry lock.
func (s *Service) flush(ctx context.Context, id string, h engine.Handle) error {
	rec, ok, err := s.store.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	if !ok {
		return notFound(opCheckpoint, id)
	}
	return s.checkpoint(ctx, h, &rec)
}

func (s *Service) emit(typ, message string) {
	if s.events != nil {
		s.events(typ, message)
	}
}
