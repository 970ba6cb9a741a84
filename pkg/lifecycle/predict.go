package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/neuro/pkg/brain"
	"github.com/nous-labs/neuro/pkg/cache"
	"github.com/nous-labs/neuro/pkg/engine"
	"github.com/nous-labs/neuro/pkg/oracle"
	"github.com/nous-labs/neuro/pkg/replay"
)

// Prediction is the answer to one Predict call.
type Prediction struct {
	Output                string  `json:"output"`
	Confidence            float64 `json:"confidence"`
	UsedFallback          bool    `json:"used_fallback"`
	NeuralInferenceRate   float64 `json:"neural_inference_rate"`
	LLMCostSavingsPercent float64 `json:"llm_cost_savings_percent"`
}

// Predict answers features with brain id. A local answer below the
// confidence threshold is replaced by the oracle's when useFallback is set
// and an oracle is configured, and the oracle's answer is learned
// immediately. An oracle failure or timeout degrades to the local answer.
func (s *Service) Predict(ctx context.Context, id string, features []float64, useFallback bool) (p *Prediction, err error) {
	ctx, span := startSpan(ctx, opPredict, id)
	defer func() { endSpan(span, err) }()

	e, rec, err := s.acquire(ctx, opPredict, id)
	if err != nil {
		return nil, err
	}
	defer e.Release()
	h := e.Handle()

	out, err := s.engine.Predict(h, features)
	if err != nil {
		s.cache.Evict(id)
		s.emit(EventFailure, fmt.Sprintf("predict on %s failed: %v", id, err))
		return nil, learningFailure(opPredict, id, err)
	}

	route := routeLocal
	usedFallback := false
	if out.Confidence < s.cfg.ConfidenceThreshold && useFallback && s.oracle != nil {
		ans, err := s.queryOracle(ctx, features)
		if err != nil {
			route = routeDegraded
			slog.Warn("fallback oracle failed, answering locally",
				"id", id, "local_confidence", out.Confidence, "error", err)
			s.emit(EventDegraded, fmt.Sprintf("fallback for %s degraded: %v", id, err))
		} else {
			route = routeFallback
			usedFallback = true
			out = engine.Output{Label: ans.Output, Confidence: ans.Confidence}
			if err := s.teach(ctx, h, &rec, features, ans.Output, ans.Confidence, replay.SourceFallback); err != nil {
				slog.Warn("learn from fallback answer", "id", id, "error", err)
			}
		}
	}
	predictions.WithLabelValues(route).Inc()

	rec.Performance.RecordInteraction(usedFallback)
	if err := s.persistIfDue(ctx, e, &rec); err != nil {
		return nil, err
	}

	return &Prediction{
		Output:                out.Label,
		Confidence:            out.Confidence,
		UsedFallback:          usedFallback,
		NeuralInferenceRate:   rec.Performance.NeuralInferenceRate(),
		LLMCostSavingsPercent: rec.Performance.LLMCostSavingsPercent(),
	}, nil
}

// Learn applies one supervised example to brain id.
func (s *Service) Learn(ctx context.Context, id string, features []float64, label string, confidence float64) (err error) {
	ctx, span := startSpan(ctx, opLearn, id)
	defer func() { endSpan(span, err) }()

	e, rec, err := s.acquire(ctx, opLearn, id)
	if err != nil {
		return err
	}
	defer e.Release()

	if err := s.teach(ctx, e.Handle(), &rec, features, label, confidence, replay.SourceTeach); err != nil {
		return learningFailure(opLearn, id, err)
	}
	return s.persistIfDue(ctx, e, &rec)
}

// Reinforce applies a reward in [0, 1] for the label brain id currently
// predicts on features. Engines without reinforcement fail with
// engine.ErrReinforceUnsupported.
func (s *Service) Reinforce(ctx context.Context, id string, features []float64, reward float64) (err error) {
	ctx, span := startSpan(ctx, opReinforce, id)
	defer func() { endSpan(span, err) }()

	e, rec, err := s.acquire(ctx, opReinforce, id)
	if err != nil {
		return err
	}
	defer e.Release()

	r, ok := s.engine.(engine.Reinforcer)
	if !ok {
		learningOps.WithLabelValues(opReinforce, "unsupported").Inc()
		return learningFailure(opReinforce, id, engine.ErrReinforceUnsupported)
	}

	err = r.Reinforce(e.Handle(), features, reward)
	learningOps.WithLabelValues(opReinforce, result(err)).Inc()
	if err != nil {
		return learningFailure(opReinforce, id, err)
	}
	rec.Performance.RecordLearning(s.now())
	rec.COW.Diverge(e.Handle().CopiedBytes())
	return s.persistIfDue(ctx, e, &rec)
}

// Checkpoint writes the snapshot of brain id now and resets its tally.
func (s *Service) Checkpoint(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, opCheckpoint, id)
	defer func() { endSpan(span, err) }()

	e, rec, err := s.acquire(ctx, opCheckpoint, id)
	if err != nil {
		return err
	}
	defer e.Release()

	if err := s.checkpoint(ctx, e.Handle(), &rec); err != nil {
		return learningFailure(opCheckpoint, id, err)
	}
	e.ResetTally()
	return nil
}

// Flush checkpoints every cached brain with pending interactions.
func (s *Service) Flush(ctx context.Context) error {
	if err := s.cache.FlushAll(ctx); err != nil {
		return fmt.Errorf("flush brains: %w", err)
	}
	return nil
}

// Consolidate checkpoints and drops every cached brain not used for
// idleFor. It returns the number of brains dropped.
func (s *Service) Consolidate(ctx context.Context, idleFor time.Duration) int {
	n := s.cache.EvictIdle(ctx, idleFor)
	if n > 0 {
		slog.Info("consolidated idle brains", "evicted", n, "idle_for", idleFor)
	}
	return n
}

// acquire locks brain id's cache entry and reads its record under that lock.
func (s *Service) acquire(ctx context.Context, op, id string) (*cache.Entry[engine.Handle], brain.Record, error) {
	e, err := s.cache.Acquire(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, brain.Record{}, notFound(op, id)
		}
		return nil, brain.Record{}, learningFailure(op, id, err)
	}
	rec, ok, err := s.store.GetByID(ctx, id)
	if err != nil {
		e.Release()
		return nil, brain.Record{}, learningFailure(op, id, err)
	}
	if !ok {
		e.Release()
		s.cache.Evict(id)
		return nil, brain.Record{}, notFound(op, id)
	}
	return e, rec, nil
}

func (s *Service) queryOracle(ctx context.Context, features []float64) (oracle.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FallbackTimeout)
	defer cancel()

	start := time.Now()
	ans, err := s.oracle.Query(ctx, features)
	oracleSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return oracle.Answer{}, newError(KindFallbackTimeout, opPredict, "", err)
		}
		return oracle.Answer{}, fmt.Errorf("query oracle: %w", err)
	}
	return ans, nil
}

// teach applies a supervised example and records it in rec and the replay
// log. Caller holds the entry lock.
func (s *Service) teach(ctx context.Context, h engine.Handle, rec *brain.Record, features []float64, label string, confidence float64, source replay.Source) error {
	err := s.engine.Learn(h, features, label, confidence)
	learningOps.WithLabelValues(string(source), result(err)).Inc()
	if err != nil {
		return err
	}
	now := s.now()
	rec.Performance.RecordLearning(now)
	rec.COW.Diverge(h.CopiedBytes())

	if s.replay != nil {
		ex := replay.Example{
			BrainID:    rec.ID,
			Features:   features,
			Label:      label,
			Confidence: confidence,
			Source:     source,
			CreatedAt:  now.UTC(),
		}
		if err := s.replay.Append(ctx, ex); err != nil {
			slog.Warn("append replay example", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// persistIfDue counts one interaction, writes the snapshot when the tally
// reaches the persistence interval, and stores rec. A failed snapshot keeps
// the tally so the next interaction tries again; the record is stored either
// way. Caller holds the entry lock.
func (s *Service) persistIfDue(ctx context.Context, e *cache.Entry[engine.Handle], rec *brain.Record) error {
	var saveErr error
	if e.IncrementTally() >= s.cfg.PersistenceInterval {
		if saveErr = s.checkpointRecord(e.Handle(), rec); saveErr == nil {
			e.ResetTally()
		}
	}

	rec.Touch(s.now())
	if err := s.store.Update(ctx, *rec); err != nil {
		return learningFailure(opCheckpoint, rec.ID, fmt.Errorf("store record: %w", err))
	}
	if saveErr != nil {
		return learningFailure(opCheckpoint, rec.ID, saveErr)
	}
	return nil
}

// checkpoint writes h's snapshot and stores the checkpoint time in rec.
func (s *Service) checkpoint(ctx context.Context, h engine.Handle, rec *brain.Record) error {
	if err := s.checkpointRecord(h, rec); err != nil {
		return err
	}
	rec.Touch(s.now())
	if err := s.store.Update(ctx, *rec); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

// checkpointRecord writes h's snapshot and stamps rec without storing it.
func (s *Service) checkpointRecord(h engine.Handle, rec *brain.Record) error {
	err := s.engine.Save(h, rec.StateFilePath)
	checkpoints.WithLabelValues(result(err)).Inc()
	if err != nil {
		slog.Error("checkpoint failed", "id", rec.ID, "path", rec.StateFilePath, "error", err)
		s.emit(EventFailure, fmt.Sprintf("checkpoint of %s failed: %v", rec.ID, err))
		return fmt.Errorf("save snapshot: %w", err)
	}
	now := s.now().UTC()
	rec.LastCheckpointAt = &now
	rec.COW.Diverge(h.CopiedBytes())
	slog.Debug("checkpoint written", "id", rec.ID, "path", rec.StateFilePath)
	s.emit(EventCheckpoint, fmt.Sprintf("brain %s checkpointed", rec.ID))
	return nil
}
