// Package brain holds the durable metadata of every brain the router manages.
//
// A brain is a named, persisted inference-engine instance. Its weights live in
// a binary snapshot on disk (StateFilePath); everything else (lineage,
// interaction counters, copy-on-write accounting) lives in a Record kept by a
// Store. Records are created and mutated only by the lifecycle service.
package brain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type distinguishes the single shared platform brain from per-owner brains.
type Type string

const (
	TypePlatform Type = "platform"
	TypeStudent  Type = "student"
)

// Valid reports whether t is a known brain type.
func (t Type) Valid() bool {
	return t == TypePlatform || t == TypeStudent
}

// Features are the optional engine toggles a brain was created with.
type Features struct {
	Ethics    bool `json:"ethics"`
	Curiosity bool `json:"curiosity"`
}

// Performance tracks how a brain answers requests.
//
// NeuralInferenceRate and LLMCostSavingsPercent are derived from the two raw
// counters on every read; they are never stored.
type Performance struct {
	TotalInteractions    int64      `json:"total_interactions"`
	FallbackInteractions int64      `json:"fallback_interactions"`
	LearningEvents       int64      `json:"learning_events"`
	LastLearningAt       *time.Time `json:"last_learning_at,omitempty"`
}

// RecordInteraction counts one answered request.
func (p *Performance) RecordInteraction(usedFallback bool) {
	p.TotalInteractions++
	if usedFallback {
		p.FallbackInteractions++
	}
}

// RecordLearning counts one applied learning update at t.
func (p *Performance) RecordLearning(t time.Time) {
	p.LearningEvents++
	t = t.UTC()
	p.LastLearningAt = &t
}

// NeuralInferenceRate is the fraction of interactions answered locally.
func (p Performance) NeuralInferenceRate() float64 {
	if p.TotalInteractions <= 0 {
		return 0
	}
	local := p.TotalInteractions - p.FallbackInteractions
	return float64(local) / float64(p.TotalInteractions)
}

// LLMCostSavingsPercent is the share of interactions that did not cost a
// fallback call, as a percentage.
func (p Performance) LLMCostSavingsPercent() float64 {
	return p.NeuralInferenceRate() * 100
}

// MarshalJSON adds the derived rates to the encoded counters.
func (p Performance) MarshalJSON() ([]byte, error) {
	type counters Performance
	return json.Marshal(struct {
		counters
		NeuralInferenceRate   float64 `json:"neural_inference_rate"`
		LLMCostSavingsPercent float64 `json:"llm_cost_savings_percent"`
	}{
		counters:              counters(p),
		NeuralInferenceRate:   p.NeuralInferenceRate(),
		LLMCostSavingsPercent: p.LLMCostSavingsPercent(),
	})
}

// COWStats accounts for memory a clone shares with its parent.
type COWStats struct {
	IsCOWClone  bool  `json:"is_cow_clone"`
	SharedBytes int64 `json:"shared_bytes"`
	CopiedBytes int64 `json:"copied_bytes"`
}

// Diverge raises CopiedBytes to copied, clamped to SharedBytes. It never
// lowers the counter. Returns true if the value changed.
func (c *COWStats) Diverge(copied int64) bool {
	if !c.IsCOWClone {
		return false
	}
	if copied > c.SharedBytes {
		copied = c.SharedBytes
	}
	if copied <= c.CopiedBytes {
		return false
	}
	c.CopiedBytes = copied
	return true
}

// Record is the durable entity describing one brain.
type Record struct {
	ID               string      `json:"brain_id"`
	Type             Type        `json:"brain_type"`
	OwnerID          string      `json:"owner_id,omitempty"`
	ParentID         string      `json:"parent_brain_id,omitempty"`
	StateFilePath    string      `json:"state_file_path"`
	NeuronCount      int         `json:"neuron_count"`
	Features         Features    `json:"features"`
	Performance      Performance `json:"performance"`
	COW              COWStats    `json:"cow_stats"`
	CreatedAt        time.Time   `json:"created_at"`
	LastUpdated      time.Time   `json:"last_updated"`
	LastCheckpointAt *time.Time  `json:"last_checkpoint_at,omitempty"`
}

// NewPlatform builds the record of the platform brain.
func NewPlatform(id, statePath string, neurons int, features Features, now time.Time) Record {
	now = now.UTC()
	return Record{
		ID:               id,
		Type:             TypePlatform,
		StateFilePath:    statePath,
		NeuronCount:      neurons,
		Features:         features,
		CreatedAt:        now,
		LastUpdated:      now,
		LastCheckpointAt: &now,
	}
}

// NewStudent builds the record of an owner's brain. parentID is empty for an
// independent brain; cow is the zero value unless the brain is a COW clone.
func NewStudent(id, ownerID, parentID, statePath string, neurons int, cow COWStats, now time.Time) Record {
	now = now.UTC()
	return Record{
		ID:               id,
		Type:             TypeStudent,
		OwnerID:          ownerID,
		ParentID:         parentID,
		StateFilePath:    statePath,
		NeuronCount:      neurons,
		COW:              cow,
		CreatedAt:        now,
		LastUpdated:      now,
		LastCheckpointAt: &now,
	}
}

// Touch stamps the record as mutated at now.
func (r *Record) Touch(now time.Time) {
	r.LastUpdated = now.UTC()
}

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	out := r
	if r.Performance.LastLearningAt != nil {
		t := *r.Performance.LastLearningAt
		out.Performance.LastLearningAt = &t
	}
	if r.LastCheckpointAt != nil {
		t := *r.LastCheckpointAt
		out.LastCheckpointAt = &t
	}
	return out
}

// Validate checks the record's own invariants. Lineage is checked against a
// Store by CheckLineage.
func (r Record) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("brain_id is required"))
	}
	if !r.Type.Valid() {
		errs = append(errs, fmt.Errorf("unknown brain_type %q", r.Type))
	}
	switch r.Type {
	case TypePlatform:
		if r.OwnerID != "" {
			errs = append(errs, errors.New("platform brain cannot have an owner"))
		}
		if r.ParentID != "" {
			errs = append(errs, errors.New("platform brain cannot have a parent"))
		}
	case TypeStudent:
		if r.OwnerID == "" {
			errs = append(errs, errors.New("student brain requires owner_id"))
		}
	}
	if r.ParentID != "" && r.ParentID == r.ID {
		errs = append(errs, errors.New("brain cannot be its own parent"))
	}
	if r.StateFilePath == "" {
		errs = append(errs, errors.New("state_file_path is required"))
	}
	if r.COW.SharedBytes < 0 || r.COW.CopiedBytes < 0 {
		errs = append(errs, errors.New("cow byte counters must be non-negative"))
	}
	if !r.COW.IsCOWClone && (r.COW.SharedBytes != 0 || r.COW.CopiedBytes != 0) {
		errs = append(errs, errors.New("non-clone brain cannot share or copy bytes"))
	}
	if r.COW.CopiedBytes > r.COW.SharedBytes {
		errs = append(errs, fmt.Errorf("copied_bytes %d exceeds shared_bytes %d", r.COW.CopiedBytes, r.COW.SharedBytes))
	}
	if r.Performance.FallbackInteractions > r.Performance.TotalInteractions {
		errs = append(errs, errors.New("fallback interactions exceed total interactions"))
	}
	return errors.Join(errs...)
}
