// Package engine defines the inference-engine contract the lifecycle service
// drives, and ships Local, a small self-contained engine with copy-on-write
// cloning.
package engine

import "errors"

var (
	// ErrReinforceUnsupported is returned when the engine behind a brain has
	// no reward-based update.
	ErrReinforceUnsupported = errors.New("engine does not support reinforcement")

	// ErrForeignHandle is returned when a handle created by another engine is
	// passed in.
	ErrForeignHandle = errors.New("handle does not belong to this engine")

	// ErrLabelCapacity is returned by Learn when every output slot already
	// holds a different label.
	ErrLabelCapacity = errors.New("no free output slot for label")
)

// Handle is a loaded, mutable engine instance.
type Handle interface {
	Name() string
	// SizeBytes is the size of the trainable weight buffer.
	SizeBytes() int64
	// CopiedBytes is how much of a clone's buffer it has materialised for
	// itself. Always 0 for brains that are not clones.
	CopiedBytes() int64
}

// Output is the result of one local inference.
type Output struct {
	Label      string  `json:"output"`
	Confidence float64 `json:"confidence"`
}

// Engine creates, persists and trains handles. Implementations must allow
// concurrent calls on different handles, and CloneCOW concurrently with
// Predict on the parent.
type Engine interface {
	Create(name string, neurons int, task string) (Handle, error)
	EnableEthics(h Handle) error
	EnableCuriosity(h Handle) error
	Save(h Handle, path string) error
	Load(path string) (Handle, error)
	Predict(h Handle, features []float64) (Output, error)
	Learn(h Handle, features []float64, label string, confidence float64) error
	CloneCOW(h Handle) (Handle, error)
}

// Reinforcer is implemented by engines that accept a scalar reward in [0, 1]
// for the label they currently predict on features. 0 is total failure, 1 is
// perfect success.
type Reinforcer interface {
	Reinforce(h Handle, features []float64, reward float64) error
}
