package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Local defaults.
const (
	DefaultOutputs      = 16
	DefaultLearningRate = 0.5
	DefaultWeightBound  = 4.0
)

// LocalConfig tunes the Local engine. Zero values take the defaults.
type LocalConfig struct {
	Outputs      int     `json:"outputs" yaml:"outputs"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	WeightBound  float64 `json:"weight_bound" yaml:"weight_bound"`
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.Outputs <= 0 {
		c.Outputs = DefaultOutputs
	}
	if c.LearningRate <= 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.WeightBound <= 0 {
		c.WeightBound = DefaultWeightBound
	}
	return c
}

// Local is a single-hidden-layer classifier. The hidden layer is a fixed
// hashed random projection with tanh; only the output layer is trained.
// Output weights are stored one page per output slot so that clones can
// share pages with their parent and copy them one at a time.
type Local struct {
	cfg LocalConfig
}

// NewLocal returns a Local engine.
func NewLocal(cfg LocalConfig) *Local {
	return &Local{cfg: cfg.withDefaults()}
}

// page is one output slot's weights (neurons + bias). A page with refs > 1 is
// shared and must be copied before writing.
type page struct {
	refs atomic.Int32
	w    []float64
}

func newPage(n int) *page {
	p := &page{w: make([]float64, n)}
	p.refs.Store(1)
	return p
}

type localHandle struct {
	mu sync.RWMutex

	name      string
	task      string
	neurons   int
	ethics    bool
	curiosity bool
	isClone   bool

	labels   []string
	pages    []*page
	diverged []bool
}

func (h *localHandle) Name() string { return h.name }

func (h *localHandle) pageBytes() int64 {
	return int64(h.neurons+1) * 8
}

func (h *localHandle) SizeBytes() int64 {
	return int64(len(h.pages)) * h.pageBytes()
}

func (h *localHandle) CopiedBytes() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n int64
	for _, d := range h.diverged {
		if d {
			n++
		}
	}
	return n * h.pageBytes()
}

// writable returns page k ready for an in-place write. Caller holds h.mu.
func (h *localHandle) writable(k int) []float64 {
	p := h.pages[k]
	if p.refs.Load() > 1 {
		cp := newPage(len(p.w))
		copy(cp.w, p.w)
		p.refs.Add(-1)
		h.pages[k] = cp
		p = cp
	}
	if h.isClone {
		h.diverged[k] = true
	}
	return p.w
}

func (l *Local) handle(h Handle) (*localHandle, error) {
	lh, ok := h.(*localHandle)
	if !ok || lh == nil {
		return nil, ErrForeignHandle
	}
	return lh, nil
}

func (l *Local) Create(name string, neurons int, task string) (Handle, error) {
	if neurons <= 0 {
		return nil, fmt.Errorf("create %s: neuron count must be positive, got %d", name, neurons)
	}
	h := &localHandle{
		name:     name,
		task:     task,
		neurons:  neurons,
		pages:    make([]*page, l.cfg.Outputs),
		diverged: make([]bool, l.cfg.Outputs),
	}
	for k := range h.pages {
		h.pages[k] = newPage(neurons + 1)
	}
	return h, nil
}

func (l *Local) EnableEthics(h Handle) error {
	lh, err := l.handle(h)
	if err != nil {
		return err
	}
	lh.mu.Lock()
	lh.ethics = true
	lh.mu.Unlock()
	return nil
}

func (l *Local) EnableCuriosity(h Handle) error {
	lh, err := l.handle(h)
	if err != nil {
		return err
	}
	lh.mu.Lock()
	lh.curiosity = true
	lh.mu.Unlock()
	return nil
}

func (l *Local) Predict(h Handle, features []float64) (Output, error) {
	lh, err := l.handle(h)
	if err != nil {
		return Output{}, err
	}
	lh.mu.RLock()
	defer lh.mu.RUnlock()

	if len(lh.labels) == 0 {
		return Output{}, nil
	}
	hidden := project(features, lh.neurons)
	probs := lh.softmax(hidden)
	best := argmax(probs[:len(lh.labels)])
	return Output{Label: lh.labels[best], Confidence: probs[best]}, nil
}

func (l *Local) Learn(h Handle, features []float64, label string, confidence float64) error {
	if label == "" {
		return errors.New("learn: empty label")
	}
	if confidence < 0 || confidence > 1 || math.IsNaN(confidence) {
		return fmt.Errorf("learn: confidence %v outside [0, 1]", confidence)
	}
	lh, err := l.handle(h)
	if err != nil {
		return err
	}
	lh.mu.Lock()
	defer lh.mu.Unlock()

	target := lh.slot(label)
	if target < 0 {
		if len(lh.labels) >= len(lh.pages) {
			return fmt.Errorf("learn %q: %w", label, ErrLabelCapacity)
		}
		lh.labels = append(lh.labels, label)
		target = len(lh.labels) - 1
	}

	hidden := project(features, lh.neurons)
	probs := lh.softmax(hidden)
	predicted := argmax(probs[:len(lh.labels)])

	step := l.cfg.LearningRate * confidence
	if lh.curiosity {
		step *= 2 - probs[target]
	}

	l.update(lh, target, hidden, step*(1-probs[target]))
	if predicted != target {
		l.update(lh, predicted, hidden, -step*probs[predicted])
	}
	return nil
}

// Reinforce maps reward in [0, 1] to a signed step on the currently
// predicted slot: rewards above 0.5 strengthen it, below 0.5 weaken it.
func (l *Local) Reinforce(h Handle, features []float64, reward float64) error {
	if reward < 0 || reward > 1 || math.IsNaN(reward) {
		return fmt.Errorf("reinforce: reward %v outside [0, 1]", reward)
	}
	lh, err := l.handle(h)
	if err != nil {
		return err
	}
	lh.mu.Lock()
	defer lh.mu.Unlock()

	if len(lh.labels) == 0 {
		return nil
	}
	hidden := project(features, lh.neurons)
	probs := lh.softmax(hidden)
	predicted := argmax(probs[:len(lh.labels)])

	signed := (reward - 0.5) * 2
	l.update(lh, predicted, hidden, l.cfg.LearningRate*signed*(1-probs[predicted]))
	return nil
}

// update adds step*hidden to page k. Caller holds lh.mu.
func (l *Local) update(lh *localHandle, k int, hidden []float64, step float64) {
	if step == 0 {
		return
	}
	w := lh.writable(k)
	for j, x := range hidden {
		w[j] += step * x
	}
	w[lh.neurons] += step
	if lh.ethics {
		bound := l.cfg.WeightBound
		for j := range w {
			w[j] = math.Max(-bound, math.Min(bound, w[j]))
		}
	}
}

// CloneCOW returns a clone sharing every page with h. Only h's read lock is
// held, and only while page references are taken.
func (l *Local) CloneCOW(h Handle) (Handle, error) {
	lh, err := l.handle(h)
	if err != nil {
		return nil, err
	}
	lh.mu.RLock()
	defer lh.mu.RUnlock()

	clone := &localHandle{
		name:      lh.name + "-clone",
		task:      lh.task,
		neurons:   lh.neurons,
		ethics:    lh.ethics,
		curiosity: lh.curiosity,
		isClone:   true,
		labels:    append([]string(nil), lh.labels...),
		pages:     make([]*page, len(lh.pages)),
		diverged:  make([]bool, len(lh.pages)),
	}
	for k, p := range lh.pages {
		p.refs.Add(1)
		clone.pages[k] = p
	}
	return clone, nil
}

// slot returns the output slot of label, or -1.
func (h *localHandle) slot(label string) int {
	for i, l := range h.labels {
		if l == label {
			return i
		}
	}
	return -1
}

// softmax over every page, including unassigned slots, so an untrained brain
// reports low confidence. Caller holds h.mu.
func (h *localHandle) softmax(hidden []float64) []float64 {
	logits := make([]float64, len(h.pages))
	peak := math.Inf(-1)
	for k, p := range h.pages {
		z := p.w[h.neurons]
		for j, x := range hidden {
			z += p.w[j] * x
		}
		logits[k] = z
		if z > peak {
			peak = z
		}
	}
	var sum float64
	for k, z := range logits {
		logits[k] = math.Exp(z - peak)
		sum += logits[k]
	}
	for k := range logits {
		logits[k] /= sum
	}
	return logits
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

// project maps features to n hidden activations through a fixed pseudo-random
// matrix derived from (unit, input) indices, so every handle with the same
// neuron count sees the same hidden layer without storing it.
func project(features []float64, n int) []float64 {
	hidden := make([]float64, n)
	if len(features) == 0 {
		return hidden
	}
	scale := 1 / math.Sqrt(float64(len(features)))
	for j := range hidden {
		var sum float64
		for i, f := range features {
			sum += f * projectionWeight(j, i)
		}
		hidden[j] = math.Tanh(sum * scale * 2)
	}
	return hidden
}

// projectionWeight returns a value in [-1, 1) from a splitmix64 hash.
func projectionWeight(unit, input int) float64 {
	z := uint64(unit)<<32 ^ uint64(input) + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return float64(z>>11)/float64(1<<52) - 1
}
