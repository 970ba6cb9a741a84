// Package oracle is the expensive, authoritative answer source consulted when
// a brain is not confident enough in its own prediction.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nous-labs/neuro/internal/llm"
)

// Answer is the oracle's output for one feature vector.
type Answer struct {
	Output     string  `json:"output"`
	Confidence float64 `json:"confidence"`
}

// Oracle answers a feature vector. Implementations must return promptly once
// ctx is done; the caller imposes the deadline.
type Oracle interface {
	Query(ctx context.Context, features []float64) (Answer, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, features []float64) (Answer, error)

func (f Func) Query(ctx context.Context, features []float64) (Answer, error) {
	return f(ctx, features)
}

// ErrBadAnswer is returned when the model's reply cannot be used as a label.
var ErrBadAnswer = errors.New("oracle answer unusable")

// LLMConfig tunes the LLM oracle.
type LLMConfig struct {
	// Labels restricts answers to a known set. Empty allows any label.
	Labels    []string `json:"labels" yaml:"labels"`
	Task      string   `json:"task" yaml:"task"`
	Model     string   `json:"model" yaml:"model"`
	MaxTokens int      `json:"max_tokens" yaml:"max_tokens"`
}

// LLM asks a completion provider to label feature vectors.
type LLM struct {
	provider llm.Provider
	cfg      LLMConfig
	allowed  map[string]bool
}

// NewLLM returns an oracle backed by p.
func NewLLM(p llm.Provider, cfg LLMConfig) *LLM {
	o := &LLM{provider: p, cfg: cfg}
	if len(cfg.Labels) > 0 {
		o.allowed = make(map[string]bool, len(cfg.Labels))
		for _, l := range cfg.Labels {
			o.allowed[l] = true
		}
	}
	if o.cfg.MaxTokens <= 0 {
		o.cfg.MaxTokens = 256
	}
	return o
}

func (o *LLM) Query(ctx context.Context, features []float64) (Answer, error) {
	resp, err := o.provider.Complete(ctx, llm.CompletionRequest{
		System:    o.systemPrompt(),
		Model:     o.cfg.Model,
		MaxTokens: o.cfg.MaxTokens,
		Messages:  []llm.Message{{Role: "user", Content: formatFeatures(features)}},
	})
	if err != nil {
		return Answer{}, fmt.Errorf("oracle query via %s: %w", o.provider.Name(), err)
	}

	ans, err := parseAnswer(resp.Content)
	if err != nil {
		slog.Debug("oracle reply rejected", "provider", o.provider.Name(), "reply", resp.Content, "error", err)
		return Answer{}, err
	}
	if o.allowed != nil && !o.allowed[ans.Output] {
		return Answer{}, fmt.Errorf("%w: label %q not in configured set", ErrBadAnswer, ans.Output)
	}
	return ans, nil
}

func (o *LLM) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You label numeric feature vectors for a classifier.\n")
	if o.cfg.Task != "" {
		b.WriteString("Task: ")
		b.WriteString(o.cfg.Task)
		b.WriteString("\n")
	}
	if len(o.cfg.Labels) > 0 {
		b.WriteString("Answer with exactly one of these labels: ")
		b.WriteString(strings.Join(o.cfg.Labels, ", "))
		b.WriteString("\n")
	}
	b.WriteString(`Reply with only a JSON object: {"output": "<label>", "confidence": <number between 0 and 1>}`)
	return b.String()
}

func formatFeatures(features []float64) string {
	parts := make([]string, len(features))
	for i, f := range features {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// parseAnswer extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose.
func parseAnswer(reply string) (Answer, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Answer{}, fmt.Errorf("%w: no JSON object in reply", ErrBadAnswer)
	}
	var ans Answer
	if err := json.Unmarshal([]byte(reply[start:end+1]), &ans); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrBadAnswer, err)
	}
	ans.Output = strings.TrimSpace(ans.Output)
	if ans.Output == "" {
		return Answer{}, fmt.Errorf("%w: empty output", ErrBadAnswer)
	}
	if ans.Confidence < 0 || ans.Confidence > 1 {
		return Answer{}, fmt.Errorf("%w: confidence %v outside [0, 1]", ErrBadAnswer, ans.Confidence)
	}
	return ans, nil
}
