// Package llm provides the completion providers the fallback oracle talks to.
package llm

import (
	"context"
	"errors"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "kimi").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Chain tries providers in order and returns the first success. A cancelled
// or expired context stops the chain immediately.
type Chain struct {
	providers []Provider
}

// NewChain returns a Chain over providers, skipping nils.
func NewChain(providers ...Provider) *Chain {
	c := &Chain{}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

func (c *Chain) Name() string {
	if len(c.providers) == 0 {
		return "none"
	}
	name := c.providers[0].Name()
	for _, p := range c.providers[1:] {
		name += "," + p.Name()
	}
	return name
}

// Len returns the number of providers in the chain.
func (c *Chain) Len() int { return len(c.providers) }

func (c *Chain) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(c.providers) == 0 {
		return nil, ErrNoProvider
	}
	var errs []error
	for _, p := range c.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// ErrNoProvider is returned when no provider is configured.
var ErrNoProvider = &ProviderError{Message: "no provider configured"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }
