package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name  string
	reply string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &CompletionResponse{Content: s.reply, Model: s.name}, nil
}

func TestChainFallsThrough(t *testing.T) {
	first := &stubProvider{name: "a", err: &ProviderError{Message: "overloaded", StatusCode: 529, Provider: "a"}}
	second := &stubProvider{name: "b", reply: "ok"}
	c := NewChain(first, nil, second)

	assert.Equal(t, "a,b", c.Name())
	assert.Equal(t, 2, c.Len())

	resp, err := c.Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, first.calls)
}

func TestChainStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	first := &stubProvider{name: "a", err: context.Canceled}
	second := &stubProvider{name: "b", reply: "ok"}

	_, err := NewChain(first, second).Complete(ctx, CompletionRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, second.calls)
}

func TestEmptyChain(t *testing.T) {
	_, err := NewChain().Complete(context.Background(), CompletionRequest{})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Same(t, ErrNoProvider, perr)
}

func TestOpenAICompatComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "small", body["model"])
		msgs, _ := body["messages"].([]any)
		assert.Len(t, msgs, 2, "system prompt plus user message")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"small","choices":[{"message":{"content":"{\"output\":\"yes\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	p := NewOpenAICompat("local", srv.URL, "secret", "small")
	resp, err := p.Complete(context.Background(), CompletionRequest{
		System:   "classify",
		Messages: []Message{{Role: "user", Content: "[0.1, 0.2]"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"output":"yes"}`, resp.Content)
	assert.Equal(t, 7, resp.InputTokens)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestOpenAICompatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAICompat("local", srv.URL, "", "m").Complete(context.Background(), CompletionRequest{})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "local", perr.Provider)
	assert.Contains(t, perr.Message, "HTTP 429")
}
