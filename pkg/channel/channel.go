// Package channel defines outbound notification channels.
// Channels are how the router tells operators what it is doing: Matrix
// today, anything that can post a line of text tomorrow.
package channel

import (
	"context"
	"slices"
)

// Notice is one message to post.
type Notice struct {
	// Type is the event type that produced the notice, e.g. "brain.created".
	Type string

	// Level is "info", "warn" or "error".
	Level string

	// Content is the text to send
	Content string

	// Timestamp is the event timestamp in milliseconds
	Timestamp int64
}

// Channel is the interface for a notification channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "matrix").
	Name() string

	// Start connects the channel. It returns once the channel can Send.
	Start(ctx context.Context) error

	// Send posts a notice.
	Send(ctx context.Context, n Notice) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// Filter selects which notices a channel receives. An empty Types list
// accepts every type at or above MinLevel.
type Filter struct {
	Types    []string
	MinLevel string
}

var levelRank = map[string]int{"info": 0, "warn": 1, "error": 2}

// Accept reports whether n passes the filter.
func (f Filter) Accept(n Notice) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, n.Type) {
		return false
	}
	return levelRank[n.Level] >= levelRank[f.MinLevel]
}
