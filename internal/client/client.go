package client

import (
	"context"

	"rove/internal/chat"
	"rove/internal/tools"
)

// Request describes a single model invocation.
type Request struct {
	Model           string
	System          string
	Messages        []chat.Message
	Tools           []tools.Declaration
	MaxTokens       int
	Temperature     float64
	ReasoningEffort string // "", "low", "medium", "high"
}

// Adapter is a provider-specific streaming client. Stream returns
// immediately; events arrive on the stream channel until a terminal
// finish or error event, after which the channel closes.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, req Request) (*EventStream, error)
}

// emit sends an event unless the context is done. Returns false when
// the consumer is gone.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
