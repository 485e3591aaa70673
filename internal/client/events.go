package client

import (
	"fmt"

	"rove/internal/chat"
)

// EventKind identifies the type of a stream event.
type EventKind string

const (
	EventStepStart      EventKind = "step-start"
	EventTextDelta      EventKind = "text-delta"
	EventReasoningDelta EventKind = "reasoning-delta"
	EventToolCallEnd    EventKind = "tool-call-end"
	EventToolResult     EventKind = "tool-result"
	EventStepFinish     EventKind = "step-finish"
	EventFinish         EventKind = "finish"
	EventError          EventKind = "error"
)

// FinishReason explains why a response stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool-calls"
	FinishError     FinishReason = "error"
	FinishCanceled  FinishReason = "canceled"
)

// Usage tracks token consumption for a request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns combined input and output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Event is a single item in a model response stream. Kind determines
// which payload fields are set.
type Event struct {
	Kind       EventKind
	Text       string           // text-delta, reasoning-delta
	ToolCall   *chat.ToolCall   // tool-call-end
	ToolResult *chat.ToolResult // tool-result
	Reason     FinishReason     // finish
	Usage      *Usage           // step-finish, finish
	Err        error            // error
}

func StepStart() Event                  { return Event{Kind: EventStepStart} }
func TextDelta(s string) Event          { return Event{Kind: EventTextDelta, Text: s} }
func ReasoningDelta(s string) Event     { return Event{Kind: EventReasoningDelta, Text: s} }
func ToolCallEnd(c *chat.ToolCall) Event { return Event{Kind: EventToolCallEnd, ToolCall: c} }

func StepFinish(u Usage) Event {
	return Event{Kind: EventStepFinish, Usage: &u}
}

func Finish(reason FinishReason, u Usage) Event {
	return Event{Kind: EventFinish, Reason: reason, Usage: &u}
}

func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}

// EventStream is a live model response. The channel is closed by the
// producer after the terminal finish or error event.
type EventStream struct {
	Events <-chan Event
}

// Response is a fully-drained stream.
type Response struct {
	Text      string
	Reasoning string
	ToolCalls []*chat.ToolCall
	Reason    FinishReason
	Usage     Usage
}

// Collect drains the stream and accumulates it into a Response. The
// first error event aborts collection and is returned.
func (s *EventStream) Collect() (*Response, error) {
	resp := &Response{Reason: FinishStop}
	for ev := range s.Events {
		switch ev.Kind {
		case EventTextDelta:
			resp.Text += ev.Text
		case EventReasoningDelta:
			resp.Reasoning += ev.Text
		case EventToolCallEnd:
			resp.ToolCalls = append(resp.ToolCalls, ev.ToolCall)
		case EventStepFinish:
			if ev.Usage != nil {
				resp.Usage.Add(*ev.Usage)
			}
		case EventFinish:
			resp.Reason = ev.Reason
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		case EventError:
			if ev.Err != nil {
				return resp, ev.Err
			}
			return resp, fmt.Errorf("stream error")
		}
	}
	return resp, nil
}

// AssistantMessage converts a collected response into a history message.
func (r *Response) AssistantMessage() chat.Message {
	msg := chat.Message{Role: chat.RoleAssistant}
	if r.Reasoning != "" {
		msg.Parts = append(msg.Parts, chat.Part{Reasoning: r.Reasoning})
	}
	if r.Text != "" {
		msg.Parts = append(msg.Parts, chat.Part{Text: r.Text})
	}
	for _, tc := range r.ToolCalls {
		msg.Parts = append(msg.Parts, chat.Part{ToolCall: tc})
	}
	return msg
}
