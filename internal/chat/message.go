package chat

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is the provider-neutral conversation unit. Adapters convert it to
// and from vendor wire formats; the agent core and compactor only ever see
// this shape.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one typed segment of a message. Exactly one field is set.
type Part struct {
	Text       string      `json:"text,omitempty"`
	Reasoning  string      `json:"reasoning,omitempty"`
	Image      *ImageData  `json:"image,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ImageData is an inline image attachment. Data is the raw bytes; the
// JSON round-trip base64-encodes them.
type ImageData struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult carries the outcome of a tool call back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ArgsJSON returns the call arguments as compact JSON. Used for loop
// detection signatures and ledger digests.
func (c *ToolCall) ArgsJSON() string {
	if len(c.Args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c.Args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// NewUserMessage builds a plain text user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// NewImageMessage builds a user message carrying text plus an inline
// image. An empty text yields a single image part.
func NewImageMessage(text, mimeType string, data []byte) Message {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Text: text})
	}
	parts = append(parts, Part{Image: &ImageData{MIMEType: mimeType, Data: data}})
	return Message{Role: RoleUser, Parts: parts}
}

// NewSystemMessage builds a plain text system message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Text: text}}}
}

// NewAssistantMessage builds a plain text assistant message.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Text: text}}}
}

// NewToolMessage wraps tool results into a tool-role message.
func NewToolMessage(results ...ToolResult) Message {
	parts := make([]Part, len(results))
	for i := range results {
		r := results[i]
		parts[i] = Part{ToolResult: &r}
	}
	return Message{Role: RoleTool, Parts: parts}
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns all tool call parts, in order.
func (m Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, p := range m.Parts {
		if p.ToolCall != nil {
			calls = append(calls, p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns all tool result parts, in order.
func (m Message) ToolResults() []*ToolResult {
	var results []*ToolResult
	for _, p := range m.Parts {
		if p.ToolResult != nil {
			results = append(results, p.ToolResult)
		}
	}
	return results
}

// HasToolCalls reports whether the message contains at least one tool call.
func (m Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		if p.ToolCall != nil {
			return true
		}
	}
	return false
}
