package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"rove/internal/chat"
	"rove/internal/logging"
)

const openaiDefaultURL = "https://api.openai.com/v1"

const (
	reasoningOpenTag  = "<reasoning>"
	reasoningCloseTag = "</reasoning>"
)

// OpenAIAdapter streams from an OpenAI-compatible chat completions
// endpoint. Works against the public API and compatible gateways.
type OpenAIAdapter struct {
	apiKey          string
	baseURL         string
	providerName    string
	nativeReasoning bool
	httpClient      *http.Client

	// altEndpoint flips once when the primary path shape is rejected
	// and stays flipped for the client lifetime.
	altEndpoint atomic.Bool
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*OpenAIAdapter)

// WithProviderName overrides the adapter name for compatible gateways.
func WithProviderName(name string) OpenAIOption {
	return func(a *OpenAIAdapter) { a.providerName = name }
}

// WithNativeReasoning marks the model as having a native reasoning
// channel; without it, <reasoning> tags in text are split out.
func WithNativeReasoning(native bool) OpenAIOption {
	return func(a *OpenAIAdapter) { a.nativeReasoning = native }
}

// NewOpenAI creates an adapter for an OpenAI-compatible API.
func NewOpenAI(apiKey, baseURL string, opts ...OpenAIOption) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = openaiDefaultURL
	}
	a := &OpenAIAdapter{
		apiKey:       apiKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		providerName: "openai",
		httpClient:   &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *OpenAIAdapter) Name() string { return a.providerName }

func (a *OpenAIAdapter) endpoint() string {
	if a.altEndpoint.Load() {
		if strings.HasSuffix(a.baseURL, "/v1") {
			return strings.TrimSuffix(a.baseURL, "/v1") + "/chat/completions"
		}
		return a.baseURL + "/v1/chat/completions"
	}
	return a.baseURL + "/chat/completions"
}

func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (*EventStream, error) {
	jsonData, err := json.Marshal(a.buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, a.endpoint(), jsonData)
	if err != nil && isEndpointMismatch(err) && !a.altEndpoint.Load() {
		a.altEndpoint.Store(true)
		logging.Info("endpoint shape rejected, switching", "provider", a.providerName, "endpoint", a.endpoint())
		resp, err = a.post(ctx, a.endpoint(), jsonData)
	}
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go a.readStream(ctx, resp.Body, events)

	stream := &EventStream{Events: events}
	if !a.nativeReasoning {
		stream = &EventStream{Events: extractReasoningTags(stream.Events)}
	}
	return stream, nil
}

func (a *OpenAIAdapter) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewHTTPError(resp, respBody)
	}
	return resp, nil
}

func (a *OpenAIAdapter) buildBody(req Request) map[string]any {
	body := map[string]any{
		"model":          req.Model,
		"messages":       openaiMessages(req.System, req.Messages),
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxTokens > 0 {
		body["max_completion_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.ReasoningEffort != "" && a.nativeReasoning {
		body["reasoning_effort"] = req.ReasoningEffort
	}
	if len(req.Tools) > 0 {
		tl := make([]map[string]any, 0, len(req.Tools))
		for _, decl := range req.Tools {
			schema := schemaToJSON(decl.Schema)
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			RewriteSchemaStrict(schema)
			tl = append(tl, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        decl.Name,
					"description": decl.Description,
					"parameters":  schema,
					"strict":      true,
				},
			})
		}
		body["tools"] = tl
	}
	return body
}

// RewriteSchemaStrict rewrites a JSON schema in place for strict mode:
// every object node lists all of its properties as required and
// forbids additional properties. Strict function calling rejects
// schemas with optional fields.
func RewriteSchemaStrict(schema map[string]any) {
	if schema == nil {
		return
	}
	if t, _ := schema["type"].(string); t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]any); ok {
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			schema["required"] = names
			for _, name := range names {
				if child, ok := props[name].(map[string]any); ok {
					RewriteSchemaStrict(child)
				}
			}
		} else {
			schema["required"] = []string{}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		RewriteSchemaStrict(items)
	}
}

type openaiPendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (a *OpenAIAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	if !emit(ctx, events, StepStart()) {
		return
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), sseBufferSize)

	pending := map[int]*openaiPendingCall{}
	var usage Usage
	reason := FinishStop
	sawFinish := false

	flushCalls := func() bool {
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			pc := pending[idx]
			if pc.name == "" {
				continue
			}
			id := pc.id
			if id == "" {
				id = fmt.Sprintf("call_%d", idx)
			}
			call := &chat.ToolCall{ID: id, Name: pc.name, Args: parseToolArgs(pc.name, pc.args.String())}
			if !emit(ctx, events, ToolCallEnd(call)) {
				return false
			}
		}
		pending = map[int]*openaiPendingCall{}
		return true
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content          string `json:"content"`
					Reasoning        string `json:"reasoning"`
					ReasoningContent string `json:"reasoning_content"`
					ToolCalls        []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logging.Warn("unparseable SSE chunk", "error", err)
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if r := choice.Delta.ReasoningContent; r != "" {
			if !emit(ctx, events, ReasoningDelta(r)) {
				return
			}
		} else if r := choice.Delta.Reasoning; r != "" {
			if !emit(ctx, events, ReasoningDelta(r)) {
				return
			}
		}
		if choice.Delta.Content != "" {
			if !emit(ctx, events, TextDelta(choice.Delta.Content)) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := pending[tc.Index]
			if !ok {
				pc = &openaiPendingCall{}
				pending[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name += tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			sawFinish = true
			switch choice.FinishReason {
			case "length":
				reason = FinishLength
			case "tool_calls":
				reason = FinishToolCalls
			default:
				reason = FinishStop
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, events, ErrorEvent(fmt.Errorf("stream read: %w", err)))
		return
	}
	if !sawFinish && len(pending) > 0 {
		reason = FinishToolCalls
	}
	if !flushCalls() {
		return
	}
	emit(ctx, events, StepFinish(usage))
	emit(ctx, events, Finish(reason, usage))
}

// openaiMessages converts history to the chat completions format.
func openaiMessages(system string, messages []chat.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages)+1)
	if system != "" {
		out = append(out, map[string]any{"role": "system", "content": system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleAssistant:
			m := map[string]any{"role": "assistant"}
			if text := msg.Text(); text != "" {
				m["content"] = text
			}
			var calls []map[string]any
			for _, tc := range msg.ToolCalls() {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.ArgsJSON(),
					},
				})
			}
			if calls != nil {
				m["tool_calls"] = calls
			}
			if m["content"] == nil && calls == nil {
				continue
			}
			out = append(out, m)

		case chat.RoleTool:
			for _, tr := range msg.ToolResults() {
				out = append(out, map[string]any{
					"role":         "tool",
					"tool_call_id": tr.CallID,
					"content":      tr.Content,
				})
			}

		case chat.RoleSystem:
			out = append(out, map[string]any{"role": "system", "content": msg.Text()})

		default:
			out = append(out, map[string]any{"role": "user", "content": msg.Text()})
		}
	}
	return out
}

// extractReasoningTags re-emits <reasoning>...</reasoning> spans found
// in text deltas as reasoning deltas. Tags may split across delta
// boundaries; a partial tag suffix is held back until resolved.
func extractReasoningTags(in <-chan Event) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		x := &reasoningTagExtractor{}
		for ev := range in {
			switch ev.Kind {
			case EventTextDelta:
				for _, e := range x.feed(ev.Text) {
					out <- e
				}
			case EventStepFinish, EventFinish:
				for _, e := range x.flush() {
					out <- e
				}
				out <- ev
			default:
				out <- ev
			}
		}
	}()
	return out
}

type reasoningTagExtractor struct {
	inside bool
	carry  string
}

func (x *reasoningTagExtractor) feed(text string) []Event {
	buf := x.carry + text
	x.carry = ""
	var out []Event
	for buf != "" {
		tag := reasoningOpenTag
		if x.inside {
			tag = reasoningCloseTag
		}
		if idx := strings.Index(buf, tag); idx >= 0 {
			out = x.appendSegment(out, buf[:idx])
			x.inside = !x.inside
			buf = buf[idx+len(tag):]
			continue
		}
		hold := partialTagSuffix(buf, tag)
		out = x.appendSegment(out, buf[:len(buf)-hold])
		x.carry = buf[len(buf)-hold:]
		break
	}
	return out
}

func (x *reasoningTagExtractor) flush() []Event {
	out := x.appendSegment(nil, x.carry)
	x.carry = ""
	return out
}

func (x *reasoningTagExtractor) appendSegment(out []Event, seg string) []Event {
	if seg == "" {
		return out
	}
	if x.inside {
		return append(out, ReasoningDelta(seg))
	}
	return append(out, TextDelta(seg))
}

// partialTagSuffix returns the length of the longest suffix of buf
// that is a strict prefix of tag.
func partialTagSuffix(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(buf, tag[:k]) {
			return k
		}
	}
	return 0
}
