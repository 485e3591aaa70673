package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rove/internal/chat"
	"rove/internal/logging"
	"rove/internal/tools"
)

const (
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"

	// sseBufferSize bounds a single SSE line; tool input deltas can
	// carry large JSON fragments.
	sseBufferSize = 1024 * 1024
)

// AnthropicAdapter streams from the Anthropic Messages API over
// hand-rolled SSE.
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropic creates an adapter for the Anthropic API. An empty
// baseURL targets the public endpoint.
func NewAnthropic(apiKey, baseURL string) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = anthropicDefaultURL
	}
	return &AnthropicAdapter{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (*EventStream, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   anthropicMessages(req.Messages),
		"stream":     true,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		body["tools"] = anthropicTools(req.Tools)
	}
	if req.ReasoningEffort != "" {
		body["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": thinkingBudget(req.ReasoningEffort),
		}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		logging.Warn("anthropic API error", "status", resp.StatusCode)
		return nil, NewHTTPError(resp, respBody)
	}

	events := make(chan Event, 16)
	go a.readStream(ctx, resp.Body, events)
	return &EventStream{Events: events}, nil
}

// thinkingBudget maps reasoning effort to a token budget.
func thinkingBudget(effort string) int {
	switch effort {
	case "low":
		return 2048
	case "high":
		return 16384
	default:
		return 8192
	}
}

// anthropicAccumulator gathers a tool call streamed across
// content_block events.
type anthropicAccumulator struct {
	blockType string
	toolID    string
	toolName  string
	toolInput strings.Builder
}

func (a *AnthropicAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	if !emit(ctx, events, StepStart()) {
		return
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), sseBufferSize)

	acc := &anthropicAccumulator{}
	var usage Usage
	reason := FinishStop

	for scanner.Scan() {
		if ctx.Err() != nil {
			select {
			case events <- ErrorEvent(ctx.Err()):
			default:
			}
			return
		}
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			logging.Warn("unparseable SSE event", "error", err)
			continue
		}

		eventType, _ := event["type"].(string)
		switch eventType {
		case "message_start":
			if msg, ok := event["message"].(map[string]any); ok {
				if u, ok := msg["usage"].(map[string]any); ok {
					if in, ok := u["input_tokens"].(float64); ok {
						usage.InputTokens = int(in)
					}
				}
			}

		case "content_block_start":
			if block, ok := event["content_block"].(map[string]any); ok {
				acc.blockType, _ = block["type"].(string)
				if acc.blockType == "tool_use" {
					acc.toolID, _ = block["id"].(string)
					acc.toolName, _ = block["name"].(string)
					acc.toolInput.Reset()
				}
			}

		case "content_block_delta":
			delta, ok := event["delta"].(map[string]any)
			if !ok {
				continue
			}
			deltaType, _ := delta["type"].(string)
			switch deltaType {
			case "text_delta":
				if text, ok := delta["text"].(string); ok && text != "" {
					if !emit(ctx, events, TextDelta(text)) {
						return
					}
				}
			case "thinking_delta":
				if thinking, ok := delta["thinking"].(string); ok && thinking != "" {
					if !emit(ctx, events, ReasoningDelta(thinking)) {
						return
					}
				}
			case "input_json_delta":
				if partial, ok := delta["partial_json"].(string); ok {
					acc.toolInput.WriteString(partial)
				}
			}

		case "content_block_stop":
			if acc.toolID != "" && acc.toolName != "" {
				call := &chat.ToolCall{
					ID:   acc.toolID,
					Name: acc.toolName,
					Args: parseToolArgs(acc.toolName, acc.toolInput.String()),
				}
				if !emit(ctx, events, ToolCallEnd(call)) {
					return
				}
			}
			acc.toolID = ""
			acc.toolName = ""
			acc.toolInput.Reset()
			acc.blockType = ""

		case "message_delta":
			if u, ok := event["usage"].(map[string]any); ok {
				if out, ok := u["output_tokens"].(float64); ok {
					usage.OutputTokens = int(out)
				}
			}
			if delta, ok := event["delta"].(map[string]any); ok {
				if stopReason, ok := delta["stop_reason"].(string); ok {
					switch stopReason {
					case "max_tokens":
						reason = FinishLength
					case "tool_use":
						reason = FinishToolCalls
					default:
						reason = FinishStop
					}
				}
			}

		case "message_stop":
			emit(ctx, events, StepFinish(usage))
			emit(ctx, events, Finish(reason, usage))
			return

		case "error":
			if errData, ok := event["error"].(map[string]any); ok {
				errType, _ := errData["type"].(string)
				errMsg, _ := errData["message"].(string)
				emit(ctx, events, ErrorEvent(fmt.Errorf("API error: %s: %s", errType, errMsg)))
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, events, ErrorEvent(fmt.Errorf("stream read: %w", err)))
		return
	}
	// Stream ended without message_stop.
	emit(ctx, events, Finish(reason, usage))
}

// parseToolArgs decodes accumulated tool input JSON, tolerating empty
// or malformed fragments.
func parseToolArgs(toolName, inputJSON string) map[string]any {
	if inputJSON == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &args); err != nil {
		logging.Error("tool args unmarshal failed", "tool", toolName, "error", err)
		return map[string]any{}
	}
	return args
}

// anthropicMessages converts history to the Messages API wire format.
// Tool results ride as user-role tool_result blocks.
func anthropicMessages(messages []chat.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleAssistant:
			content := make([]map[string]any, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch {
				case part.Text != "":
					content = append(content, map[string]any{"type": "text", "text": part.Text})
				case part.ToolCall != nil:
					content = append(content, map[string]any{
						"type":  "tool_use",
						"id":    part.ToolCall.ID,
						"name":  part.ToolCall.Name,
						"input": part.ToolCall.Args,
					})
				}
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, map[string]any{"role": "assistant", "content": content})

		case chat.RoleTool:
			content := make([]map[string]any, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				if part.ToolResult == nil {
					continue
				}
				block := map[string]any{
					"type":        "tool_result",
					"tool_use_id": part.ToolResult.CallID,
					"content":     part.ToolResult.Content,
				}
				if part.ToolResult.IsError {
					block["is_error"] = true
				}
				content = append(content, block)
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, map[string]any{"role": "user", "content": content})

		default:
			content := make([]map[string]any, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch {
				case part.Text != "":
					content = append(content, map[string]any{"type": "text", "text": part.Text})
				case part.Image != nil:
					content = append(content, map[string]any{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": part.Image.MIMEType,
							"data":       base64.StdEncoding.EncodeToString(part.Image.Data),
						},
					})
				}
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, map[string]any{"role": "user", "content": content})
		}
	}
	return out
}

// anthropicTools converts declarations to the tools array.
func anthropicTools(decls []tools.Declaration) []map[string]any {
	out := make([]map[string]any, 0, len(decls))
	for _, decl := range decls {
		schema := schemaToJSON(decl.Schema)
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"name":         decl.Name,
			"description":  decl.Description,
			"input_schema": schema,
		})
	}
	return out
}

// schemaToJSON converts a tool schema into plain JSON-schema maps.
func schemaToJSON(schema *tools.Schema) map[string]any {
	if schema == nil {
		return nil
	}
	out := map[string]any{}
	if schema.Type != "" {
		out["type"] = schema.Type
	}
	if schema.Description != "" {
		out["description"] = schema.Description
	}
	if len(schema.Properties) > 0 {
		props := map[string]any{}
		for name, prop := range schema.Properties {
			props[name] = schemaToJSON(prop)
		}
		out["properties"] = props
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	if schema.Items != nil {
		out["items"] = schemaToJSON(schema.Items)
	}
	if len(schema.Enum) > 0 {
		out["enum"] = schema.Enum
	}
	return out
}
