package client

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"rove/internal/chat"
	"rove/internal/logging"
	"rove/internal/tools"
)

// GeminiAdapter streams from the Gemini API through the official
// genai SDK.
type GeminiAdapter struct {
	client *genai.Client
}

// NewGemini creates a Gemini adapter with API-key auth.
func NewGemini(ctx context.Context, apiKey string) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiAdapter{client: client}, nil
}

func (a *GeminiAdapter) Name() string { return "google" }

func (a *GeminiAdapter) Stream(ctx context.Context, req Request) (*EventStream, error) {
	config := genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = Ptr(float32(req.Temperature))
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.ReasoningEffort != "" {
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  Ptr(int32(thinkingBudget(req.ReasoningEffort))),
		}
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: geminiDeclarations(req.Tools)}}
	}

	contents := sanitizeContents(geminiContents(req.Messages))

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		if !emit(ctx, events, StepStart()) {
			return
		}

		var usage Usage
		reason := FinishStop
		sawToolCall := false
		callIndex := 0

		iter := a.client.Models.GenerateContentStream(ctx, req.Model, contents, &config)
		for resp, err := range iter {
			if err != nil {
				emit(ctx, events, ErrorEvent(fmt.Errorf("gemini stream: %w", err)))
				return
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			candidate := resp.Candidates[0]
			if candidate.FinishReason == genai.FinishReasonMaxTokens {
				reason = FinishLength
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					sawToolCall = true
					id := part.FunctionCall.ID
					if id == "" {
						id = fmt.Sprintf("call_%d", callIndex)
					}
					callIndex++
					call := &chat.ToolCall{
						ID:   id,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					}
					if !emit(ctx, events, ToolCallEnd(call)) {
						return
					}
				case part.Thought && part.Text != "":
					if !emit(ctx, events, ReasoningDelta(part.Text)) {
						return
					}
				case part.Text != "":
					if !emit(ctx, events, TextDelta(part.Text)) {
						return
					}
				}
			}
		}

		if sawToolCall && reason == FinishStop {
			reason = FinishToolCalls
		}
		emit(ctx, events, StepFinish(usage))
		emit(ctx, events, Finish(reason, usage))
	}()

	return &EventStream{Events: events}, nil
}

// geminiContents converts history messages into genai contents. Tool
// results become function response parts on a user-role content.
func geminiContents(messages []chat.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			for _, part := range msg.Parts {
				switch {
				case part.Text != "":
					content.Parts = append(content.Parts, genai.NewPartFromText(part.Text))
				case part.ToolCall != nil:
					content.Parts = append(content.Parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							ID:   part.ToolCall.ID,
							Name: part.ToolCall.Name,
							Args: part.ToolCall.Args,
						},
					})
				}
			}
			out = append(out, content)

		case chat.RoleTool:
			content := &genai.Content{Role: genai.RoleUser}
			for _, tr := range msg.ToolResults() {
				part := genai.NewPartFromFunctionResponse(tr.Name, map[string]any{
					"result": tr.Content,
				})
				part.FunctionResponse.ID = tr.CallID
				content.Parts = append(content.Parts, part)
			}
			out = append(out, content)

		default:
			content := &genai.Content{Role: genai.RoleUser}
			for _, part := range msg.Parts {
				switch {
				case part.Text != "":
					content.Parts = append(content.Parts, genai.NewPartFromText(part.Text))
				case part.Image != nil:
					content.Parts = append(content.Parts, genai.NewPartFromBytes(part.Image.Data, part.Image.MIMEType))
				}
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		}
	}
	return out
}

// sanitizeContents ensures every part carries exactly one payload; the
// API rejects contents with empty parts.
func sanitizeContents(contents []*genai.Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, content := range contents {
		if content == nil {
			continue
		}
		parts := make([]*genai.Part, 0, len(content.Parts))
		for _, part := range content.Parts {
			if part == nil {
				continue
			}
			if part.Text == "" && part.FunctionCall == nil && part.FunctionResponse == nil && part.InlineData == nil {
				continue
			}
			parts = append(parts, part)
		}
		if len(parts) == 0 {
			parts = append(parts, genai.NewPartFromText(" "))
		}
		content.Parts = parts
		out = append(out, content)
	}
	return out
}

// geminiDeclarations converts tool declarations to the SDK schema
// types. Type names are lowercased on the wire side already; the SDK
// wants its own enum.
func geminiDeclarations(decls []tools.Declaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, decl := range decls {
		out = append(out, &genai.FunctionDeclaration{
			Name:        decl.Name,
			Description: decl.Description,
			Parameters:  geminiSchema(decl.Schema),
		})
	}
	return out
}

func geminiSchema(schema *tools.Schema) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{
		Type:        geminiType(schema.Type),
		Description: schema.Description,
		Required:    schema.Required,
	}
	if len(schema.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, prop := range schema.Properties {
			out.Properties[name] = geminiSchema(prop)
		}
	}
	if schema.Items != nil {
		out.Items = geminiSchema(schema.Items)
	}
	if len(schema.Enum) > 0 {
		out.Enum = schema.Enum
	}
	return out
}

func geminiType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object", "":
		return genai.TypeObject
	default:
		logging.Warn("unknown schema type", "type", t)
		return genai.TypeString
	}
}

// Ptr returns a pointer to v, for SDK option fields.
func Ptr[T any](v T) *T {
	return &v
}
