package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/genai"

	"rove/internal/chat"
	"rove/internal/tools"
)

func TestDetectProvider(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4-5":  "anthropic",
		"claude-3-5-haiku":   "anthropic",
		"gemini-2.5-pro":     "google",
		"gpt-4o":             "openai",
		"gpt-5-mini":         "openai",
		"o3":                 "openai",
		"o4-mini":            "openai",
		"gpt-oss:120b":       "ollama",
		"llama3.2:3b":        "ollama",
		"qwen3-coder":        "ollama",
		"deepseek-r1:7b":     "ollama",
		"weird-model":        "openai",
	}
	for model, want := range cases {
		assert.Equal(t, want, DetectProvider(model), "model %s", model)
	}
}

func TestGetModelProfile(t *testing.T) {
	p := GetModelProfile("llama3.2:3b")
	assert.Equal(t, "llama", p.Family)
	assert.True(t, p.SupportsTools)
	assert.True(t, p.IsSmall)

	p = GetModelProfile("qwen3:32b")
	assert.True(t, p.Reasoning)

	// Longest prefix wins over shorter family match.
	p = GetModelProfile("qwen3-coder:480b")
	assert.Equal(t, 262144, p.ContextWindow)
	assert.False(t, p.Reasoning)

	p = GetModelProfile("codellama:13b")
	assert.False(t, p.SupportsTools)

	p = GetModelProfile("mystery-model")
	assert.Equal(t, "unknown", p.Family)
	assert.True(t, p.IsSmall)
}

func TestIsCloudModel(t *testing.T) {
	assert.True(t, isCloudModel("gpt-oss:120b-cloud"))
	assert.True(t, isCloudModel("qwen3-coder:cloud"))
	assert.False(t, isCloudModel("llama3.2:3b"))
}

func TestGeminiContentsConversion(t *testing.T) {
	history := []chat.Message{
		chat.NewUserMessage("hello"),
		{Role: chat.RoleAssistant, Parts: []chat.Part{
			{Text: "checking"},
			{ToolCall: &chat.ToolCall{ID: "g1", Name: "read", Args: map[string]any{"path": "x"}}},
		}},
		chat.NewToolMessage(chat.ToolResult{CallID: "g1", Name: "read", Content: "data"}),
	}
	contents := sanitizeContents(geminiContents(history))
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	assert.Equal(t, "read", contents[1].Parts[1].FunctionCall.Name)

	fr := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "g1", fr.ID)
	assert.Equal(t, "read", fr.Name)
}

func TestSanitizeContentsEmptyParts(t *testing.T) {
	contents := []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{{Text: ""}}},
	}
	out := sanitizeContents(contents)
	require.Len(t, out, 1)
	require.Len(t, out[0].Parts, 1)
	assert.Equal(t, " ", out[0].Parts[0].Text)
}

func TestGeminiSchemaConversion(t *testing.T) {
	schema := geminiSchema(&tools.Schema{
		Type: "object",
		Properties: map[string]*tools.Schema{
			"path":  {Type: "string", Description: "file path"},
			"depth": {Type: "integer"},
			"tags":  {Type: "array", Items: &tools.Schema{Type: "string"}},
		},
		Required: []string{"path"},
	})
	assert.Equal(t, genai.TypeObject, schema.Type)
	assert.Equal(t, genai.TypeString, schema.Properties["path"].Type)
	assert.Equal(t, genai.TypeInteger, schema.Properties["depth"].Type)
	assert.Equal(t, genai.TypeArray, schema.Properties["tags"].Type)
	assert.Equal(t, genai.TypeString, schema.Properties["tags"].Items.Type)
	assert.Equal(t, []string{"path"}, schema.Required)
}

func TestOllamaMessagesConversion(t *testing.T) {
	history := []chat.Message{
		chat.NewUserMessage("hi"),
		{Role: chat.RoleAssistant, Parts: []chat.Part{
			{ToolCall: &chat.ToolCall{ID: "o1", Name: "grep", Args: map[string]any{"pattern": "x"}}},
		}},
		chat.NewToolMessage(chat.ToolResult{CallID: "o1", Name: "grep", Content: "match"}),
	}
	msgs := ollamaMessages("sys", history)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "assistant", msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "grep", msgs[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "match", msgs[3].Content)
}

func TestOllamaToolsConversion(t *testing.T) {
	decls := []tools.Declaration{{
		Name:        "search",
		Description: "search the tree",
		Schema: &tools.Schema{
			Type: "object",
			Properties: map[string]*tools.Schema{
				"query": {Type: "String", Description: "what to find"},
				"mode":  {Type: "string", Enum: []string{"fast", "deep"}},
			},
			Required: []string{"query"},
		},
	}}
	out := ollamaTools(decls)
	require.Len(t, out, 1)
	assert.Equal(t, "function", out[0].Type)
	assert.Equal(t, "search", out[0].Function.Name)
	assert.Equal(t, []string{"query"}, out[0].Function.Parameters.Required)
}
