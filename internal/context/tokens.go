package context

import (
	"strings"

	"rove/internal/chat"
)

// messageOverhead is the fixed per-message envelope cost (role, framing,
// separators) added on top of content estimates.
const messageOverhead = 8

// EstimateTokens approximates the token count of text as one token per four
// bytes. Deliberately cheap and deterministic; budgets elsewhere carry the
// safety margin for the error this makes.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateMessageTokens estimates one message: every textual payload of
// every part, plus the per-message envelope.
func EstimateMessageTokens(msg chat.Message) int {
	total := messageOverhead
	for _, p := range msg.Parts {
		total += EstimateTokens(p.Text)
		total += EstimateTokens(p.Reasoning)
		if p.ToolCall != nil {
			total += EstimateTokens(p.ToolCall.Name)
			total += EstimateTokens(p.ToolCall.ArgsJSON())
		}
		if p.ToolResult != nil {
			total += EstimateTokens(p.ToolResult.Name)
			total += EstimateTokens(p.ToolResult.Content)
		}
	}
	return total
}

// EstimateHistoryTokens estimates a whole message slice.
func EstimateHistoryTokens(msgs []chat.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// ModelLimits describes the context window for a model.
type ModelLimits struct {
	MaxInputTokens   int
	MaxOutputTokens  int
	WarningThreshold float64
}

// defaultModelLimits maps model id fragments to their limits. Matched by
// substring so versioned ids (claude-sonnet-4-5-20250929) still resolve.
var defaultModelLimits = map[string]ModelLimits{
	"claude":   {MaxInputTokens: 200000, MaxOutputTokens: 8192, WarningThreshold: 0.8},
	"gemini":   {MaxInputTokens: 1048576, MaxOutputTokens: 8192, WarningThreshold: 0.8},
	"gpt-4o":   {MaxInputTokens: 128000, MaxOutputTokens: 16384, WarningThreshold: 0.8},
	"gpt-5":    {MaxInputTokens: 272000, MaxOutputTokens: 128000, WarningThreshold: 0.8},
	"o3":       {MaxInputTokens: 200000, MaxOutputTokens: 100000, WarningThreshold: 0.8},
	"qwen":     {MaxInputTokens: 32768, MaxOutputTokens: 8192, WarningThreshold: 0.75},
	"llama":    {MaxInputTokens: 8192, MaxOutputTokens: 4096, WarningThreshold: 0.75},
	"mistral":  {MaxInputTokens: 32768, MaxOutputTokens: 8192, WarningThreshold: 0.75},
	"deepseek": {MaxInputTokens: 65536, MaxOutputTokens: 8192, WarningThreshold: 0.75},
	"gpt-oss":  {MaxInputTokens: 131072, MaxOutputTokens: 32768, WarningThreshold: 0.8},
}

// fallbackLimits is used when no fragment matches.
var fallbackLimits = ModelLimits{MaxInputTokens: 128000, MaxOutputTokens: 8192, WarningThreshold: 0.8}

// LimitsFor resolves built-in limits for a model id by substring match,
// preferring the longest matching fragment.
func LimitsFor(model string) ModelLimits {
	model = strings.ToLower(model)

	best := ""
	for fragment := range defaultModelLimits {
		if strings.Contains(model, fragment) && len(fragment) > len(best) {
			best = fragment
		}
	}
	if best == "" {
		return fallbackLimits
	}
	return defaultModelLimits[best]
}
