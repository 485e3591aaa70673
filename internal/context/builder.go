package context

import (
	"rove/internal/chat"
)

// safetyMarginTokens absorbs estimator error against real tokenizers.
const safetyMarginTokens = 1024

// Builder assembles the request message slice for a model call, compacting
// history when it would overflow the model's window.
type Builder struct {
	Limits    ModelLimits
	Compactor Compactor
}

// NewBuilder creates a builder for the given model limits.
func NewBuilder(limits ModelLimits) *Builder {
	return &Builder{Limits: limits}
}

// Budget returns the input token budget: context window minus reserved
// output minus the safety margin.
func (b *Builder) Budget() int {
	budget := b.Limits.MaxInputTokens - b.Limits.MaxOutputTokens - safetyMarginTokens
	if budget < minRecentTokens {
		budget = minRecentTokens
	}
	return budget
}

// Build returns the history to send, compacted if needed. The system prompt
// is carried out of band by adapters and only counts against the budget.
func (b *Builder) Build(history []chat.Message, systemPrompt, memoryContext string) []chat.Message {
	budget := b.Budget() - EstimateTokens(systemPrompt) - messageOverhead
	b.Compactor.MemoryContext = memoryContext
	return b.Compactor.Compact(history, budget)
}
