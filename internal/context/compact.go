package context

import (
	"fmt"
	"strings"

	"rove/internal/chat"
	"rove/internal/logging"
)

// SummarySentinel marks a compaction summary message. Its presence at the
// head of a history means the history has already been compacted once.
const SummarySentinel = "[Conversation summary]"

const (
	minSummaryTokens = 400
	maxSummaryTokens = 2000
	minRecentTokens  = 500
	minKeepMessages  = 2
)

// Per-tool digest caps in characters. Tools whose output carries the thread
// of the work keep more; mechanical lookups keep less.
var toolDigestCaps = map[string]int{
	"explore": 1000,
	"plan":    600,
	"glob":    300,
	"grep":    300,
	"read":    300,
}

const defaultToolDigestCap = 120

// Compactor folds an over-budget history into a summary message plus a
// recent window, preserving message order and tool-call grouping.
type Compactor struct {
	// MemoryContext is the session memory index injected into the summary.
	MemoryContext string
	// Smart enables pinned facts, the working set, and digest dedupe.
	Smart bool
}

// Compact returns the history unchanged when it fits the budget, otherwise
// a [summary]+recent-window rewrite. Order is preserved, assistant tool-call
// messages never get separated from their results, and running Compact again
// on its own output is a no-op while the budget holds.
func (c *Compactor) Compact(history []chat.Message, budget int) []chat.Message {
	if budget <= 0 || len(history) <= minKeepMessages {
		return history
	}
	if EstimateHistoryTokens(history) <= budget {
		return history
	}

	summaryTokens := clamp(budget/5, minSummaryTokens, maxSummaryTokens)
	recentBudget := budget - summaryTokens
	if recentBudget < minRecentTokens {
		recentBudget = minRecentTokens
	}

	cut := c.recentWindowStart(history, recentBudget)
	if cut <= 0 {
		// Everything fits in the recent window; nothing to summarize away.
		return history
	}

	summary := c.buildSummary(history, cut, summaryTokens)
	result := make([]chat.Message, 0, 1+len(history)-cut)
	result = append(result, summary)
	result = append(result, history[cut:]...)

	// Head eviction fallback when the rewrite still overflows.
	for EstimateHistoryTokens(result) > budget && len(result) > 1+minKeepMessages {
		evict := 1
		// Never leave a tool message orphaned at the new head.
		for 1+evict < len(result) && result[1+evict].Role == chat.RoleTool {
			evict++
		}
		result = append(result[:1], result[1+evict:]...)
	}

	logging.Debug("history compacted",
		"before", len(history), "after", len(result), "budget", budget)
	return result
}

// recentWindowStart walks from the tail accumulating messages until the
// recent budget is spent, then aligns the cut on a tool-call group boundary.
func (c *Compactor) recentWindowStart(history []chat.Message, recentBudget int) int {
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(history[i])
		if used+cost > recentBudget && len(history)-start >= minKeepMessages {
			break
		}
		used += cost
		start = i
	}

	// A tool message at the window head needs its issuing assistant message.
	for start > 0 && start < len(history) && history[start].Role == chat.RoleTool {
		start--
	}
	if len(history)-start < minKeepMessages {
		start = len(history) - minKeepMessages
		for start > 0 && history[start].Role == chat.RoleTool {
			start--
		}
	}
	if start < 0 {
		start = 0
	}
	return start
}

// buildSummary renders the messages before cut into one summary message.
func (c *Compactor) buildSummary(history []chat.Message, cut, summaryTokens int) chat.Message {
	charBudget := summaryTokens * 4

	var sb strings.Builder
	sb.WriteString(SummarySentinel)
	sb.WriteString("\n\n")

	if task := firstUserText(history); task != "" {
		sb.WriteString("Original task: ")
		sb.WriteString(truncate(task, 1000))
		sb.WriteString("\n\n")
	}

	if plan := extractPlanLines(history); plan != "" {
		sb.WriteString("Current plan:\n")
		sb.WriteString(plan)
		sb.WriteString("\n\n")
	}

	if c.MemoryContext != "" {
		sb.WriteString(truncate(c.MemoryContext, charBudget*3/10))
		sb.WriteString("\n\n")
	}

	sb.WriteString("Earlier conversation:\n")
	firstUser, lastUser := userBounds(history[:cut])

	var pinned []string
	var lines []string

	for i := 0; i < cut; i++ {
		msg := history[i]
		lines = append(lines, c.digestMessage(msg, i == firstUser || i == lastUser)...)
		if c.Smart && msg.Role == chat.RoleUser {
			pinned = append(pinned, pinnedFacts(msg.Text())...)
		}
	}

	if c.Smart {
		lines = dedupeToolLines(lines)
		if len(pinned) > 0 {
			sb.WriteString("Pinned facts:\n")
			for _, f := range pinned {
				sb.WriteString("- ")
				sb.WriteString(f)
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}

	for _, line := range lines {
		if sb.Len()+len(line)+1 > charBudget {
			break
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return chat.NewUserMessage(sb.String())
}

// digestMessage renders one message as compact digest lines.
func (c *Compactor) digestMessage(msg chat.Message, boundaryUser bool) []string {
	var lines []string
	switch msg.Role {
	case chat.RoleUser:
		text := strings.TrimSpace(msg.Text())
		if text == "" || strings.HasPrefix(text, SummarySentinel) {
			return nil
		}
		limit := 400
		if boundaryUser {
			limit = 1000
		}
		lines = append(lines, "[user] "+truncate(text, limit))

	case chat.RoleAssistant:
		if text := strings.TrimSpace(msg.Text()); text != "" {
			lines = append(lines, "[assistant] "+truncate(firstSentence(text), 200))
		}
		for _, call := range msg.ToolCalls() {
			lines = append(lines, fmt.Sprintf("[call] %s %s", call.Name, truncate(call.ArgsJSON(), 120)))
		}

	case chat.RoleTool:
		for _, res := range msg.ToolResults() {
			limit, ok := toolDigestCaps[res.Name]
			if !ok {
				limit = defaultToolDigestCap
			}
			status := ""
			if res.IsError {
				status = " (failed)"
			}
			lines = append(lines, fmt.Sprintf("[%s]%s %s", res.Name, status,
				truncate(strings.TrimSpace(res.Content), limit)))
		}
	}
	return lines
}

// dedupeToolLines keeps only the last occurrence of identical tool digest
// lines, preserving relative order of what remains.
func dedupeToolLines(lines []string) []string {
	last := make(map[string]int, len(lines))
	for i, line := range lines {
		last[line] = i
	}
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if last[line] == i {
			out = append(out, line)
		}
	}
	return out
}

// pinnedFacts extracts durable environment and constraint lines from user
// text for the smart variant.
func pinnedFacts(text string) []string {
	var facts []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case trimmed == "":
		case strings.HasPrefix(lower, "environment:"),
			strings.HasPrefix(lower, "platform:"),
			strings.HasPrefix(lower, "os:"),
			strings.HasPrefix(lower, "working directory:"),
			strings.HasPrefix(lower, "important:"),
			strings.HasPrefix(lower, "always "),
			strings.HasPrefix(lower, "never "),
			strings.HasPrefix(lower, "do not "):
			facts = append(facts, truncate(trimmed, 200))
		}
	}
	return facts
}

// extractPlanLines renders the latest plan tool result as marker lines
// with a remaining count, falling back to marker-bearing lines from the
// most recent assistant message that carries them.
func extractPlanLines(history []chat.Message) string {
	if steps, ok := LatestPlan(history); ok {
		remaining := 0
		lines := make([]string, 0, len(steps)+1)
		for _, s := range steps {
			if !s.Done() {
				remaining++
			}
			lines = append(lines, s.Marker()+" "+s.Step)
		}
		lines = append(lines, fmt.Sprintf("(%d remaining)", remaining))
		return strings.Join(lines, "\n")
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != chat.RoleAssistant {
			continue
		}
		text := history[i].Text()
		if !strings.Contains(text, "[DONE]") && !strings.Contains(text, "[IN PROGRESS]") &&
			!strings.Contains(text, "[PENDING]") {
			continue
		}
		var plan []string
		for _, line := range strings.Split(text, "\n") {
			if strings.Contains(line, "[DONE]") || strings.Contains(line, "[IN PROGRESS]") ||
				strings.Contains(line, "[PENDING]") {
				plan = append(plan, strings.TrimSpace(line))
			}
		}
		if len(plan) > 0 {
			return strings.Join(plan, "\n")
		}
	}
	return ""
}

func firstUserText(history []chat.Message) string {
	for _, msg := range history {
		if msg.Role == chat.RoleUser {
			text := strings.TrimSpace(msg.Text())
			if text != "" && !strings.HasPrefix(text, SummarySentinel) {
				return text
			}
		}
	}
	return ""
}

// userBounds returns the indices of the first and last user messages.
func userBounds(msgs []chat.Message) (first, last int) {
	first, last = -1, -1
	for i, msg := range msgs {
		if msg.Role != chat.RoleUser {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(msg.Text()), SummarySentinel) {
			continue
		}
		if first == -1 {
			first = i
		}
		last = i
	}
	return first, last
}

// firstSentence returns text up to the first sentence terminator.
func firstSentence(text string) string {
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			return text[:i+1]
		}
	}
	return text
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
