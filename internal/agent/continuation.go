package agent

import (
	"fmt"
	"strings"

	"rove/internal/chat"
	contextpkg "rove/internal/context"
)

const (
	// forcedContinueMarker in assistant text requests another round
	// regardless of plan state.
	forcedContinueMarker = "[CONTINUE]"

	planDoneMarker       = "[DONE]"
	planInProgressMarker = "[IN PROGRESS]"
	planPendingMarker    = "[PENDING]"

	ledgerMaxLines   = 6
	ledgerMaxLineLen = 140

	// toolMessagePriorityCap bounds how many tool messages keep their
	// full output in history.
	toolMessagePriorityCap = 8
)

// planState is the outstanding work picture after a model round. It
// prefers the structured steps from the latest plan tool result and
// falls back to counting status markers in assistant text.
type planState struct {
	steps []contextpkg.PlanStep

	done       int
	inProgress int
	pending    int
}

// PendingWork counts steps not yet finished.
func (p planState) PendingWork() int {
	if len(p.steps) > 0 {
		n := 0
		for _, s := range p.steps {
			if !s.Done() {
				n++
			}
		}
		return n
	}
	return p.pending + p.inProgress
}

// remainingLines renders the unfinished steps with status markers.
func (p planState) remainingLines() []string {
	var lines []string
	for _, s := range p.steps {
		if !s.Done() {
			lines = append(lines, s.Marker()+" "+s.Step)
		}
	}
	return lines
}

// currentPlan reads the latest plan tool result from history; when no
// tool has reported a plan, assistant text markers stand in.
func currentPlan(history []chat.Message, text string) planState {
	if steps, ok := contextpkg.LatestPlan(history); ok {
		return planState{steps: steps}
	}
	return parsePlan(text)
}

func parsePlan(text string) planState {
	return planState{
		done:       strings.Count(text, planDoneMarker),
		inProgress: strings.Count(text, planInProgressMarker),
		pending:    strings.Count(text, planPendingMarker),
	}
}

// ledger keeps a rolling digest of recent tool activity for
// continuation prompts.
type ledger struct {
	lines []string
}

func (l *ledger) record(call *chat.ToolCall, ok bool, outputLen int) {
	status := "ok"
	if !ok {
		status = "error"
	}
	line := fmt.Sprintf("%s %s -> %s (%d chars)", call.Name, call.ArgsJSON(), status, outputLen)
	if len(line) > ledgerMaxLineLen {
		line = line[:ledgerMaxLineLen-3] + "..."
	}
	l.lines = append(l.lines, line)
	if len(l.lines) > ledgerMaxLines {
		l.lines = l.lines[len(l.lines)-ledgerMaxLines:]
	}
}

func (l *ledger) render() string {
	if len(l.lines) == 0 {
		return ""
	}
	return "Recent tool activity:\n" + strings.Join(l.lines, "\n")
}

// continuationPrompt asks the model to keep going after a truncated or
// unfinished response, listing the steps that remain.
func continuationPrompt(reason string, plan planState, digest string) string {
	var b strings.Builder
	switch reason {
	case "length":
		b.WriteString("Your previous response was cut off due to length limits. Continue exactly where you stopped.")
	case "plan":
		b.WriteString("Your plan still has unfinished steps. Resume the remaining work; do not re-explain what is already done.")
		if lines := plan.remainingLines(); len(lines) > 0 {
			b.WriteString("\nRemaining steps:\n")
			b.WriteString(strings.Join(lines, "\n"))
		}
	default:
		b.WriteString("Continue.")
	}
	if digest != "" {
		b.WriteString("\n\n")
		b.WriteString(digest)
	}
	return b.String()
}

// pruneToolMessages keeps full output for the most recent tool
// messages and collapses older ones, so long sessions do not drown in
// stale tool output. Returns the history unchanged when under the cap.
func pruneToolMessages(history []chat.Message) []chat.Message {
	var toolIdx []int
	for i := range history {
		if history[i].Role == chat.RoleTool {
			toolIdx = append(toolIdx, i)
		}
	}
	if len(toolIdx) <= toolMessagePriorityCap {
		return history
	}

	out := make([]chat.Message, len(history))
	copy(out, history)
	for _, i := range toolIdx[:len(toolIdx)-toolMessagePriorityCap] {
		msg := out[i]
		parts := make([]chat.Part, len(msg.Parts))
		copy(parts, msg.Parts)
		for j, p := range parts {
			if p.ToolResult == nil || len(p.ToolResult.Content) <= 80 {
				continue
			}
			r := *p.ToolResult
			r.Content = r.Content[:77] + "..."
			parts[j] = chat.Part{ToolResult: &r}
		}
		out[i] = chat.Message{Role: msg.Role, Parts: parts}
	}
	return out
}
