package context

import (
	"fmt"
	"strings"
)

// Per-tool output budgets in characters, applied before a tool result enters
// history. Search tools return the biggest payloads and get the most room.
var toolOutputCaps = map[string]int{
	"read": 6000,
	"grep": 6000,
	"glob": 6000,
	"bash": 8000,
}

const defaultToolOutputCap = 4000

// errorIndicators mark outputs that must never be truncated; the model needs
// the full failure to react to it.
var errorIndicators = []string{
	"error", "failed", "failure", "exception", "panic", "fatal",
	"traceback", "cannot", "denied", "not found",
}

// CompactToolOutput trims a tool's output to its budget, keeping head and
// tail around a truncation marker. Outputs that look like failures pass
// through untouched.
func CompactToolOutput(toolName, content string) string {
	limit, ok := toolOutputCaps[toolName]
	if !ok {
		limit = defaultToolOutputCap
	}
	if len(content) <= limit {
		return content
	}
	if looksLikeError(content) {
		return content
	}

	head := limit * 6 / 10
	tail := limit - head
	dropped := len(content) - head - tail

	// Snap to line boundaries where possible.
	headPart := content[:head]
	if i := strings.LastIndexByte(headPart, '\n'); i > head/2 {
		headPart = headPart[:i]
	}
	tailPart := content[len(content)-tail:]
	if i := strings.IndexByte(tailPart, '\n'); i >= 0 && i < tail/2 {
		tailPart = tailPart[i+1:]
	}

	return fmt.Sprintf("%s\n... [%d chars truncated] ...\n%s", headPart, dropped, tailPart)
}

// looksLikeError reports whether output appears to describe a failure.
// Checked against the first kilobyte; failures announce themselves early.
func looksLikeError(content string) bool {
	head := content
	if len(head) > 1024 {
		head = head[:1024]
	}
	head = strings.ToLower(head)
	for _, indicator := range errorIndicators {
		if strings.Contains(head, indicator) {
			return true
		}
	}
	return false
}
