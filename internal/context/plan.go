package context

import (
	"encoding/json"
	"strings"

	"rove/internal/chat"
)

// PlanStep is one entry of a plan tool result.
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// Done reports whether the step is finished.
func (s PlanStep) Done() bool {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "completed", "complete", "done":
		return true
	}
	return false
}

// InProgress reports whether the step is being worked on.
func (s PlanStep) InProgress() bool {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "in_progress", "in-progress", "in progress":
		return true
	}
	return false
}

// Marker renders the step's status marker.
func (s PlanStep) Marker() string {
	switch {
	case s.Done():
		return "[DONE]"
	case s.InProgress():
		return "[IN PROGRESS]"
	default:
		return "[PENDING]"
	}
}

type planEnvelope struct {
	Plan []PlanStep `json:"plan"`
}

// ParsePlanSteps decodes the JSON payload of a plan tool result.
func ParsePlanSteps(content string) ([]PlanStep, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || trimmed[0] != '{' {
		return nil, false
	}
	var env planEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil || len(env.Plan) == 0 {
		return nil, false
	}
	return env.Plan, true
}

// LatestPlan returns the steps carried by the most recent successful
// plan tool result in the history.
func LatestPlan(history []chat.Message) ([]PlanStep, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != chat.RoleTool {
			continue
		}
		for _, res := range history[i].ToolResults() {
			if res.Name != "plan" || res.IsError {
				continue
			}
			if steps, ok := ParsePlanSteps(res.Content); ok {
				return steps, true
			}
		}
	}
	return nil, false
}
