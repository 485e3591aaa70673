package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"rove/internal/chat"
	"rove/internal/client"
	contextpkg "rove/internal/context"
	"rove/internal/logging"
	"rove/internal/memory"
	"rove/internal/ratelimit"
	"rove/internal/tools"
)

const (
	defaultMaxToolRounds   = 40
	defaultContinuationMax = 3
	loopSignatureLimit     = 3
	loopRecoveryMax        = 3

	// runawayFraction of triple the context window bounds cumulative
	// tool output before the session is cut short.
	runawayFraction = 0.7
)

// ErrToolLoop reports that the model kept issuing the same call after
// an intervention.
var ErrToolLoop = errors.New("tool call loop detected")

// Config wires an Agent's collaborators.
type Config struct {
	Adapter    client.Adapter
	Dispatcher *tools.Dispatcher
	Governor   *ratelimit.Governor
	Memory     *memory.Memory
	Session    *chat.Session

	Model           string
	Provider        string
	SystemPrompt    string
	MaxTokens       int
	Temperature     float64
	ReasoningEffort string

	Limits contextpkg.ModelLimits

	MaxToolRounds   int
	ContinuationMax int
	ToolLedger      bool

	// AutoContinuation lets the agent issue follow-up rounds after a
	// truncated or unfinished response.
	AutoContinuation bool
	// SmartCompaction enables pinned facts and digest dedupe in the
	// history compactor.
	SmartCompaction bool
}

// Result is the outcome of one SendMessage exchange.
type Result struct {
	Output   string
	Usage    client.Usage
	Turns    int
	Duration time.Duration
}

// Status describes what the agent is currently doing.
type Status struct {
	Running bool
	Turn    int
	Usage   client.Usage
}

// Agent drives the model/tool loop for a conversation.
type Agent struct {
	cfg     Config
	builder *contextpkg.Builder

	onText         func(string)
	onReasoning    func(string)
	onToolActivity func(toolName string, args map[string]any, status string)

	mu             sync.Mutex
	running        bool
	turn           int
	usage          client.Usage
	cancel         context.CancelFunc
	callHistory    map[string]int
}

func New(cfg Config) (*Agent, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("agent: adapter is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("agent: dispatcher is required")
	}
	if cfg.Session == nil {
		cfg.Session = chat.NewSession()
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.New()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.ContinuationMax <= 0 {
		cfg.ContinuationMax = defaultContinuationMax
	}
	if cfg.Limits.MaxInputTokens == 0 {
		cfg.Limits = contextpkg.LimitsFor(cfg.Model)
	}
	builder := contextpkg.NewBuilder(cfg.Limits)
	builder.Compactor.Smart = cfg.SmartCompaction
	return &Agent{
		cfg:         cfg,
		builder:     builder,
		callHistory: make(map[string]int),
	}, nil
}

// SetOnText registers the streaming text callback.
func (a *Agent) SetOnText(fn func(string)) { a.onText = fn }

// SetOnReasoning registers the reasoning-delta callback.
func (a *Agent) SetOnReasoning(fn func(string)) { a.onReasoning = fn }

// SetOnToolActivity registers the tool progress callback. status is
// one of "start", "ok", "error".
func (a *Agent) SetOnToolActivity(fn func(toolName string, args map[string]any, status string)) {
	a.onToolActivity = fn
}

// Session exposes the conversation history.
func (a *Agent) Session() *chat.Session { return a.cfg.Session }

// Cancel aborts the in-flight exchange, if any.
func (a *Agent) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// Status reports the agent's current activity.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{Running: a.running, Turn: a.turn, Usage: a.usage}
}

// Run is SendMessage for one-shot prompts.
func (a *Agent) Run(ctx context.Context, prompt string) (*Result, error) {
	return a.SendMessage(ctx, prompt)
}

// SendMessage appends the user message and drives model/tool rounds
// until the model finishes, a guard trips, or the round budget runs
// out.
func (a *Agent) SendMessage(ctx context.Context, text string) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.running = true
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.cancel = nil
		a.mu.Unlock()
	}()

	start := time.Now()
	a.cfg.Memory.IncrementTurn()
	a.cfg.Session.Append(chat.NewUserMessage(text))

	var (
		output           strings.Builder
		usage            client.Usage
		digest           ledger
		continuations    int
		recoveryRounds   int
		toolOutputTokens int
		turns            int

		lastPending   = -1
		toolsSinceAsk bool
	)
	runawayBudget := int(float64(a.cfg.Limits.MaxInputTokens) * 3 * runawayFraction)

	maxRounds := a.cfg.MaxToolRounds
	for round := 0; round < maxRounds; round++ {
		turns++
		a.mu.Lock()
		a.turn = turns
		a.mu.Unlock()

		resp, err := a.step(ctx)
		if err != nil {
			return nil, err
		}
		usage.Add(resp.Usage)
		a.mu.Lock()
		a.usage.Add(resp.Usage)
		a.mu.Unlock()

		a.cfg.Session.Append(resp.AssistantMessage())
		if resp.Text != "" {
			output.WriteString(resp.Text)
		}

		if len(resp.ToolCalls) > 0 {
			if loop := a.detectLoop(resp.ToolCalls); loop != nil {
				if recoveryRounds >= loopRecoveryMax {
					return nil, fmt.Errorf("%w: %s repeated beyond recovery", ErrToolLoop, loop.Name)
				}
				recoveryRounds++
				maxRounds++
				a.cfg.Session.Append(chat.NewUserMessage(loopIntervention(loop)))
				continue
			}

			outTokens := a.runTools(ctx, resp.ToolCalls, &digest)
			toolOutputTokens += outTokens
			toolsSinceAsk = true
			if toolOutputTokens > runawayBudget {
				logging.Warn("tool output budget exhausted, stopping",
					"tokens", toolOutputTokens, "budget", runawayBudget)
				break
			}
			continue
		}

		plan := currentPlan(a.cfg.Session.Messages(), resp.Text)
		reason := continuationReason(resp, plan)
		if reason == "" || !a.cfg.AutoContinuation || continuations >= a.cfg.ContinuationMax {
			break
		}
		// A continuation only earns another round when the last one
		// made progress: tool calls ran or the pending count shrank.
		if lastPending >= 0 && !toolsSinceAsk && plan.PendingWork() >= lastPending {
			logging.Info("continuation made no progress, stopping",
				"pending", plan.PendingWork(), "reason", reason)
			break
		}
		lastPending = plan.PendingWork()
		toolsSinceAsk = false
		continuations++
		var lines string
		if a.cfg.ToolLedger {
			lines = digest.render()
		}
		a.cfg.Session.Append(chat.NewUserMessage(continuationPrompt(reason, plan, lines)))
	}

	return &Result{
		Output:   output.String(),
		Usage:    usage,
		Turns:    turns,
		Duration: time.Since(start),
	}, nil
}

// step performs one model round: build context, stream, consume.
func (a *Agent) step(ctx context.Context) (*client.Response, error) {
	history := pruneToolMessages(a.cfg.Session.Messages())
	memoryContext := a.cfg.Memory.BuildMemoryContext(4096)
	messages := a.builder.Build(history, a.cfg.SystemPrompt, memoryContext)

	req := client.Request{
		Model:           a.cfg.Model,
		System:          a.cfg.SystemPrompt,
		Messages:        messages,
		Tools:           a.cfg.Dispatcher.Registry().Declarations(),
		MaxTokens:       a.cfg.MaxTokens,
		Temperature:     a.cfg.Temperature,
		ReasoningEffort: a.cfg.ReasoningEffort,
	}

	stream, err := a.stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return a.consume(stream)
}

func (a *Agent) stream(ctx context.Context, req client.Request) (*client.EventStream, error) {
	if a.cfg.Governor == nil {
		return a.cfg.Adapter.Stream(ctx, req)
	}
	key := a.cfg.Provider
	if key == "" {
		key = a.cfg.Adapter.Name()
	}
	return client.RunWithRetry(ctx, key, a.cfg.Governor, func(ctx context.Context) (*client.EventStream, error) {
		return a.cfg.Adapter.Stream(ctx, req)
	})
}

// consume drains a stream, firing callbacks per delta.
func (a *Agent) consume(stream *client.EventStream) (*client.Response, error) {
	resp := &client.Response{Reason: client.FinishStop}
	var text, reasoning strings.Builder
	for ev := range stream.Events {
		switch ev.Kind {
		case client.EventTextDelta:
			text.WriteString(ev.Text)
			if a.onText != nil {
				a.onText(ev.Text)
			}
		case client.EventReasoningDelta:
			reasoning.WriteString(ev.Text)
			if a.onReasoning != nil {
				a.onReasoning(ev.Text)
			}
		case client.EventToolCallEnd:
			if ev.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, ev.ToolCall)
			}
		case client.EventFinish:
			resp.Reason = ev.Reason
			if ev.Usage != nil {
				resp.Usage.Add(*ev.Usage)
			}
		case client.EventError:
			return nil, ev.Err
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	if len(resp.ToolCalls) > 0 && resp.Reason == client.FinishStop {
		resp.Reason = client.FinishToolCalls
	}
	return resp, nil
}

// runTools dispatches the round's calls and appends their results.
// Returns the estimated token weight of the outputs.
func (a *Agent) runTools(ctx context.Context, calls []*chat.ToolCall, digest *ledger) int {
	results := make([]chat.ToolResult, 0, len(calls))
	var outTokens int
	for _, call := range calls {
		if a.onToolActivity != nil {
			a.onToolActivity(call.Name, call.Args, "start")
		}
		res := a.cfg.Dispatcher.Execute(ctx, *call)
		res.Content = contextpkg.CompactToolOutput(call.Name, res.Content)

		ok := !res.IsError && !strings.HasPrefix(res.Content, "Error:")
		if a.onToolActivity != nil {
			status := "ok"
			if !ok {
				status = "error"
			}
			a.onToolActivity(call.Name, call.Args, status)
		}
		a.cfg.Memory.RecordToolCall(call.Name, call.ArgsJSON(), ok)
		recordToolSideEffects(a.cfg.Memory, call, res.Content)
		digest.record(call, ok, len(res.Content))

		outTokens += contextpkg.EstimateTokens(res.Content)
		results = append(results, tools.ToToolResult(*call, res))
	}
	a.cfg.Session.Append(chat.NewToolMessage(results...))
	return outTokens
}

// recordToolSideEffects mirrors well-known tool calls into memory so
// the compaction digest can preserve the working set.
func recordToolSideEffects(mem *memory.Memory, call *chat.ToolCall, content string) {
	switch call.Name {
	case "read", "read_file", "view":
		if path, ok := call.Args["path"].(string); ok {
			mem.RecordFileRead(path, content)
		} else if path, ok := call.Args["file_path"].(string); ok {
			mem.RecordFileRead(path, content)
		}
	case "grep", "search", "glob":
		if q, ok := call.Args["pattern"].(string); ok {
			mem.RecordSearch(q, call.Name)
		} else if q, ok := call.Args["query"].(string); ok {
			mem.RecordSearch(q, call.Name)
		}
	}
}

// detectLoop returns the first call whose signature exceeded the
// repeat limit, arming a one-time intervention.
func (a *Agent) detectLoop(calls []*chat.ToolCall) *chat.ToolCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, call := range calls {
		key := call.Name + ":" + call.ArgsJSON()
		a.callHistory[key]++
		if a.callHistory[key] > loopSignatureLimit {
			logging.Warn("tool call loop detected", "tool", call.Name, "count", a.callHistory[key])
			// Clear the signature so a retry with the same args after
			// the intervention counts fresh.
			delete(a.callHistory, key)
			return call
		}
	}
	return nil
}

func loopIntervention(call *chat.ToolCall) string {
	return fmt.Sprintf(
		"You have called %s with the same arguments more than %d times without new information. "+
			"Stop repeating this call. Either use a different approach, change the arguments, "+
			"or explain what is blocking you.",
		call.Name, loopSignatureLimit)
}

// continuationReason decides whether the exchange should keep going
// after a finish without tool calls: output truncation, unfinished
// plan steps, or an explicit marker.
func continuationReason(resp *client.Response, plan planState) string {
	switch {
	case resp.Reason == client.FinishLength:
		return "length"
	case strings.Contains(resp.Text, forcedContinueMarker):
		return "forced"
	case plan.PendingWork() > 0:
		return "plan"
	}
	return ""
}
