package tools

import (
	"context"
	"fmt"
	"time"

	"rove/internal/chat"
	"rove/internal/logging"
)

// DefaultCallTimeout bounds a single tool execution.
const DefaultCallTimeout = 2 * time.Minute

// Dispatcher resolves and executes tool calls issued by the model. Every
// failure mode becomes an error Result rather than a Go error so the model
// sees what went wrong and can adjust.
type Dispatcher struct {
	registry *Registry
	gate     *Gate
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher over the registry. A nil gate means no
// approval checks.
func NewDispatcher(registry *Registry, gate *Gate) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		gate:     gate,
		timeout:  DefaultCallTimeout,
	}
}

// SetTimeout overrides the per-call timeout.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute runs a single tool call end to end: resolve, validate, approve,
// execute with timeout and panic containment.
func (d *Dispatcher) Execute(ctx context.Context, call chat.ToolCall) Result {
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return NewErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	if err := tool.Validate(call.Args); err != nil {
		return NewErrorResult(err.Error())
	}

	if d.gate != nil && !d.gate.Check(ctx, call.Name, call.Args) {
		logging.Info("tool call denied", "tool", call.Name, "call_id", call.ID)
		return NewErrorResult(fmt.Sprintf("tool call %s was not approved", call.Name))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	result, err := d.run(callCtx, tool, call.Args)
	elapsed := time.Since(start)

	if err != nil {
		logging.Warn("tool execution failed", "tool", call.Name, "call_id", call.ID,
			"duration", elapsed, "error", err)
		return NewErrorResult(err.Error())
	}

	logging.Debug("tool executed", "tool", call.Name, "call_id", call.ID,
		"duration", elapsed, "is_error", result.IsError)
	return result
}

type runOutcome struct {
	result Result
	err    error
}

// run executes the tool, converting panics into errors. The worker
// communicates over a buffered channel so an abandoned call on the
// timeout path never touches the caller's variables.
func (d *Dispatcher) run(ctx context.Context, tool Tool, args map[string]any) (Result, error) {
	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: fmt.Errorf("tool %s panicked: %v", tool.Name(), r)}
			}
		}()
		result, err := tool.Execute(ctx, args)
		done <- runOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("tool %s: %w", tool.Name(), ctx.Err())
	}
}

// ToToolResult converts a Result into the chat part carried back to the model.
func ToToolResult(call chat.ToolCall, result Result) chat.ToolResult {
	return chat.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: result.Content,
		IsError: result.IsError,
	}
}
