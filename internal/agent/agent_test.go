package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rove/internal/chat"
	"rove/internal/client"
	contextpkg "rove/internal/context"
	"rove/internal/tools"
)

// scriptedAdapter replays canned event rounds; the last round repeats
// if the conversation outlives the script.
type scriptedAdapter struct {
	mu       sync.Mutex
	rounds   [][]client.Event
	calls    int
	requests []client.Request
}

func (s *scriptedAdapter) Name() string { return "scripted" }

func (s *scriptedAdapter) Stream(ctx context.Context, req client.Request) (*client.EventStream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	idx := s.calls
	if idx >= len(s.rounds) {
		idx = len(s.rounds) - 1
	}
	events := s.rounds[idx]
	s.calls++
	s.mu.Unlock()

	ch := make(chan client.Event, len(events)+1)
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &client.EventStream{Events: ch}, nil
}

func (s *scriptedAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubTool records executions and returns canned output.
type stubTool struct {
	mu     sync.Mutex
	name   string
	execs  []map[string]any
	output string
}

func (p *stubTool) Name() string {
	if p.name != "" {
		return p.name
	}
	return "lookup"
}
func (p *stubTool) Description() string { return "test lookup" }
func (p *stubTool) Declaration() tools.Declaration {
	return tools.Declaration{Name: p.Name(), Schema: &tools.Schema{Type: "object"}}
}
func (p *stubTool) Validate(args map[string]any) error { return nil }
func (p *stubTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	p.mu.Lock()
	p.execs = append(p.execs, args)
	p.mu.Unlock()
	out := p.output
	if out == "" {
		out = "lookup ok"
	}
	return tools.NewResult(out), nil
}

func (p *stubTool) execCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.execs)
}

func textRound(text string, reason client.FinishReason) []client.Event {
	return []client.Event{
		client.StepStart(),
		client.TextDelta(text),
		client.Finish(reason, client.Usage{InputTokens: 10, OutputTokens: 5}),
	}
}

func toolRound(call *chat.ToolCall) []client.Event {
	return []client.Event{
		client.StepStart(),
		client.ToolCallEnd(call),
		client.Finish(client.FinishToolCalls, client.Usage{InputTokens: 10, OutputTokens: 5}),
	}
}

func newTestAgent(t *testing.T, adapter client.Adapter, stub *stubTool) *Agent {
	t.Helper()
	registry := tools.NewRegistry()
	if stub != nil {
		registry.MustRegister(stub)
	}
	gate := tools.NewGate(tools.PolicyNever, nil)
	gate.Allow("lookup", "plan")

	a, err := New(Config{
		Adapter:          adapter,
		Dispatcher:       tools.NewDispatcher(registry, gate),
		Model:            "claude-sonnet-4-5",
		ToolLedger:       true,
		AutoContinuation: true,
	})
	require.NoError(t, err)
	return a
}

func TestSendMessagePlainResponse(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		textRound("hello there", client.FinishStop),
	}}
	a := newTestAgent(t, adapter, nil)

	var streamed strings.Builder
	a.SetOnText(func(s string) { streamed.WriteString(s) })

	result, err := a.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Output)
	assert.Equal(t, "hello there", streamed.String())
	assert.Equal(t, 1, result.Turns)
	assert.Equal(t, 15, result.Usage.Total())
	assert.Equal(t, 1, adapter.callCount())

	// History: user then assistant.
	msgs := a.Session().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
}

func TestToolRoundTrip(t *testing.T) {
	stub := &stubTool{}
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		toolRound(&chat.ToolCall{ID: "c1", Name: "lookup", Args: map[string]any{"x": "1"}}),
		textRound("done", client.FinishStop),
	}}
	a := newTestAgent(t, adapter, stub)

	var activity []string
	a.SetOnToolActivity(func(name string, args map[string]any, status string) {
		activity = append(activity, name+":"+status)
	})

	result, err := a.SendMessage(context.Background(), "do the thing")
	require.NoError(t, err)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, 1, stub.execCount())
	assert.Equal(t, []string{"lookup:start", "lookup:ok"}, activity)
	assert.Equal(t, 2, result.Turns)

	// Tool message landed between the two assistant messages.
	var sawToolMsg bool
	for _, msg := range a.Session().Messages() {
		if msg.Role == chat.RoleTool {
			sawToolMsg = true
			results := msg.ToolResults()
			require.Len(t, results, 1)
			assert.Equal(t, "c1", results[0].CallID)
			assert.Equal(t, "lookup ok", results[0].Content)
		}
	}
	assert.True(t, sawToolMsg)

	// The request carried the tool declaration.
	require.NotEmpty(t, adapter.requests)
	require.Len(t, adapter.requests[0].Tools, 1)
	assert.Equal(t, "lookup", adapter.requests[0].Tools[0].Name)
}

func TestLoopGuardAborts(t *testing.T) {
	stub := &stubTool{}
	same := &chat.ToolCall{ID: "c", Name: "lookup", Args: map[string]any{"x": "same"}}
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		toolRound(same),
	}}
	a := newTestAgent(t, adapter, stub)

	_, err := a.SendMessage(context.Background(), "loop forever")
	require.ErrorIs(t, err, ErrToolLoop)

	// An intervention message was injected before the abort.
	var sawIntervention bool
	for _, msg := range a.Session().Messages() {
		if msg.Role == chat.RoleUser && strings.Contains(msg.Text(), "same arguments") {
			sawIntervention = true
		}
	}
	assert.True(t, sawIntervention)
}

func TestContinuationOnLength(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		textRound("first half ", client.FinishLength),
		textRound("second half", client.FinishStop),
	}}
	a := newTestAgent(t, adapter, nil)

	result, err := a.SendMessage(context.Background(), "write a lot")
	require.NoError(t, err)
	assert.Equal(t, "first half second half", result.Output)
	assert.Equal(t, 2, adapter.callCount())

	var sawContinue bool
	for _, msg := range a.Session().Messages() {
		if msg.Role == chat.RoleUser && strings.Contains(msg.Text(), "cut off") {
			sawContinue = true
		}
	}
	assert.True(t, sawContinue)
}

func TestContinuationCapped(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		textRound("still going ", client.FinishLength),
	}}
	a := newTestAgent(t, adapter, nil)

	_, err := a.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	// Initial round plus at most three continuations.
	assert.Equal(t, 4, adapter.callCount())
}

func TestContinuationStopsWithoutProgress(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		textRound("Plan:\n[PENDING] write the report\n", client.FinishStop),
	}}
	a := newTestAgent(t, adapter, nil)

	_, err := a.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	// One continuation was granted; the second round changed nothing,
	// so the driver stops instead of looping.
	assert.Equal(t, 2, adapter.callCount())
}

func TestContinuationFromPlanToolResult(t *testing.T) {
	planner := &stubTool{
		name:   "plan",
		output: `{"plan":[{"step":"A","status":"completed"},{"step":"B","status":"pending"}]}`,
	}
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		toolRound(&chat.ToolCall{ID: "c1", Name: "plan", Args: map[string]any{"steps": "A,B"}}),
		textRound("finished A", client.FinishStop),
	}}
	a := newTestAgent(t, adapter, planner)

	_, err := a.SendMessage(context.Background(), "do A then B")
	require.NoError(t, err)

	// Tool round, stop with B pending, one continuation, then the
	// no-progress guard ends the exchange.
	assert.Equal(t, 3, adapter.callCount())

	var prompts []string
	for _, msg := range a.Session().Messages() {
		if msg.Role == chat.RoleUser && strings.Contains(msg.Text(), "Remaining steps:") {
			prompts = append(prompts, msg.Text())
		}
	}
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "[PENDING] B")
	assert.NotContains(t, prompts[0], "A\n")
}

func TestContinuationDisabled(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		textRound("first half ", client.FinishLength),
	}}
	registry := tools.NewRegistry()
	a, err := New(Config{
		Adapter:    adapter,
		Dispatcher: tools.NewDispatcher(registry, nil),
		Model:      "claude-sonnet-4-5",
	})
	require.NoError(t, err)

	_, err = a.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	// With auto-continuation off, a length stop ends the exchange.
	assert.Equal(t, 1, adapter.callCount())
}

func TestRunawayGuardStopsToolRounds(t *testing.T) {
	stub := &stubTool{output: strings.Repeat("data ", 400)}
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		toolRound(&chat.ToolCall{ID: "c1", Name: "lookup", Args: map[string]any{"n": "1"}}),
	}}

	registry := tools.NewRegistry()
	registry.MustRegister(stub)
	gate := tools.NewGate(tools.PolicyNever, nil)
	gate.Allow("lookup", "plan")

	a, err := New(Config{
		Adapter:    adapter,
		Dispatcher: tools.NewDispatcher(registry, gate),
		Model:      "tiny-model",
		Limits:     contextpkg.ModelLimits{MaxInputTokens: 64, MaxOutputTokens: 16},
	})
	require.NoError(t, err)

	result, err := a.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	// The guard cuts the loop after the first oversized tool round.
	assert.Equal(t, 1, adapter.callCount())
	assert.Equal(t, 1, result.Turns)
}

func TestStatusAndUsageAccumulate(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		textRound("a", client.FinishStop),
	}}
	a := newTestAgent(t, adapter, nil)

	st := a.Status()
	assert.False(t, st.Running)

	_, err := a.SendMessage(context.Background(), "one")
	require.NoError(t, err)
	_, err = a.SendMessage(context.Background(), "two")
	require.NoError(t, err)

	st = a.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 30, st.Usage.Total())
}

func TestStreamErrorSurfaces(t *testing.T) {
	adapter := &scriptedAdapter{rounds: [][]client.Event{
		{
			client.StepStart(),
			client.TextDelta("partial"),
			client.ErrorEvent(assert.AnError),
		},
	}}
	a := newTestAgent(t, adapter, nil)

	_, err := a.SendMessage(context.Background(), "go")
	require.ErrorIs(t, err, assert.AnError)
}
