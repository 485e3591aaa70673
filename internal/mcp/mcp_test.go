package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rove/internal/ratelimit"
	"rove/internal/tools"
)

// fakeTransport is an in-process Transport backed by a handler
// function standing in for the server.
type fakeTransport struct {
	mu      sync.Mutex
	inbox   chan *JSONRPCMessage
	closed  bool
	handler func(msg *JSONRPCMessage) *JSONRPCMessage
	sent    []*JSONRPCMessage
}

func newFakeTransport(handler func(msg *JSONRPCMessage) *JSONRPCMessage) *fakeTransport {
	return &fakeTransport{
		inbox:   make(chan *JSONRPCMessage, 16),
		handler: handler,
	}
}

func (t *fakeTransport) Send(msg *JSONRPCMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	if msg.ID == nil {
		return nil
	}
	resp := t.handler(msg)
	if resp != nil {
		// Responses arrive as decoded JSON would: numeric ids are
		// float64.
		if id, ok := msg.ID.(int64); ok {
			resp.ID = float64(id)
		}
		t.inbox <- resp
	}
	return nil
}

func (t *fakeTransport) Receive() (*JSONRPCMessage, error) {
	msg, ok := <-t.inbox
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbox)
	}
	return nil
}

// stubServer answers the standard handshake plus tools/list and
// tools/call for a single echo tool.
func stubServer(msg *JSONRPCMessage) *JSONRPCMessage {
	switch msg.Method {
	case MethodInitialize:
		return &JSONRPCMessage{Result: InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      &ServerInfo{Name: "stub", Version: "1.0"},
		}}
	case MethodToolsList:
		return &JSONRPCMessage{Result: ListToolsResult{Tools: []*ToolInfo{
			{
				Name:        "echo",
				Description: "Echoes its input",
				InputSchema: &JSONSchema{
					Type: "object",
					Properties: map[string]*JSONSchema{
						"text": {Type: "string"},
					},
					Required: []string{"text"},
				},
			},
		}}}
	case MethodToolsCall:
		params := msg.Params.(*CallToolParams)
		text, _ := params.Arguments["text"].(string)
		return &JSONRPCMessage{Result: CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: "echo: " + text}},
		}}
	case MethodPing:
		return &JSONRPCMessage{Result: map[string]any{}}
	}
	return &JSONRPCMessage{Error: &Error{Code: -32601, Message: "method not found"}}
}

func newStubClient(t *testing.T) *Client {
	t.Helper()
	transport := newFakeTransport(stubServer)
	client := NewClient("stub", transport, 2*time.Second)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientHandshakeAndTools(t *testing.T) {
	client := newStubClient(t)
	ctx := context.Background()

	require.NoError(t, client.Initialize(ctx, "0.1.0"))
	require.NotNil(t, client.ServerInfo())
	assert.Equal(t, "stub", client.ServerInfo().Name)

	list, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "echo", list[0].Name)
	require.NotNil(t, list[0].InputSchema)
	assert.Equal(t, []string{"text"}, list[0].InputSchema.Required)

	result, err := client.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "echo: hi", result.Content[0].Text)
}

func TestClientServerError(t *testing.T) {
	transport := newFakeTransport(func(msg *JSONRPCMessage) *JSONRPCMessage {
		return &JSONRPCMessage{Error: &Error{Code: -32602, Message: "bad params"}}
	})
	client := NewClient("stub", transport, time.Second)
	defer client.Close()

	_, err := client.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad params")
}

func TestClientTransportDeathUnblocksCalls(t *testing.T) {
	release := make(chan struct{})
	transport := newFakeTransport(func(msg *JSONRPCMessage) *JSONRPCMessage {
		<-release
		return nil
	})
	client := NewClient("stub", transport, 10*time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.CallTool(context.Background(), "echo", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	transport.Close()
	close(release)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not unblock when transport died")
	}
}

func TestClientContextCancel(t *testing.T) {
	transport := newFakeTransport(func(msg *JSONRPCMessage) *JSONRPCMessage {
		return nil // never answer
	})
	client := NewClient("stub", transport, time.Minute)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.CallTool(ctx, "echo", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoadConfigs(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "mcp")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	// Per-server file: id defaults to the filename stem.
	writeFile(t, filepath.Join(sub, "files.json"), `{"command": "mcp-files", "args": ["--root", "/tmp"]}`)
	// Explicit id wins over the stem.
	writeFile(t, filepath.Join(sub, "alt.json"), `{"id": "search", "command": "mcp-search"}`)
	// Broken JSON is skipped, not fatal.
	writeFile(t, filepath.Join(sub, "broken.json"), `{nope`)
	// A filename stem with a double underscore is an invalid id.
	writeFile(t, filepath.Join(sub, "a__b.json"), `{"command": "run"}`)
	// Full surface of one server record.
	writeFile(t, filepath.Join(sub, "full.json"), `{
		"command": "mcp-full", "name": "Full Server", "cwd": "/srv",
		"autostart": "on-demand", "initTimeoutMs": 5000, "callTimeoutMs": 8000,
		"logBufferSize": 50, "approvalPolicy": "always",
		"toolApproval": {"rm": "never"}}`)
	// Aggregate file contributes more servers.
	writeFile(t, filepath.Join(dir, "mcp.json"), `{"servers": {"db": {"command": "mcp-db", "callsPerMinute": 5}}}`)

	configs, err := LoadConfigs(dir)
	require.NoError(t, err)

	byID := make(map[string]*ServerConfig)
	for _, cfg := range configs {
		byID[cfg.ID] = cfg
	}
	require.Len(t, byID, 4)
	assert.Equal(t, "mcp-files", byID["files"].Command)
	assert.Equal(t, []string{"--root", "/tmp"}, byID["files"].Args)
	assert.Equal(t, "mcp-search", byID["search"].Command)
	assert.Equal(t, 5, byID["db"].CallsPerMinute)

	full := byID["full"]
	require.NotNil(t, full)
	assert.Equal(t, "Full Server", full.DisplayName())
	assert.Equal(t, "/srv", full.Cwd)
	assert.Equal(t, AutostartOnDemand, full.Autostart)
	assert.Equal(t, 5*time.Second, full.InitTimeout())
	assert.Equal(t, 8*time.Second, full.CallTimeout())
	assert.Equal(t, 50, full.LogBufferSize)
	assert.Equal(t, "always", full.ApprovalPolicy)
	assert.Equal(t, "never", full.ToolApproval["rm"])

	// Defaults filled in.
	assert.Equal(t, int64(DefaultMaxPayloadBytes), byID["files"].MaxPayloadBytes)
	assert.Equal(t, DefaultCallsPerMinute, byID["files"].CallsPerMinute)
	assert.Equal(t, AutostartStartup, byID["files"].Autostart)
	assert.Equal(t, DefaultInitTimeout, byID["files"].InitTimeout())
	assert.Equal(t, DefaultCallTimeout, byID["files"].CallTimeout())
	assert.Equal(t, "files", byID["files"].DisplayName())
	assert.True(t, byID["files"].IsEnabled())
}

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  ServerConfig
		ok   bool
	}{
		{"valid", ServerConfig{ID: "my-server_1", Command: "run"}, true},
		{"missing id", ServerConfig{Command: "run"}, false},
		{"missing command", ServerConfig{ID: "x"}, false},
		{"bad id chars", ServerConfig{ID: "my server", Command: "run"}, false},
		{"bad id colon", ServerConfig{ID: "a:b", Command: "run"}, false},
		// "__" would make the safe tool id ambiguous.
		{"bad id double underscore", ServerConfig{ID: "a__b", Command: "run"}, false},
		{"bad autostart", ServerConfig{ID: "x", Command: "run", Autostart: "sometimes"}, false},
		{"good autostart", ServerConfig{ID: "x", Command: "run", Autostart: AutostartOnDemand}, true},
		{"bad approval", ServerConfig{ID: "x", Command: "run", ApprovalPolicy: "ask-mom"}, false},
		{"good approval", ServerConfig{ID: "x", Command: "run", ApprovalPolicy: "once-per-server"}, true},
		{"bad tool approval", ServerConfig{ID: "x", Command: "run", ToolApproval: map[string]string{"rm": "maybe"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSafeIDRoundTrip(t *testing.T) {
	safe := FormatSafeID("files", "read_file")
	assert.Equal(t, "mcp__files__read_file", safe)

	server, tool, ok := ParseSafeID(safe)
	require.True(t, ok)
	assert.Equal(t, "files", server)
	assert.Equal(t, "read_file", tool)

	assert.Equal(t, "mcp:files:read_file", CanonicalID("files", "read_file"))

	_, _, ok = ParseSafeID("read_file")
	assert.False(t, ok)
	_, _, ok = ParseSafeID("mcp__only")
	assert.False(t, ok)
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "get_weather", sanitizeToolName("get_weather"))
	assert.Equal(t, "get_weather", sanitizeToolName("get.weather"))
	assert.Equal(t, "a_b_c", sanitizeToolName("a/b c"))
	assert.Equal(t, "caf_", sanitizeToolName("café"))
}

func TestRingLog(t *testing.T) {
	log := newRingLog(0)
	require.Len(t, log.entries, DefaultLogBufferSize)

	log = newRingLog(25)
	for i := 0; i < 35; i++ {
		log.Appendf("line %d", i)
	}
	entries := log.Snapshot()
	require.Len(t, entries, 25)
	// Oldest surviving entry first, newest last.
	assert.Equal(t, "line 10", entries[0].Line)
	assert.Equal(t, "line 34", entries[24].Line)
}

// runningSupervisor wires a supervisor to the stub server without
// spawning a process.
func runningSupervisor(t *testing.T, cfg *ServerConfig) (*Supervisor, *serverState) {
	t.Helper()
	cfg.applyDefaults()
	transport := newFakeTransport(stubServer)
	client := NewClient(cfg.ID, transport, cfg.CallTimeout())
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Initialize(context.Background(), "0.1.0"))

	sup := NewSupervisor("0.1.0", nil)
	st := &serverState{
		cfg:    cfg,
		state:  StateRunning,
		client: client,
		window: ratelimit.NewSlidingWindow(cfg.CallsPerMinute, time.Minute),
		log:    newRingLog(cfg.LogBufferSize),
	}
	sup.servers[cfg.ID] = st
	return sup, st
}

func TestSupervisorCallTool(t *testing.T) {
	sup, _ := runningSupervisor(t, &ServerConfig{ID: "stub", Command: "stub"})

	result, err := sup.CallTool(context.Background(), "stub", "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "echo: hello", result.Content[0].Text)
}

func TestSupervisorCallToolGating(t *testing.T) {
	sup, st := runningSupervisor(t, &ServerConfig{ID: "stub", Command: "stub"})

	_, err := sup.CallTool(context.Background(), "missing", "echo", nil)
	require.ErrorIs(t, err, ErrUnknownServer)

	st.state = StateRestarting
	_, err = sup.CallTool(context.Background(), "stub", "echo", nil)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestSupervisorPayloadCap(t *testing.T) {
	big := strings.Repeat("x", 256)
	transport := newFakeTransport(func(msg *JSONRPCMessage) *JSONRPCMessage {
		if msg.Method == MethodToolsCall {
			return &JSONRPCMessage{Result: CallToolResult{
				Content: []ContentBlock{{Type: "text", Text: big}},
			}}
		}
		return stubServer(msg)
	})
	cfg := &ServerConfig{ID: "stub", Command: "stub", MaxPayloadBytes: 100}
	cfg.applyDefaults()
	client := NewClient("stub", transport, time.Second)
	defer client.Close()

	sup := NewSupervisor("0.1.0", nil)
	sup.servers["stub"] = &serverState{
		cfg:    cfg,
		state:  StateRunning,
		client: client,
		window: ratelimit.NewSlidingWindow(cfg.CallsPerMinute, time.Minute),
		log:    newRingLog(0),
	}

	_, err := sup.CallTool(context.Background(), "stub", "echo", nil)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	// The config default must not have overwritten the explicit cap.
	assert.Equal(t, int64(100), cfg.MaxPayloadBytes)
}

func TestSupervisorCallWindow(t *testing.T) {
	sup, st := runningSupervisor(t, &ServerConfig{ID: "stub", Command: "stub", CallsPerMinute: 2})
	st.window = ratelimit.NewSlidingWindow(2, time.Minute)

	ctx := context.Background()
	_, err := sup.CallTool(ctx, "stub", "echo", map[string]any{"text": "a"})
	require.NoError(t, err)
	_, err = sup.CallTool(ctx, "stub", "echo", map[string]any{"text": "b"})
	require.NoError(t, err)

	// Third call must block on the window; a short deadline turns
	// that into a context error.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = sup.CallTool(shortCtx, "stub", "echo", map[string]any{"text": "c"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSupervisorConfigure(t *testing.T) {
	sup := NewSupervisor("0.1.0", nil)
	sup.Configure([]*ServerConfig{
		{ID: "a", Command: "run-a", CallsPerMinute: 10, MaxPayloadBytes: 1024},
		{ID: "b", Command: "run-b", CallsPerMinute: 10, MaxPayloadBytes: 1024},
	})
	states := sup.States()
	require.Len(t, states, 2)
	assert.Equal(t, StateStopped, states["a"])

	sup.Configure([]*ServerConfig{
		{ID: "a", Command: "run-a", CallsPerMinute: 10, MaxPayloadBytes: 1024},
	})
	states = sup.States()
	require.Len(t, states, 1)
	_, ok := states["b"]
	assert.False(t, ok)
}

func TestStdioTransportCwd(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewStdioTransport("true", nil, dir, nil, nil)
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, dir, tr.cmd.Dir)
}

func TestFailureCountForgivenAfterStableUptime(t *testing.T) {
	// A crash-loop that briefly initializes keeps extending the streak.
	assert.Equal(t, 5, failureCountAfterExit(4, 2*time.Second))
	// A long-lived server that finally dies starts a fresh streak.
	assert.Equal(t, 1, failureCountAfterExit(4, time.Hour))
	assert.Equal(t, 1, failureCountAfterExit(4, stableUptime))
}

func TestStartsAtBoot(t *testing.T) {
	assert.True(t, startsAtBoot(&ServerConfig{ID: "a", Command: "run"}))
	assert.True(t, startsAtBoot(&ServerConfig{ID: "a", Command: "run", Autostart: AutostartStartup}))
	assert.False(t, startsAtBoot(&ServerConfig{ID: "a", Command: "run", Autostart: AutostartOnDemand}))
	assert.False(t, startsAtBoot(&ServerConfig{ID: "a", Command: "run", Autostart: AutostartNever}))
}

func TestSupervisorStatuses(t *testing.T) {
	sup, st := runningSupervisor(t, &ServerConfig{ID: "stub", Command: "stub"})
	st.initLatency = 120 * time.Millisecond
	st.restarts = 2
	st.lastErr = fmt.Errorf("exit status 1")

	_, err := sup.CallTool(context.Background(), "stub", "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)

	status := sup.Statuses()["stub"]
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, 120*time.Millisecond, status.InitLatency)
	assert.Equal(t, 2, status.Restarts)
	assert.Equal(t, "exit status 1", status.LastError)
	assert.False(t, status.LastCall.IsZero())
}

func TestSupervisorApprovalPolicyWiring(t *testing.T) {
	prompted := 0
	gate := tools.NewGate(tools.PolicyAlways, func(ctx context.Context, name string, args map[string]any) bool {
		prompted++
		return true
	})
	sup := NewSupervisor("0.1.0", nil)
	sup.SetGate(gate)
	sup.applyApprovalPolicy(&ServerConfig{
		ID:             "fs",
		Command:        "run",
		ApprovalPolicy: "never",
		ToolApproval:   map[string]string{"read_file": "always"},
	})

	// Server-wide never blocks without prompting; the per-tool
	// override for read_file forces a prompt instead.
	assert.False(t, gate.Check(context.Background(), "mcp__fs__delete", nil))
	assert.Equal(t, 0, prompted)
	assert.True(t, gate.Check(context.Background(), "mcp__fs__read_file", nil))
	assert.Equal(t, 1, prompted)
	// Tools outside the server still follow the gate-wide policy.
	assert.True(t, gate.Check(context.Background(), "local_tool", nil))
	assert.Equal(t, 2, prompted)
}

func TestServerToolBridge(t *testing.T) {
	sup, _ := runningSupervisor(t, &ServerConfig{ID: "stub", Command: "stub"})
	info := &ToolInfo{
		Name:        "echo",
		Description: "Echoes its input",
		InputSchema: &JSONSchema{
			Type: "object",
			Properties: map[string]*JSONSchema{
				"text": {Type: "string"},
			},
			Required: []string{"text"},
		},
	}
	tool := NewServerTool(sup, "stub", info)

	assert.Equal(t, "mcp__stub__echo", tool.Name())
	assert.Contains(t, tool.Description(), "mcp:stub:echo")

	decl := tool.Declaration()
	require.NotNil(t, decl.Schema)
	assert.Equal(t, "object", decl.Schema.Type)
	assert.Equal(t, "string", decl.Schema.Properties["text"].Type)
	assert.Equal(t, []string{"text"}, decl.Schema.Required)

	require.Error(t, tool.Validate(map[string]any{}))
	require.NoError(t, tool.Validate(map[string]any{"text": "hi"}))

	result, err := tool.Execute(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "echo: hi", result.Content)
}

func TestServerToolExecuteReportsErrors(t *testing.T) {
	sup := NewSupervisor("0.1.0", nil)
	sup.servers["down"] = &serverState{
		cfg:    &ServerConfig{ID: "down", Command: "run"},
		state:  StateStopped,
		window: ratelimit.NewSlidingWindow(10, time.Minute),
		log:    newRingLog(0),
	}
	tool := NewServerTool(sup, "down", &ToolInfo{Name: "echo"})

	result, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "not running")
}

func TestFormatContentBlocks(t *testing.T) {
	assert.Equal(t, "(no output)", formatContentBlocks(nil))
	assert.Equal(t, "one\ntwo", formatContentBlocks([]ContentBlock{
		{Type: "text", Text: "one"},
		{Type: "text", Text: "two"},
	}))
	out := formatContentBlocks([]ContentBlock{
		{Type: "image", MIMEType: "image/png", Data: "aGVsbG8="},
	})
	assert.Contains(t, out, "image/png")
	assert.NotContains(t, out, "aGVsbG8=")
}

func TestConvertSchemaDefaults(t *testing.T) {
	out := convertSchema(nil)
	require.NotNil(t, out)
	assert.Equal(t, "object", out.Type)

	nested := convertSchema(&JSONSchema{
		Type: "object",
		Properties: map[string]*JSONSchema{
			"items": {Type: "array", Items: &JSONSchema{Type: "string", Enum: []string{"a", "b"}}},
		},
	})
	require.NotNil(t, nested.Properties["items"].Items)
	assert.Equal(t, []string{"a", "b"}, nested.Properties["items"].Items.Enum)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

var _ Transport = (*fakeTransport)(nil)
