package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rove/internal/logging"
	"rove/internal/ratelimit"
	"rove/internal/tools"
)

// State is a server's lifecycle phase.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateFailed     State = "failed"
	StateRestarting State = "restarting"
)

// restartBackoff is the delay schedule between crash restarts.
var restartBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// maxConsecutiveFailures stops the restart loop; a manual Restart
// resets the counter.
const maxConsecutiveFailures = 5

// stableUptime is how long a server must stay up before its failure
// streak is forgiven. Matches the longest restart backoff so a
// crash-loop that briefly initializes still hits the failure cap.
const stableUptime = 30 * time.Second

var (
	ErrNotRunning      = errors.New("mcp server is not running")
	ErrPayloadTooLarge = errors.New("mcp tool result exceeds payload limit")
	ErrUnknownServer   = errors.New("unknown mcp server")
)

type serverState struct {
	cfg       *ServerConfig
	state     State
	client    *Client
	transport *StdioTransport
	tools     []*ToolInfo
	window    *ratelimit.SlidingWindow
	log       *ringLog
	failures  int
	// generation invalidates monitors of replaced processes.
	generation int

	startedAt   time.Time
	initLatency time.Duration
	lastErr     error
	lastCall    time.Time
	restarts    int
}

// ServerStatus is an observable snapshot of one server.
type ServerStatus struct {
	State       State
	ToolCount   int
	LastError   string
	InitLatency time.Duration
	LastCall    time.Time
	Restarts    int
}

// Supervisor owns the lifecycle of all configured tool servers and
// exposes their tools through the registry.
type Supervisor struct {
	version  string
	registry *tools.Registry
	gate     *tools.Gate

	mu      sync.RWMutex
	servers map[string]*serverState

	healthCancel context.CancelFunc
}

// NewSupervisor creates an empty supervisor. registry may be nil when
// tool registration is handled elsewhere (tests).
func NewSupervisor(version string, registry *tools.Registry) *Supervisor {
	return &Supervisor{
		version:  version,
		registry: registry,
		servers:  make(map[string]*serverState),
	}
}

// SetGate installs the approval gate that receives per-server and
// per-tool policy overrides when tools are registered.
func (s *Supervisor) SetGate(gate *tools.Gate) {
	s.gate = gate
}

// Configure installs server configs, stopping servers whose config
// disappeared and keeping running ones whose config is unchanged.
func (s *Supervisor) Configure(configs []*ServerConfig) {
	next := make(map[string]*ServerConfig, len(configs))
	for _, cfg := range configs {
		next[cfg.ID] = cfg
	}

	s.mu.Lock()
	var toStop []string
	for id := range s.servers {
		if _, ok := next[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	for id, cfg := range next {
		if st, ok := s.servers[id]; ok {
			st.cfg = cfg
			continue
		}
		calls := cfg.CallsPerMinute
		if calls <= 0 {
			calls = DefaultCallsPerMinute
		}
		s.servers[id] = &serverState{
			cfg:    cfg,
			state:  StateStopped,
			window: ratelimit.NewSlidingWindow(calls, time.Minute),
			log:    newRingLog(cfg.LogBufferSize),
		}
	}
	s.mu.Unlock()

	for _, id := range toStop {
		logging.Info("mcp server removed from config", "server", id)
		s.Remove(id)
	}
}

// StartAll starts every enabled startup-autostart server concurrently.
// On-demand servers launch on their first call; never-autostart
// servers wait for an explicit Start.
func (s *Supervisor) StartAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.servers))
	for id, st := range s.servers {
		if st.cfg.IsEnabled() && st.state == StateStopped && startsAtBoot(st.cfg) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Start(ctx, id); err != nil {
				logging.Error("mcp server failed to start", "server", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func startsAtBoot(cfg *ServerConfig) bool {
	return cfg.Autostart == "" || cfg.Autostart == AutostartStartup
}

// Start launches one server and registers its tools.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	st, ok := s.servers[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	if st.state == StateRunning || st.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	cfg := st.cfg
	s.setStateLocked(st, id, StateStarting)
	gen := st.generation + 1
	st.generation = gen
	s.mu.Unlock()

	initStart := time.Now()
	transport, err := NewStdioTransport(cfg.Command, cfg.Args, cfg.Cwd, cfg.Env, st.log.Append)
	if err != nil {
		s.markFailure(id, gen, err)
		return err
	}
	client := NewClient(id, transport, cfg.CallTimeout())

	initCtx, cancelInit := context.WithTimeout(ctx, cfg.InitTimeout())
	defer cancelInit()

	if err := client.Initialize(initCtx, s.version); err != nil {
		client.Close()
		s.markFailure(id, gen, err)
		return err
	}
	toolList, err := client.ListTools(initCtx)
	if err != nil {
		client.Close()
		s.markFailure(id, gen, err)
		return err
	}

	s.mu.Lock()
	st.client = client
	st.transport = transport
	st.tools = toolList
	st.startedAt = time.Now()
	st.initLatency = time.Since(initStart)
	st.lastErr = nil
	s.setStateLocked(st, id, StateRunning)
	s.mu.Unlock()

	s.applyApprovalPolicy(cfg)
	s.registerTools(id, toolList)
	st.log.Appendf("started with %d tools in %s", len(toolList), time.Since(initStart).Round(time.Millisecond))

	go s.monitor(id, gen, transport)
	return nil
}

// monitor waits for the process to exit and drives the restart
// schedule.
func (s *Supervisor) monitor(id string, gen int, transport *StdioTransport) {
	<-transport.Exited()

	s.mu.Lock()
	st, ok := s.servers[id]
	if !ok || st.generation != gen || st.state == StateStopped {
		// Replaced or intentionally stopped.
		s.mu.Unlock()
		return
	}
	st.failures = failureCountAfterExit(st.failures, time.Since(st.startedAt))
	failures := st.failures
	exitErr := transport.ExitError()
	st.lastErr = exitErr
	st.restarts++
	if failures > maxConsecutiveFailures {
		s.setStateLocked(st, id, StateFailed)
		s.mu.Unlock()
		s.unregisterTools(id)
		st.log.Appendf("gave up after %d consecutive failures", failures-1)
		logging.Error("mcp server failed permanently", "server", id, "failures", failures-1)
		return
	}
	s.setStateLocked(st, id, StateRestarting)
	s.mu.Unlock()

	s.unregisterTools(id)
	delay := restartBackoff[min(failures-1, len(restartBackoff)-1)]
	st.log.Appendf("exited unexpectedly (%v), restarting in %s", exitErr, delay)
	logging.Warn("mcp server exited, restarting", "server", id, "error", exitErr, "delay", delay, "attempt", failures)
	time.Sleep(delay)

	s.mu.Lock()
	if st.generation != gen || st.state != StateRestarting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(st, id, StateStopped)
	s.mu.Unlock()

	if err := s.Start(context.Background(), id); err != nil {
		logging.Error("mcp server restart failed", "server", id, "error", err)
	}
}

// failureCountAfterExit advances the crash streak. A server that
// stayed up past stableUptime starts a fresh streak at 1 instead of
// extending the old one.
func failureCountAfterExit(prev int, uptime time.Duration) int {
	if uptime >= stableUptime {
		return 1
	}
	return prev + 1
}

func (s *Supervisor) markFailure(id string, gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.servers[id]
	if !ok || st.generation != gen {
		return
	}
	st.failures++
	st.lastErr = err
	if st.failures > maxConsecutiveFailures {
		s.setStateLocked(st, id, StateFailed)
	} else {
		s.setStateLocked(st, id, StateStopped)
	}
	st.log.Appendf("start failed: %v", err)
}

// setStateLocked transitions state with a log line; callers hold mu.
func (s *Supervisor) setStateLocked(st *serverState, id string, next State) {
	if st.state == next {
		return
	}
	logging.Info("mcp server state", "server", id, "from", st.state, "to", next)
	st.state = next
}

// Stop shuts a server down intentionally; no restart follows.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	st, ok := s.servers[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	client := st.client
	st.client = nil
	st.transport = nil
	st.tools = nil
	st.generation++
	s.setStateLocked(st, id, StateStopped)
	s.mu.Unlock()

	s.unregisterTools(id)
	if client != nil {
		st.log.Append("stopped")
		return client.Close()
	}
	return nil
}

// Remove stops a server and forgets it entirely.
func (s *Supervisor) Remove(id string) {
	s.Stop(id)
	s.mu.Lock()
	delete(s.servers, id)
	s.mu.Unlock()
}

// Restart resets the failure counter and cycles the server.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	if err := s.Stop(id); err != nil {
		return err
	}
	s.mu.Lock()
	if st, ok := s.servers[id]; ok {
		st.failures = 0
	}
	s.mu.Unlock()
	return s.Start(ctx, id)
}

// StopAll shuts every server down.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.Stop(id)
	}
	if s.healthCancel != nil {
		s.healthCancel()
	}
}

// CallTool invokes a tool on a running server, enforcing the
// per-server call window, the per-call deadline, and the payload cap.
// On-demand servers are launched on their first call.
func (s *Supervisor) CallTool(ctx context.Context, serverID, tool string, args map[string]any) (*CallToolResult, error) {
	s.mu.RLock()
	st, ok := s.servers[serverID]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if st.state == StateStopped && st.cfg.Autostart == AutostartOnDemand && st.cfg.IsEnabled() {
		s.mu.RUnlock()
		if err := s.Start(ctx, serverID); err != nil {
			return nil, err
		}
		s.mu.RLock()
	}
	if st.state != StateRunning || st.client == nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotRunning, serverID, st.state)
	}
	client := st.client
	window := st.window
	cfg := st.cfg
	s.mu.RUnlock()

	if err := admit(ctx, window); err != nil {
		return nil, err
	}

	s.mu.Lock()
	st.lastCall = time.Now()
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout())
	defer cancel()

	start := time.Now()
	result, err := client.CallTool(callCtx, tool, args)
	if err != nil {
		st.log.Appendf("call %s failed after %s: %v", tool, time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}

	limit := cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}
	if size := resultSize(result); size > limit {
		st.log.Appendf("call %s returned %d bytes, over the %d limit", tool, size, limit)
		return nil, fmt.Errorf("%w: %d bytes from %s:%s", ErrPayloadTooLarge, size, serverID, tool)
	}
	st.log.Appendf("call %s ok in %s", tool, time.Since(start).Round(time.Millisecond))
	return result, nil
}

// admit blocks until the sliding window accepts the call.
func admit(ctx context.Context, window *ratelimit.SlidingWindow) error {
	for {
		if window.TryAdmit() {
			return nil
		}
		wait := window.NextAdmitIn()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// resultSize totals the content payload of a tool result.
func resultSize(result *CallToolResult) int64 {
	var size int64
	for _, block := range result.Content {
		size += int64(len(block.Text)) + int64(len(block.Data))
	}
	return size
}

// Tools returns every running server's tools keyed by server id.
func (s *Supervisor) Tools() map[string][]*ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]*ToolInfo)
	for id, st := range s.servers {
		if st.state == StateRunning && len(st.tools) > 0 {
			out[id] = append([]*ToolInfo(nil), st.tools...)
		}
	}
	return out
}

// States returns a snapshot of every server's lifecycle state.
func (s *Supervisor) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.servers))
	for id, st := range s.servers {
		out[id] = st.state
	}
	return out
}

// Statuses returns the full observable snapshot of every server.
func (s *Supervisor) Statuses() map[string]ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ServerStatus, len(s.servers))
	for id, st := range s.servers {
		status := ServerStatus{
			State:       st.state,
			ToolCount:   len(st.tools),
			InitLatency: st.initLatency,
			LastCall:    st.lastCall,
			Restarts:    st.restarts,
		}
		if st.lastErr != nil {
			status.LastError = st.lastErr.Error()
		}
		out[id] = status
	}
	return out
}

// Logs returns the retained log lines for a server.
func (s *Supervisor) Logs(id string) ([]LogEntry, error) {
	s.mu.RLock()
	st, ok := s.servers[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	return st.log.Snapshot(), nil
}

// StartHealthLoop pings running servers on an interval; a dead server
// is detected by its process exit, this catches hung ones.
func (s *Supervisor) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, s.healthCancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pingAll(ctx)
			}
		}
	}()
}

func (s *Supervisor) pingAll(ctx context.Context) {
	s.mu.RLock()
	clients := make(map[string]*Client)
	for id, st := range s.servers {
		if st.state == StateRunning && st.client != nil {
			clients[id] = st.client
		}
	}
	s.mu.RUnlock()

	for id, client := range clients {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			logging.Warn("mcp server ping failed", "server", id, "error", err)
			if err := s.Restart(ctx, id); err != nil {
				logging.Error("mcp server restart after failed ping", "server", id, "error", err)
			}
		}
	}
}

// applyApprovalPolicy pushes the server's approval overrides into the
// gate before its tools become callable.
func (s *Supervisor) applyApprovalPolicy(cfg *ServerConfig) {
	if s.gate == nil {
		return
	}
	if cfg.ApprovalPolicy != "" {
		s.gate.SetServerPolicy(cfg.ID, tools.Policy(cfg.ApprovalPolicy))
	}
	for tool, policy := range cfg.ToolApproval {
		if policy != "" {
			s.gate.SetToolPolicy(FormatSafeID(cfg.ID, tool), tools.Policy(policy))
		}
	}
}

// registerTools publishes a server's tools under their safe ids.
func (s *Supervisor) registerTools(id string, toolList []*ToolInfo) {
	if s.registry == nil {
		return
	}
	for _, info := range toolList {
		if err := s.registry.Register(NewServerTool(s, id, info)); err != nil {
			logging.Warn("mcp tool not registered", "server", id, "tool", info.Name, "error", err)
		}
	}
}

// unregisterTools removes everything the server contributed.
func (s *Supervisor) unregisterTools(id string) {
	if s.registry == nil {
		return
	}
	removed := s.registry.RemovePrefix(safeIDPrefix(id))
	if removed > 0 {
		logging.Debug("mcp tools unregistered", "server", id, "count", removed)
	}
}
