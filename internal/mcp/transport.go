package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"rove/internal/logging"
)

// Transport moves JSON-RPC messages to and from a server.
type Transport interface {
	Send(msg *JSONRPCMessage) error
	// Receive returns io.EOF when the transport is closed.
	Receive() (*JSONRPCMessage, error)
	Close() error
}

// safeEnvVars is the whitelist of environment variables passed to
// server processes, so provider API keys never leak into them.
var safeEnvVars = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TERM",
	"LANG",
	"LC_ALL",
	"TMPDIR",
	"XDG_CONFIG_HOME",
	"XDG_DATA_HOME",
	"XDG_CACHE_HOME",
	"NODE_PATH",
	"NPM_CONFIG_PREFIX",
	"PYTHONPATH",
	"VIRTUAL_ENV",
}

func buildSafeEnv(extra map[string]string) []string {
	env := make([]string, 0, len(safeEnvVars)+len(extra))
	for _, key := range safeEnvVars {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}
	hasPath := false
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
			break
		}
	}
	if !hasPath {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	for k, v := range extra {
		// ${VAR} references resolve against the parent environment.
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// StdioTransport runs a server process and speaks newline-delimited
// JSON over its stdin/stdout.
type StdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	encoder *json.Encoder
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool

	stderrDone chan struct{}

	// exited is closed by the waiter goroutine when the process ends.
	exited   chan struct{}
	exitErr  error
	exitOnce sync.Once
}

// NewStdioTransport starts the server command in the given working
// directory (empty means inherit). stderrLine, when non-nil, receives
// each stderr line for the server's log buffer.
func NewStdioTransport(command string, args []string, cwd string, env map[string]string, stderrLine func(string)) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.Env = buildSafeEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start server: %w", err)
	}

	t := &StdioTransport{
		cmd:        cmd,
		stdin:      stdin,
		encoder:    json.NewEncoder(stdin),
		scanner:    bufio.NewScanner(stdout),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	const maxScannerBuffer = 1024 * 1024
	t.scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)

	go t.drainStderr(stderr, stderrLine)

	logging.Debug("stdio transport started", "command", command, "pid", cmd.Process.Pid)
	return t, nil
}

func (t *StdioTransport) drainStderr(stderr io.Reader, sink func(string)) {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		logging.Debug("mcp server stderr", "line", line)
		if sink != nil {
			sink(line)
		}
	}
}

// Exited returns a channel closed when the server process ends; the
// wait must be armed exactly once by the owner.
func (t *StdioTransport) Exited() <-chan struct{} {
	t.exitOnce.Do(func() {
		go func() {
			t.exitErr = t.cmd.Wait()
			close(t.exited)
		}()
	})
	return t.exited
}

// ExitError reports why the process ended, once Exited is closed.
func (t *StdioTransport) ExitError() error {
	return t.exitErr
}

func (t *StdioTransport) Send(msg *JSONRPCMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport is closed")
	}
	msg.JSONRPC = "2.0"
	if err := t.encoder.Encode(msg); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return nil
}

func (t *StdioTransport) Receive() (*JSONRPCMessage, error) {
	for {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil, io.EOF
		}

		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read server stdout: %w", err)
			}
			return nil, io.EOF
		}
		line := t.scanner.Text()
		if line == "" {
			continue
		}
		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("parse JSON-RPC message: %w", err)
		}
		return &msg, nil
	}
}

// Close signals the server with stdin EOF, waits up to 5s, then kills.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.stdin != nil {
		t.stdin.Close()
	}

	select {
	case <-t.stderrDone:
	case <-time.After(time.Second):
	}

	select {
	case <-t.Exited():
		logging.Debug("mcp server exited")
	case <-time.After(5 * time.Second):
		logging.Warn("mcp server not exiting, killing", "pid", t.cmd.Process.Pid)
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
		<-t.Exited()
	}
	return nil
}
