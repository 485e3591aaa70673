package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rove/internal/logging"
)

// Client speaks the MCP protocol over a transport, demultiplexing
// responses to concurrent callers.
type Client struct {
	transport Transport
	serverID  string
	timeout   time.Duration

	mu          sync.RWMutex
	initialized bool
	serverInfo  *ServerInfo

	nextID    int64
	pendingMu sync.Mutex
	pending   map[int64]chan *JSONRPCMessage

	done chan struct{}
}

// NewClient wraps a transport and starts the receive loop.
func NewClient(serverID string, transport Transport, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := &Client{
		transport: transport,
		serverID:  serverID,
		timeout:   timeout,
		pending:   make(map[int64]chan *JSONRPCMessage),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

func (c *Client) receiveLoop() {
	defer close(c.done)
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			c.failPending(err)
			return
		}
		c.handleMessage(msg)
	}
}

// failPending unblocks every in-flight request when the transport
// dies.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- &JSONRPCMessage{ID: float64(id), Error: &Error{Code: -32000, Message: err.Error()}}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) handleMessage(msg *JSONRPCMessage) {
	if !msg.IsResponse() {
		if msg.IsNotification() {
			logging.Debug("mcp notification", "server", c.serverID, "method", msg.Method)
		}
		return
	}
	id, ok := msg.ID.(float64)
	if !ok {
		logging.Warn("mcp response with non-numeric id", "server", c.serverID, "id", msg.ID)
		return
	}
	c.pendingMu.Lock()
	ch, exists := c.pending[int64(id)]
	if exists {
		delete(c.pending, int64(id))
	}
	c.pendingMu.Unlock()
	if !exists {
		logging.Warn("mcp response for unknown request", "server", c.serverID, "id", id)
		return
	}
	ch <- msg
}

func (c *Client) request(ctx context.Context, method string, params any) (*JSONRPCMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	respCh := make(chan *JSONRPCMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.transport.Send(&JSONRPCMessage{ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("%s timed out after %v", method, c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string, params any) error {
	return c.transport.Send(&JSONRPCMessage{Method: method, Params: params})
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	resp, err := c.request(ctx, MethodInitialize, &InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      &ClientInfo{Name: "rove", Version: version},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return fmt.Errorf("initialize result: %w", err)
	}
	c.serverInfo = result.ServerInfo

	if err := c.notify(MethodInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	c.initialized = true

	name := ""
	if result.ServerInfo != nil {
		name = result.ServerInfo.Name
	}
	logging.Info("mcp server initialized", "server", c.serverID, "name", name, "protocol", result.ProtocolVersion)
	return nil
}

// ListTools fetches the server's tool declarations.
func (c *Client) ListTools(ctx context.Context) ([]*ToolInfo, error) {
	resp, err := c.request(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var result ListToolsResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool by its server-side name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	resp, err := c.request(ctx, MethodToolsCall, &CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var result CallToolResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, MethodPing, nil)
	return err
}

// ServerInfo returns the handshake identity, nil before Initialize.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Close shuts the transport and waits for the receive loop.
func (c *Client) Close() error {
	err := c.transport.Close()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	return err
}

// decodeResult re-marshals an any-typed result into its struct.
func decodeResult(result any, out any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
