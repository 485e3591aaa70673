package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"rove/internal/logging"
)

const (
	// DefaultMaxPayloadBytes caps a single tool result.
	DefaultMaxPayloadBytes = 5 * 1024 * 1024

	// DefaultCallsPerMinute is the per-server admission window.
	DefaultCallsPerMinute = 60

	// DefaultInitTimeout bounds the initialize handshake plus tool
	// listing of a freshly spawned server.
	DefaultInitTimeout = 30 * time.Second

	// DefaultCallTimeout bounds a single tool-call exchange.
	DefaultCallTimeout = 30 * time.Second

	// DefaultLogBufferSize is how many log lines a server retains.
	DefaultLogBufferSize = 200
)

// Autostart decides when the supervisor launches a server.
type Autostart string

const (
	// AutostartStartup launches the server when the supervisor starts.
	AutostartStartup Autostart = "startup"
	// AutostartOnDemand launches the server on its first tool call.
	AutostartOnDemand Autostart = "on-demand"
	// AutostartNever leaves launching to an explicit start command.
	AutostartNever Autostart = "never"
)

// serverIDPattern constrains server ids so they embed cleanly into
// tool names and file paths.
var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// approvalPolicies are the values accepted for approvalPolicy fields.
var approvalPolicies = map[string]bool{
	"":                true,
	"always":          true,
	"once-per-tool":   true,
	"once-per-server": true,
	"never":           true,
}

// ServerConfig describes one external tool server.
type ServerConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Command string `json:"command"`

	Args []string          `json:"args,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`

	Enabled   *bool     `json:"enabled,omitempty"`
	Autostart Autostart `json:"autostart,omitempty"`

	InitTimeoutMS int `json:"initTimeoutMs,omitempty"`
	CallTimeoutMS int `json:"callTimeoutMs,omitempty"`

	MaxPayloadBytes int64 `json:"maxPayloadBytes,omitempty"`
	CallsPerMinute  int   `json:"callsPerMinute,omitempty"`
	LogBufferSize   int   `json:"logBufferSize,omitempty"`

	// ApprovalPolicy overrides the global tool approval policy for
	// this server's tools; ToolApproval pins individual tools by
	// their remote name.
	ApprovalPolicy string            `json:"approvalPolicy,omitempty"`
	ToolApproval   map[string]string `json:"toolApproval,omitempty"`
}

// DisplayName returns the human-facing name, falling back to the id.
func (c *ServerConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// InitTimeout returns the handshake deadline.
func (c *ServerConfig) InitTimeout() time.Duration {
	if c.InitTimeoutMS > 0 {
		return time.Duration(c.InitTimeoutMS) * time.Millisecond
	}
	return DefaultInitTimeout
}

// CallTimeout returns the per-exchange deadline.
func (c *ServerConfig) CallTimeout() time.Duration {
	if c.CallTimeoutMS > 0 {
		return time.Duration(c.CallTimeoutMS) * time.Millisecond
	}
	return DefaultCallTimeout
}

// IsEnabled defaults to true when the field is absent.
func (c *ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate rejects configs that cannot be run safely.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if !serverIDPattern.MatchString(c.ID) {
		return fmt.Errorf("invalid server id %q: only letters, digits, underscore, hyphen", c.ID)
	}
	// "__" is the safe-id separator; an id containing it could not be
	// recovered from a tool name.
	if strings.Contains(c.ID, safeIDSeparator) {
		return fmt.Errorf("invalid server id %q: double underscore is reserved", c.ID)
	}
	if c.Command == "" {
		return fmt.Errorf("server %s: command is required", c.ID)
	}
	switch c.Autostart {
	case "", AutostartStartup, AutostartOnDemand, AutostartNever:
	default:
		return fmt.Errorf("server %s: invalid autostart %q", c.ID, c.Autostart)
	}
	if !approvalPolicies[c.ApprovalPolicy] {
		return fmt.Errorf("server %s: invalid approval policy %q", c.ID, c.ApprovalPolicy)
	}
	for tool, policy := range c.ToolApproval {
		if !approvalPolicies[policy] {
			return fmt.Errorf("server %s: invalid approval policy %q for tool %s", c.ID, policy, tool)
		}
	}
	return nil
}

// applyDefaults fills zero-valued limits.
func (c *ServerConfig) applyDefaults() {
	if c.Autostart == "" {
		c.Autostart = AutostartStartup
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.CallsPerMinute <= 0 {
		c.CallsPerMinute = DefaultCallsPerMinute
	}
	if c.LogBufferSize <= 0 {
		c.LogBufferSize = DefaultLogBufferSize
	}
}

// aggregateFile is the shape of an mcp.json holding several servers.
type aggregateFile struct {
	Servers map[string]*ServerConfig `json:"servers"`
}

// LoadConfigs reads server configs from <dir>/mcp/<id>.json files plus
// an optional <dir>/mcp.json aggregate. Invalid entries are skipped
// with a log line rather than failing the whole load.
func LoadConfigs(dir string) ([]*ServerConfig, error) {
	var configs []*ServerConfig
	seen := map[string]bool{}

	add := func(cfg *ServerConfig, source string) {
		cfg.applyDefaults()
		if err := cfg.Validate(); err != nil {
			logging.Warn("skipping invalid MCP config", "source", source, "error", err)
			return
		}
		if seen[cfg.ID] {
			logging.Warn("duplicate MCP server id", "id", cfg.ID, "source", source)
			return
		}
		seen[cfg.ID] = true
		configs = append(configs, cfg)
	}

	serverDir := filepath.Join(dir, "mcp")
	entries, err := os.ReadDir(serverDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", serverDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(serverDir, entry.Name())
		cfg, err := readConfigFile(path)
		if err != nil {
			logging.Warn("unreadable MCP config", "path", path, "error", err)
			continue
		}
		if cfg.ID == "" {
			cfg.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		add(cfg, path)
	}

	aggregate := filepath.Join(dir, "mcp.json")
	if data, err := os.ReadFile(aggregate); err == nil {
		var file aggregateFile
		if err := json.Unmarshal(data, &file); err != nil {
			logging.Warn("unreadable MCP aggregate config", "path", aggregate, "error", err)
		} else {
			for id, cfg := range file.Servers {
				if cfg == nil {
					continue
				}
				if cfg.ID == "" {
					cfg.ID = id
				}
				add(cfg, aggregate)
			}
		}
	}

	return configs, nil
}

func readConfigFile(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
