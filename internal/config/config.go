package config

import "time"

// Config is the engine configuration, loaded from YAML with
// environment overrides.
type Config struct {
	Model     ModelConfig         `yaml:"model"`
	Providers map[string]Provider `yaml:"providers"`
	Agent     AgentConfig         `yaml:"agent"`
	Context   ContextConfig       `yaml:"context"`
	Tools     ToolsConfig         `yaml:"tools"`
	MCP       MCPConfig           `yaml:"mcp"`
	RateLimit RateLimitConfig     `yaml:"rate_limit"`
	Session   SessionConfig       `yaml:"session"`
	Catalog   CatalogConfig       `yaml:"catalog"`
	Logging   LoggingConfig       `yaml:"logging"`

	// Version is set at build time, never persisted.
	Version string `yaml:"-"`
}

// Provider holds the connection settings for one model provider.
type Provider struct {
	ID       string `yaml:"id,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
	TokenURL string `yaml:"token_url,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	AuthFile string `yaml:"auth_file,omitempty"`
}

// ModelConfig selects the active model.
type ModelConfig struct {
	Name            string  `yaml:"name"`
	Provider        string  `yaml:"provider,omitempty"`
	MaxTokens       int     `yaml:"max_tokens,omitempty"`
	Temperature     float64 `yaml:"temperature,omitempty"`
	ReasoningEffort string  `yaml:"reasoning_effort,omitempty"`
}

// AgentConfig tunes the execution loop.
type AgentConfig struct {
	MaxToolRounds    int  `yaml:"max_tool_rounds,omitempty"`
	ContinuationMax  int  `yaml:"continuation_max,omitempty"`
	ToolLedger       bool `yaml:"tool_ledger"`
	AutoContinuation bool `yaml:"auto_continuation"`
}

// ContextConfig tunes history compaction.
type ContextConfig struct {
	SmartCompaction bool `yaml:"smart_compaction"`
	MaxInputTokens  int  `yaml:"max_input_tokens,omitempty"`
}

// ToolsConfig controls tool approval and execution.
type ToolsConfig struct {
	ApprovalPolicy string        `yaml:"approval_policy,omitempty"` // always, once-per-tool, once-per-server, never
	Allowlist      []string      `yaml:"allowlist,omitempty"`
	CallTimeout    time.Duration `yaml:"call_timeout,omitempty"`
}

// MCPConfig controls external tool servers.
type MCPConfig struct {
	ConfigDir      string `yaml:"config_dir,omitempty"`
	MaxPayloadSize int64  `yaml:"max_payload_size,omitempty"`
	WatchConfig    bool   `yaml:"watch_config"`
}

// RateLimitConfig tunes request admission.
type RateLimitConfig struct {
	Burst        float64 `yaml:"burst,omitempty"`
	RefillRate   float64 `yaml:"refill_rate,omitempty"`
	WindowEvents int     `yaml:"window_events,omitempty"`
}

// SessionConfig controls conversation persistence.
type SessionConfig struct {
	Dir     string `yaml:"dir,omitempty"`
	Persist bool   `yaml:"persist"`
}

// CatalogConfig points at the model metadata source.
type CatalogConfig struct {
	URL string        `yaml:"url,omitempty"`
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// LoggingConfig controls the log sink.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  bool   `yaml:"file"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Name:      "claude-sonnet-4-5",
			MaxTokens: 8192,
		},
		Providers: map[string]Provider{},
		Agent: AgentConfig{
			ContinuationMax:  3,
			ToolLedger:       true,
			AutoContinuation: true,
		},
		Context: ContextConfig{
			SmartCompaction: true,
		},
		Tools: ToolsConfig{
			ApprovalPolicy: "once-per-tool",
			CallTimeout:    2 * time.Minute,
		},
		MCP: MCPConfig{
			WatchConfig: true,
		},
		Session: SessionConfig{
			Persist: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  true,
		},
	}
}

// ProviderFor resolves the provider entry for the configured model,
// falling back to an empty entry that the client factory fills by
// model-name detection.
func (c *Config) ProviderFor(name string) Provider {
	if p, ok := c.Providers[name]; ok {
		if p.ID == "" {
			p.ID = name
		}
		return p
	}
	return Provider{ID: name}
}
