package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads the config file if present and applies environment
// overrides on top of defaults.
func Load() (*Config, error) {
	cfg := Default()

	path := Path()
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	loadFromEnv(cfg)
	return cfg, nil
}

// Dir returns the engine's config directory, ~/.rove by default.
func Dir() string {
	if dir := os.Getenv("ROVE_CONFIG_DIR"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".rove")
}

// Path returns the config file location.
func Path() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Allow ${VAR} references for keys kept out of the file.
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// loadFromEnv overrides provider credentials from the environment.
func loadFromEnv(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = map[string]Provider{}
	}
	for name, envVar := range map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GEMINI_API_KEY",
		"ollama":    "OLLAMA_API_KEY",
	} {
		key := os.Getenv(envVar)
		if key == "" {
			continue
		}
		p := cfg.Providers[name]
		if p.APIKey == "" {
			p.APIKey = key
		}
		cfg.Providers[name] = p
	}
	if model := os.Getenv("ROVE_MODEL"); model != "" {
		cfg.Model.Name = model
	}
	if level := os.Getenv("ROVE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Save writes the config with owner-only permissions; provider keys
// may be present.
func (c *Config) Save() error {
	path := Path()
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate checks settings that would fail deep inside the engine.
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	switch c.Tools.ApprovalPolicy {
	case "", "always", "once-per-tool", "once-per-server", "never":
	default:
		return fmt.Errorf("unknown tools.approval_policy %q", c.Tools.ApprovalPolicy)
	}
	return nil
}
