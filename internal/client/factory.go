package client

import (
	"context"
	"fmt"
	"strings"

	"rove/internal/catalog"
	"rove/internal/config"
)

// New builds the adapter for a provider config. An empty provider ID
// is auto-detected from the model name.
func New(ctx context.Context, cfg config.Provider, model string, cat *catalog.Client) (Adapter, error) {
	id := cfg.ID
	if id == "" {
		id = DetectProvider(model)
	}

	switch id {
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.BaseURL), nil

	case "google", "gemini":
		return NewGemini(ctx, cfg.APIKey)

	case "openai":
		native := false
		if cat != nil {
			if m, err := cat.Get(ctx, "openai", model); err == nil && m != nil {
				native = m.Reasoning
			}
		}
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, WithNativeReasoning(native)), nil

	case "openai-oauth":
		if cfg.AuthFile == "" {
			return nil, fmt.Errorf("provider %s needs an auth file for token storage", id)
		}
		return NewOAuth(cfg.BaseURL, cfg.TokenURL, cfg.ClientID, &FileTokenStore{Path: cfg.AuthFile}), nil

	case "ollama":
		return NewOllama(cfg.BaseURL, cfg.APIKey)

	default:
		// Unknown providers with a base URL are treated as
		// OpenAI-compatible gateways.
		if cfg.BaseURL != "" {
			return NewOpenAI(cfg.APIKey, cfg.BaseURL, WithProviderName(id)), nil
		}
		return nil, fmt.Errorf("unknown provider %q", id)
	}
}

// DetectProvider guesses the provider from a model name.
func DetectProvider(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gemini"):
		return "google"
	case strings.HasPrefix(lower, "gpt-oss"):
		return "ollama"
	case strings.HasPrefix(lower, "gpt"), isOSeriesModel(lower):
		return "openai"
	case strings.Contains(lower, ":"), isKnownLocalFamily(lower):
		return "ollama"
	default:
		return "openai"
	}
}

// isOSeriesModel matches o1/o3/o4-style reasoning model names.
func isOSeriesModel(model string) bool {
	if len(model) < 2 || model[0] != 'o' {
		return false
	}
	if model[1] < '0' || model[1] > '9' {
		return false
	}
	return len(model) == 2 || model[2] == '-' || model[2] == '.'
}

func isKnownLocalFamily(model string) bool {
	base := model
	if idx := strings.Index(base, ":"); idx > 0 {
		base = base[:idx]
	}
	for prefix := range knownModelProfiles {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}
