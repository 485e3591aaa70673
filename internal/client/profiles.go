package client

import "strings"

// ModelProfile carries capability metadata for a local model family.
type ModelProfile struct {
	Family        string
	ContextWindow int
	SupportsTools bool // native tool calling
	Reasoning     bool // emits a native thinking channel
	IsSmall       bool // under 13B parameters
}

// knownModelProfiles maps model name prefixes to their profiles.
var knownModelProfiles = map[string]ModelProfile{
	"llama3.2": {Family: "llama", ContextWindow: 128000, SupportsTools: true, IsSmall: true},
	"llama3.1": {Family: "llama", ContextWindow: 128000, SupportsTools: true},
	"llama3":   {Family: "llama", ContextWindow: 8192, SupportsTools: true},
	"llama2":   {Family: "llama", ContextWindow: 4096},

	"qwen3-coder": {Family: "qwen", ContextWindow: 262144, SupportsTools: true},
	"qwen3":       {Family: "qwen", ContextWindow: 40960, SupportsTools: true, Reasoning: true},
	"qwen2.5":     {Family: "qwen", ContextWindow: 32768, SupportsTools: true},
	"qwen":        {Family: "qwen", ContextWindow: 8192},

	"mistral-nemo": {Family: "mistral", ContextWindow: 128000, SupportsTools: true},
	"mistral":      {Family: "mistral", ContextWindow: 32768, SupportsTools: true},
	"mixtral":      {Family: "mistral", ContextWindow: 32768, SupportsTools: true},

	"deepseek-r1":    {Family: "deepseek", ContextWindow: 65536, Reasoning: true},
	"deepseek-coder": {Family: "deepseek", ContextWindow: 16384},

	"gpt-oss": {Family: "gpt-oss", ContextWindow: 131072, SupportsTools: true, Reasoning: true},

	"phi4": {Family: "phi", ContextWindow: 16384, SupportsTools: true, IsSmall: true},
	"phi3": {Family: "phi", ContextWindow: 4096, IsSmall: true},

	"codellama": {Family: "codellama", ContextWindow: 16384},
	"gemma3":    {Family: "gemma", ContextWindow: 131072, IsSmall: true},
	"gemma2":    {Family: "gemma", ContextWindow: 8192, IsSmall: true},
	"gemma":     {Family: "gemma", ContextWindow: 8192, IsSmall: true},

	"command-r-plus": {Family: "command-r", ContextWindow: 128000, SupportsTools: true},
	"command-r":      {Family: "command-r", ContextWindow: 128000, SupportsTools: true},
}

// GetModelProfile returns the profile for a model name using
// longest-prefix matching on the base name (tag stripped).
func GetModelProfile(modelName string) ModelProfile {
	lower := strings.ToLower(modelName)
	baseName := lower
	if idx := strings.Index(lower, ":"); idx > 0 {
		baseName = lower[:idx]
	}

	if profile, ok := knownModelProfiles[baseName]; ok {
		profile.IsSmall = profile.IsSmall || isSmallByTag(lower)
		return profile
	}

	bestMatch := ""
	for prefix := range knownModelProfiles {
		if strings.HasPrefix(baseName, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
		}
	}
	if bestMatch != "" {
		profile := knownModelProfiles[bestMatch]
		profile.IsSmall = profile.IsSmall || isSmallByTag(lower)
		return profile
	}

	return ModelProfile{
		Family:        "unknown",
		ContextWindow: 4096,
		IsSmall:       true,
	}
}

// isSmallByTag checks if the model tag indicates a small model (<13B).
func isSmallByTag(modelName string) bool {
	for _, tag := range []string{
		":1b", ":3b", ":7b", ":8b", ":9b", ":11b", ":12b",
		"-1b", "-3b", "-7b", "-8b", "-9b", "-11b", "-12b",
	} {
		if strings.Contains(modelName, tag) {
			return true
		}
	}
	return false
}

// fallbackToolNote is appended to the system prompt for models without
// native tool calling so they can still request actions in text.
const fallbackToolNote = "\n\nYou cannot call tools directly. When you need a tool, " +
	"respond with a single line of the form TOOL: <name> <json-args> and wait for the result."
