package catalog

// bakedSnapshot is the minimal catalog used when the remote is unreachable
// and nothing is cached. Enough to size budgets for the common models.
func bakedSnapshot() map[string]wireProvider {
	mk := func(id, name string, ctx, out int, reasoning, toolCall bool) wireModel {
		var wm wireModel
		wm.ID = id
		wm.Name = name
		wm.Limit.Context = ctx
		wm.Limit.Output = out
		wm.Reasoning = reasoning
		wm.ToolCall = toolCall
		return wm
	}

	return map[string]wireProvider{
		"anthropic": {
			ID: "anthropic",
			Models: map[string]wireModel{
				"claude-sonnet-4-5": mk("claude-sonnet-4-5", "Claude Sonnet 4.5", 200000, 64000, true, true),
				"claude-haiku-4-5":   mk("claude-haiku-4-5", "Claude Haiku 4.5", 200000, 64000, true, true),
				"claude-opus-4-1":    mk("claude-opus-4-1", "Claude Opus 4.1", 200000, 32000, true, true),
				"claude-3-5-sonnet": mk("claude-3-5-sonnet", "Claude 3.5 Sonnet", 200000, 8192, false, true),
			},
		},
		"google": {
			ID: "google",
			Models: map[string]wireModel{
				"gemini-2.5-pro":   mk("gemini-2.5-pro", "Gemini 2.5 Pro", 1048576, 65536, true, true),
				"gemini-2.5-flash": mk("gemini-2.5-flash", "Gemini 2.5 Flash", 1048576, 65536, true, true),
			},
		},
		"openai": {
			ID: "openai",
			Models: map[string]wireModel{
				"gpt-4o":      mk("gpt-4o", "GPT-4o", 128000, 16384, false, true),
				"gpt-4o-mini": mk("gpt-4o-mini", "GPT-4o mini", 128000, 16384, false, true),
				"gpt-5":       mk("gpt-5", "GPT-5", 272000, 128000, true, true),
				"o3":          mk("o3", "o3", 200000, 100000, true, true),
			},
		},
		"ollama": {
			ID: "ollama",
			Models: map[string]wireModel{
				"llama3.2": mk("llama3.2", "Llama 3.2", 8192, 4096, false, false),
				"qwen3":    mk("qwen3", "Qwen 3", 32768, 8192, true, true),
				"gpt-oss": mk("gpt-oss", "GPT-OSS", 131072, 32768, true, true),
			},
		},
	}
}
