package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rove/internal/agent"
	"rove/internal/catalog"
	"rove/internal/chat"
	"rove/internal/client"
	"rove/internal/config"
	contextpkg "rove/internal/context"
	"rove/internal/logging"
	"rove/internal/mcp"
	"rove/internal/memory"
	"rove/internal/ratelimit"
	"rove/internal/tools"
)

var (
	version = "0.1.0"

	flagModel    string
	flagEffort   string
	flagApproval string
	flagAllow    []string
	flagSession  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rove [prompt...]",
		Short: "Agent execution engine for LLM coding assistants",
		Long: `Rove runs a model/tool loop against Anthropic, OpenAI, Gemini, or
Ollama models, with MCP tool servers, rate-limit governance, and
automatic context compaction.`,
		Args: cobra.ArbitraryArgs,
		RunE: runPrompt,
	}

	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "model to use (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagEffort, "effort", "", "reasoning effort: low, medium, high")
	rootCmd.PersistentFlags().StringVar(&flagApproval, "approval", "", "tool approval policy: always, once-per-tool, once-per-server, never")
	rootCmd.PersistentFlags().StringSliceVar(&flagAllow, "allow", nil, "tool names approved without prompting")
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "", "session id to resume")

	rootCmd.AddCommand(runCmd(), modelsCmd(), mcpCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rove version %s\n", version)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run a single prompt through the agent loop",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPrompt,
	}
}

func runPrompt(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return cmd.Help()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Version = version
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg)
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := newCatalog(cfg)
	defer cat.Close()

	providerID := cfg.Model.Provider
	if providerID == "" {
		providerID = client.DetectProvider(cfg.Model.Name)
	}
	adapter, err := client.New(ctx, cfg.ProviderFor(providerID), cfg.Model.Name, cat)
	if err != nil {
		return fmt.Errorf("create %s client: %w", providerID, err)
	}

	registry := tools.NewRegistry()
	gate := tools.NewGate(tools.Policy(cfg.Tools.ApprovalPolicy), terminalApprover)
	gate.Allow(cfg.Tools.Allowlist...)
	gate.Allow(flagAllow...)
	dispatcher := tools.NewDispatcher(registry, gate)
	if cfg.Tools.CallTimeout > 0 {
		dispatcher.SetTimeout(cfg.Tools.CallTimeout)
	}

	supervisor, watcher := startServers(ctx, cfg, registry, gate)
	defer supervisor.StopAll()
	if watcher != nil {
		defer watcher.Close()
	}

	session := loadSession(cfg)
	limits := modelLimits(ctx, cfg, cat, providerID)

	ag, err := agent.New(agent.Config{
		Adapter:          adapter,
		Dispatcher:       dispatcher,
		Governor:         ratelimit.NewGovernorWith(cfg.RateLimit.Burst, cfg.RateLimit.RefillRate, cfg.RateLimit.WindowEvents),
		Memory:           memory.New(),
		Session:          session,
		Model:            cfg.Model.Name,
		Provider:         providerID,
		MaxTokens:        cfg.Model.MaxTokens,
		Temperature:      cfg.Model.Temperature,
		ReasoningEffort:  cfg.Model.ReasoningEffort,
		Limits:           limits,
		MaxToolRounds:    cfg.Agent.MaxToolRounds,
		ContinuationMax:  cfg.Agent.ContinuationMax,
		AutoContinuation: cfg.Agent.AutoContinuation,
		ToolLedger:       cfg.Agent.ToolLedger,
		SmartCompaction:  cfg.Context.SmartCompaction,
	})
	if err != nil {
		return err
	}

	ag.SetOnText(func(s string) { fmt.Print(s) })
	ag.SetOnToolActivity(func(name string, args map[string]any, status string) {
		if status == "start" {
			fmt.Fprintf(os.Stderr, "\n[%s] running...\n", name)
		} else {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", name, status)
		}
	})

	result, err := ag.SendMessage(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Fprintf(os.Stderr, "\n%d turns, %d in / %d out tokens, %s\n",
		result.Turns, result.Usage.InputTokens, result.Usage.OutputTokens,
		result.Duration.Round(10*time.Millisecond))

	if cfg.Session.Persist {
		if err := session.Save(sessionDir(cfg)); err != nil {
			logging.Warn("session not saved", "error", err)
		}
	}
	return nil
}

func applyFlags(cfg *config.Config) {
	if flagModel != "" {
		cfg.Model.Name = flagModel
		cfg.Model.Provider = ""
	}
	if flagEffort != "" {
		cfg.Model.ReasoningEffort = flagEffort
	}
	if flagApproval != "" {
		cfg.Tools.ApprovalPolicy = flagApproval
	}
}

func setupLogging(cfg *config.Config) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.File {
		if err := logging.EnableFileLogging(config.Dir(), level); err == nil {
			return
		}
	}
	logging.Configure(level, os.Stderr)
}

func newCatalog(cfg *config.Config) *catalog.Client {
	var opts []catalog.Option
	if cfg.Catalog.TTL > 0 {
		opts = append(opts, catalog.WithTTL(cfg.Catalog.TTL))
	}
	return catalog.New(cfg.Catalog.URL, opts...)
}

// startServers brings up the configured MCP servers and, when enabled,
// the config watcher that reconciles them on edit.
func startServers(ctx context.Context, cfg *config.Config, registry *tools.Registry, gate *tools.Gate) (*mcp.Supervisor, *mcp.ConfigWatcher) {
	dir := cfg.MCP.ConfigDir
	if dir == "" {
		dir = config.Dir()
	}
	supervisor := mcp.NewSupervisor(version, registry)
	supervisor.SetGate(gate)

	configs, err := mcp.LoadConfigs(dir)
	if err != nil {
		logging.Warn("mcp configs not loaded", "dir", dir, "error", err)
		return supervisor, nil
	}
	clampPayloads(configs, cfg.MCP.MaxPayloadSize)
	supervisor.Configure(configs)
	supervisor.StartAll(ctx)
	supervisor.StartHealthLoop(ctx, 0)

	if !cfg.MCP.WatchConfig {
		return supervisor, nil
	}
	watcher, err := mcp.NewConfigWatcher(dir, supervisor)
	if err != nil {
		logging.Warn("mcp config watcher not started", "error", err)
		return supervisor, nil
	}
	watcher.Start(ctx)
	return supervisor, watcher
}

// clampPayloads applies the global payload ceiling over per-server
// settings. Zero means no ceiling.
func clampPayloads(configs []*mcp.ServerConfig, ceiling int64) {
	if ceiling <= 0 {
		return
	}
	for _, sc := range configs {
		if sc.MaxPayloadBytes <= 0 || sc.MaxPayloadBytes > ceiling {
			sc.MaxPayloadBytes = ceiling
		}
	}
}

func loadSession(cfg *config.Config) *chat.Session {
	if flagSession == "" {
		return chat.NewSession()
	}
	session, err := chat.LoadSession(sessionDir(cfg), flagSession)
	if err != nil {
		logging.Warn("session not loaded, starting fresh", "id", flagSession, "error", err)
		return chat.NewSession()
	}
	return session
}

func sessionDir(cfg *config.Config) string {
	if cfg.Session.Dir != "" {
		return cfg.Session.Dir
	}
	return config.Dir()
}

func modelLimits(ctx context.Context, cfg *config.Config, cat *catalog.Client, providerID string) contextpkg.ModelLimits {
	limits := contextpkg.LimitsFor(cfg.Model.Name)
	if window := cat.ContextLimit(ctx, providerID, cfg.Model.Name); window > 0 {
		limits.MaxInputTokens = window
	}
	if cfg.Context.MaxInputTokens > 0 && cfg.Context.MaxInputTokens < limits.MaxInputTokens {
		limits.MaxInputTokens = cfg.Context.MaxInputTokens
	}
	return limits
}

// terminalApprover prompts on stderr and reads a y/N answer.
func terminalApprover(ctx context.Context, toolName string, args map[string]any) bool {
	fmt.Fprintf(os.Stderr, "\nAllow tool %q to run? [y/N] ", toolName)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models [provider]",
		Short: "List providers and models from the catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cat := newCatalog(cfg)
			defer cat.Close()
			ctx := cmd.Context()

			if len(args) == 1 {
				models, err := cat.Models(ctx, args[0])
				if err != nil {
					return err
				}
				for _, m := range models {
					fmt.Println(m)
				}
				return nil
			}

			providers, err := cat.Providers(ctx)
			if err != nil {
				return err
			}
			for _, p := range providers {
				fmt.Println(p)
			}
			return nil
		},
	}
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect configured MCP tool servers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir := cfg.MCP.ConfigDir
			if dir == "" {
				dir = config.Dir()
			}
			configs, err := mcp.LoadConfigs(dir)
			if err != nil {
				return err
			}
			if len(configs) == 0 {
				fmt.Println("no servers configured")
				return nil
			}
			for _, sc := range configs {
				state := "enabled"
				if !sc.IsEnabled() {
					state = "disabled"
				}
				fmt.Printf("%-20s %s %s %s\n", sc.ID, state, sc.Command, strings.Join(sc.Args, " "))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "tools <server>",
		Short: "Start a server and list its tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir := cfg.MCP.ConfigDir
			if dir == "" {
				dir = config.Dir()
			}
			configs, err := mcp.LoadConfigs(dir)
			if err != nil {
				return err
			}
			supervisor := mcp.NewSupervisor(version, nil)
			supervisor.Configure(configs)
			defer supervisor.StopAll()

			ctx := cmd.Context()
			if err := supervisor.Start(ctx, args[0]); err != nil {
				return err
			}
			for server, list := range supervisor.Tools() {
				for _, info := range list {
					fmt.Printf("%s\t%s\n", mcp.CanonicalID(server, info.Name), info.Description)
				}
			}
			return nil
		},
	})
	return cmd
}
