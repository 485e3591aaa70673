package tools

import (
	"context"
	"strings"
	"sync"
)

// Policy controls how often the user is prompted before a tool runs.
type Policy string

const (
	// PolicyAlways prompts on every call.
	PolicyAlways Policy = "always"
	// PolicyOncePerTool prompts once per tool name and caches the decision.
	PolicyOncePerTool Policy = "once-per-tool"
	// PolicyOncePerServer prompts once per MCP server and caches the decision
	// for every tool that server exposes. Non-MCP tools fall back to
	// per-tool caching.
	PolicyOncePerServer Policy = "once-per-server"
	// PolicyNever never prompts: only allowlisted tools may run.
	PolicyNever Policy = "never"
)

// Approver asks the user to approve a tool call. Implementations prompt on
// the CLI; tests supply a canned answer.
type Approver func(ctx context.Context, toolName string, args map[string]any) bool

// Gate enforces the approval policy in front of tool execution. Decision
// caches live for the session and are scoped by tool name or MCP server id.
type Gate struct {
	policy   Policy
	approver Approver

	mu           sync.Mutex
	byTool       map[string]bool
	byServer     map[string]bool
	allowlist    map[string]bool
	toolPolicy   map[string]Policy
	serverPolicy map[string]Policy
}

// NewGate creates a gate with the given policy. A nil approver denies
// everything the allowlist does not cover.
func NewGate(policy Policy, approver Approver) *Gate {
	return &Gate{
		policy:       policy,
		approver:     approver,
		byTool:       make(map[string]bool),
		byServer:     make(map[string]bool),
		allowlist:    make(map[string]bool),
		toolPolicy:   make(map[string]Policy),
		serverPolicy: make(map[string]Policy),
	}
}

// SetServerPolicy pins the policy applied to an MCP server's tools,
// overriding the gate-wide policy.
func (g *Gate) SetServerPolicy(server string, p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.serverPolicy[server] = p
}

// SetToolPolicy pins the policy for one tool name, winning over both
// the server and gate-wide policies.
func (g *Gate) SetToolPolicy(name string, p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.toolPolicy[name] = p
}

// policyForLocked resolves the effective policy for a tool name.
func (g *Gate) policyForLocked(toolName string) Policy {
	if p, ok := g.toolPolicy[toolName]; ok {
		return p
	}
	if server := mcpServerOf(toolName); server != "" {
		if p, ok := g.serverPolicy[server]; ok {
			return p
		}
	}
	return g.policy
}

// Allow pre-approves tool names regardless of policy.
func (g *Gate) Allow(names ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range names {
		g.allowlist[n] = true
	}
}

// Reset clears cached decisions, keeping the allowlist.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byTool = make(map[string]bool)
	g.byServer = make(map[string]bool)
}

// Check reports whether the call may proceed, prompting if the policy
// requires it.
func (g *Gate) Check(ctx context.Context, toolName string, args map[string]any) bool {
	g.mu.Lock()
	if g.allowlist[toolName] {
		g.mu.Unlock()
		return true
	}

	switch g.policyForLocked(toolName) {
	case PolicyNever:
		g.mu.Unlock()
		return false

	case PolicyAlways:
		g.mu.Unlock()
		return g.prompt(ctx, toolName, args)

	case PolicyOncePerServer:
		if server := mcpServerOf(toolName); server != "" {
			if decision, ok := g.byServer[server]; ok {
				g.mu.Unlock()
				return decision
			}
			g.mu.Unlock()
			decision := g.prompt(ctx, toolName, args)
			g.mu.Lock()
			g.byServer[server] = decision
			g.mu.Unlock()
			return decision
		}
		fallthrough

	default: // PolicyOncePerTool
		if decision, ok := g.byTool[toolName]; ok {
			g.mu.Unlock()
			return decision
		}
		g.mu.Unlock()
		decision := g.prompt(ctx, toolName, args)
		g.mu.Lock()
		g.byTool[toolName] = decision
		g.mu.Unlock()
		return decision
	}
}

func (g *Gate) prompt(ctx context.Context, toolName string, args map[string]any) bool {
	if g.approver == nil {
		return false
	}
	return g.approver(ctx, toolName, args)
}

// mcpServerOf extracts the server id from a safe MCP tool name
// (mcp__<server>__<tool>), or "" for non-MCP tools.
func mcpServerOf(toolName string) string {
	const prefix = "mcp__"
	if !strings.HasPrefix(toolName, prefix) {
		return ""
	}
	rest := toolName[len(prefix):]
	if i := strings.Index(rest, "__"); i > 0 {
		return rest[:i]
	}
	return ""
}
