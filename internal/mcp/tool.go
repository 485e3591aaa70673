package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"rove/internal/tools"
)

// safeIDSeparator joins the server and tool parts of the exposed name.
// Provider function-name rules only allow [A-Za-z0-9_-], so the
// canonical "mcp:server:tool" form is kept for display only.
const safeIDSeparator = "__"

// FormatSafeID builds the registry name for a server tool, replacing
// characters providers reject.
func FormatSafeID(serverID, toolName string) string {
	return "mcp" + safeIDSeparator + serverID + safeIDSeparator + sanitizeToolName(toolName)
}

// ParseSafeID splits a registry name back into server and tool parts.
func ParseSafeID(safeID string) (serverID, toolName string, ok bool) {
	rest, found := strings.CutPrefix(safeID, "mcp"+safeIDSeparator)
	if !found {
		return "", "", false
	}
	serverID, toolName, found = strings.Cut(rest, safeIDSeparator)
	if !found || serverID == "" || toolName == "" {
		return "", "", false
	}
	return serverID, toolName, true
}

// CanonicalID is the human-readable form used in logs and approval
// prompts.
func CanonicalID(serverID, toolName string) string {
	return "mcp:" + serverID + ":" + toolName
}

func safeIDPrefix(serverID string) string {
	return "mcp" + safeIDSeparator + serverID + safeIDSeparator
}

// sanitizeToolName maps anything outside [A-Za-z0-9_-] to underscore.
func sanitizeToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ServerTool adapts one remote tool to the registry contract. Calls
// route through the supervisor so state checks, the call window, and
// the payload cap all apply.
type ServerTool struct {
	sup      *Supervisor
	serverID string
	// remoteName is the server's own name for the tool, which may
	// contain characters the safe id had to replace.
	remoteName string
	info       *ToolInfo
}

func NewServerTool(sup *Supervisor, serverID string, info *ToolInfo) *ServerTool {
	return &ServerTool{
		sup:        sup,
		serverID:   serverID,
		remoteName: info.Name,
		info:       info,
	}
}

func (t *ServerTool) Name() string {
	return FormatSafeID(t.serverID, t.remoteName)
}

func (t *ServerTool) Description() string {
	desc := t.info.Description
	if desc == "" {
		desc = "Tool provided by the " + t.serverID + " server"
	}
	return fmt.Sprintf("[%s] %s", CanonicalID(t.serverID, t.remoteName), desc)
}

func (t *ServerTool) Declaration() tools.Declaration {
	return tools.Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Schema:      convertSchema(t.info.InputSchema),
	}
}

func (t *ServerTool) Validate(args map[string]any) error {
	return tools.ValidateAgainst(t.Name(), convertSchema(t.info.InputSchema), args)
}

func (t *ServerTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	result, err := t.sup.CallTool(ctx, t.serverID, t.remoteName, args)
	if err != nil {
		return tools.NewErrorResult(err.Error()), nil
	}
	text := formatContentBlocks(result.Content)
	if result.IsError {
		return tools.NewErrorResult(text), nil
	}
	return tools.NewResult(text), nil
}

// convertSchema maps the wire schema onto the registry's subset. A
// missing or untyped root defaults to an object so providers accept
// the declaration.
func convertSchema(in *JSONSchema) *tools.Schema {
	out := convertSchemaNode(in)
	if out == nil {
		out = &tools.Schema{}
	}
	if out.Type == "" {
		out.Type = "object"
	}
	return out
}

func convertSchemaNode(in *JSONSchema) *tools.Schema {
	if in == nil {
		return nil
	}
	out := &tools.Schema{
		Type:        in.Type,
		Description: in.Description,
		Required:    in.Required,
		Enum:        in.Enum,
		Items:       convertSchemaNode(in.Items),
	}
	if len(in.Properties) > 0 {
		out.Properties = make(map[string]*tools.Schema, len(in.Properties))
		for name, prop := range in.Properties {
			out.Properties[name] = convertSchemaNode(prop)
		}
	}
	return out
}

// formatContentBlocks flattens a tool result into the single text
// payload the conversation carries. Binary blocks are summarized, not
// inlined.
func formatContentBlocks(blocks []ContentBlock) string {
	if len(blocks) == 0 {
		return "(no output)"
	}
	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "image":
			size := base64.StdEncoding.DecodedLen(len(block.Data))
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", block.MIMEType, size))
		case "resource":
			if block.Text != "" {
				parts = append(parts, block.Text)
			} else {
				parts = append(parts, fmt.Sprintf("[resource %s]", block.URI))
			}
		default:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
