package tools

import (
	"context"
	"fmt"
)

// Tool is the uniform contract every dispatchable tool implements, whether
// built in by the host application or bridged from an MCP server.
type Tool interface {
	// Name returns the unique tool name exposed to the model.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Declaration returns the callable declaration with its input schema.
	Declaration() Declaration

	// Validate checks arguments against the input schema before execution.
	Validate(args map[string]any) error

	// Execute runs the tool. Tool failures are reported inside Result so the
	// model can react; the error return is for infrastructure failures only.
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Declaration describes a callable tool in a provider-neutral form.
// Adapters convert it to each vendor's function-calling format.
type Declaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Schema      *Schema `json:"schema,omitempty"`
}

// Schema is the JSON-schema subset tools use for their parameters.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Result is the outcome of a tool execution.
type Result struct {
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// NewResult creates a successful result.
func NewResult(content string) Result {
	return Result{Content: content}
}

// NewErrorResult creates a failed result. The message is surfaced to the
// model verbatim.
func NewErrorResult(msg string) Result {
	return Result{Content: "Error: " + msg, Error: msg, IsError: true}
}

// ValidationError reports a bad argument for a tool call.
type ValidationError struct {
	Tool  string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Msg)
	}
	return fmt.Sprintf("%s: argument %q: %s", e.Tool, e.Field, e.Msg)
}

// ValidateAgainst checks args against a schema: required fields present,
// declared property types respected. Unknown arguments pass through; models
// regularly send extras and tools ignore them.
func ValidateAgainst(toolName string, schema *Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}

	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return &ValidationError{Tool: toolName, Field: req, Msg: "required argument missing"}
		}
	}

	for name, prop := range schema.Properties {
		val, ok := args[name]
		if !ok || val == nil || prop == nil {
			continue
		}
		if !typeMatches(prop.Type, val) {
			return &ValidationError{
				Tool:  toolName,
				Field: name,
				Msg:   fmt.Sprintf("expected %s, got %T", prop.Type, val),
			}
		}
	}

	return nil
}

func typeMatches(schemaType string, val any) bool {
	switch schemaType {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "":
		return true
	}
	return true
}
