package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool parameter limits, kept from the teacher to guard against resource
// exhaustion from a malformed or adversarial model response.
const (
	MaxToolNameLength  = 256
	MaxToolParamsBytes = 10 << 20
)

// ToolResult is the observation a Tool returns. Providers always encode
// structured results as JSON or Markdown inside Content (SPEC_FULL.md
// §4.2's "results are always strings" contract).
type ToolResult struct {
	Content string
	IsError bool
}

// Tool is the provider contract of SPEC_FULL.md §4.2: name, description,
// a JSON-schema parameter spec, and an execute method. Implementations
// live under internal/tools/*.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, arguments json.RawMessage) (*ToolResult, error)
}

// ToolRegistry maps tool name to provider, unions schemas for the system
// prompt, and rejects unknown names. It satisfies ToolSchemaLookup for
// the structured-output parser.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Schema implements ToolSchemaLookup.
func (r *ToolRegistry) Schema(name string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return t.Schema(), true
}

// Definitions returns every registered tool's name/description/schema,
// the shape the system prompt and native-tool-calling providers need.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Definitions unions all registered tools' definitions for the system
// prompt / provider tool list.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return defs
}

// Execute runs a tool by name, returning an error-shaped ToolResult
// (rather than a Go error) for not-found/oversized input, matching the
// "results are always strings" convention — the caller never needs a
// separate not-found branch before appending the tool message to memory.
func (r *ToolRegistry) Execute(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(arguments) > MaxToolParamsBytes {
		return &ToolResult{Content: fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsBytes), IsError: true}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{Content: "tool not found: " + name, IsError: true}, nil
	}
	return tool.Execute(ctx, arguments)
}
