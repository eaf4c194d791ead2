package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is an agent capability exposing one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Error carries a
// model-readable failure description; transport-level failures come
// back as the error return of Execute instead.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Registry holds the tools available to a run and dispatches execution
// by function name.
type Registry struct {
	tools  []Tool
	byName map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Add registers a tool. Later registrations win on name collisions.
func (r *Registry) Add(t Tool) {
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		r.byName[d.Name] = t
	}
}

// Has reports whether a tool function with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Definitions returns the definitions of all registered tool functions.
func (r *Registry) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by function name. An unknown name is
// reported to the model as a tool error, not as a dispatch failure.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t, ok := r.byName[name]
	if !ok {
		return ToolResult{Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}
	return t.Execute(ctx, name, args)
}
