// Package tools provides the in-process tool registry used by tool_exec.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
)

// Invocation is everything a handler sees for one call.
type Invocation struct {
	Params    map[string]any
	Context   map[string]any
	UserID    string
	SessionID string
}

// ToolHandler is a function that executes a tool.
type ToolHandler func(ctx context.Context, inv Invocation) (map[string]any, error)

// ToolDefinition defines a tool's metadata and handler.
type ToolDefinition struct {
	Name        string
	Description string
	Category    string
	RiskLevel   string // "low", "medium", "high"
	Handler     ToolHandler
}

// Registry executes tools by name.
type Registry struct {
	tools map[string]*ToolDefinition
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*ToolDefinition),
	}
}

// Register registers a tool, replacing any tool of the same name.
func (r *Registry) Register(def *ToolDefinition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler is required for '%s'", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = def
	return nil
}

// ExecuteTool implements orchestrator.ToolExecutor. An unknown tool or a
// handler error is reported as an unsuccessful outcome.
func (r *Registry) ExecuteTool(ctx context.Context, name string, params map[string]any, toolCtx map[string]any, userID, sessionID string) (*orchestrator.ToolOutcome, error) {
	r.mu.RLock()
	def, exists := r.tools[name]
	r.mu.RUnlock()

	if !exists {
		return &orchestrator.ToolOutcome{Error: fmt.Sprintf("tool not found: %s", name)}, nil
	}
	if params == nil {
		params = map[string]any{}
	}

	data, err := def.Handler(ctx, Invocation{Params: params, Context: toolCtx, UserID: userID, SessionID: sessionID})
	if err != nil {
		return &orchestrator.ToolOutcome{Error: err.Error()}, nil
	}
	return &orchestrator.ToolOutcome{Success: true, Data: data}, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition gets a tool definition by name.
func (r *Registry) Definition(name string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

var _ orchestrator.ToolExecutor = (*Registry)(nil)
