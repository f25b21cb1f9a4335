// Package tools provides the closed registry of tools the agent can invoke.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/agentloop/domain"
)

// ExecutorFunc defines a server-side tool executor.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Definition describes a registered tool: the capability metadata advertised
// to the model and the executor that runs it.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	RiskLevel   domain.RiskLevel
	ReadOnly    bool
	Execute     ExecutorFunc
}

// Registry stores tool definitions keyed by tool name. The set is fixed at
// startup; nothing registers tools while a run is in flight.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// DefaultRegistry is the shared registry used by the runtime.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]Definition),
	}
}

// Register adds a new tool definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Execute == nil {
		return fmt.Errorf("executor is required")
	}
	if def.RiskLevel == "" {
		def.RiskLevel = domain.RiskLevelNone
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition for a tool name.
func (r *Registry) Get(toolName string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[toolName]
	return def, ok
}

// List returns all registered definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the executor for the tool name.
func (r *Registry) Execute(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	r.mu.RLock()
	def, ok := r.defs[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no tool registered for %s", toolName)
	}
	return def.Execute(ctx, args)
}

// Register adds a definition to the default registry.
func Register(def Definition) error {
	return DefaultRegistry.Register(def)
}

// MustRegister adds a definition to the default registry or panics.
func MustRegister(def Definition) {
	if err := Register(def); err != nil {
		panic(err)
	}
}
