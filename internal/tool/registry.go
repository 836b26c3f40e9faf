package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/h1v3-io/relay/pkg/protocol"
)

// ErrUnknownTool is returned by Execute for a name nothing registered.
var ErrUnknownTool = errors.New("unknown tool")

// Registry maps tool names to implementations. A single registry is shared
// by every step; step definitions narrow what each one is offered.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t, replacing any tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefinitionsFor returns the definitions of the tools allowed by the filter,
// sorted by name. A nil filter allows everything.
func (r *Registry) DefinitionsFor(allowed func(name string) bool) []protocol.ToolDefinition {
	var defs []protocol.ToolDefinition
	for _, name := range r.Names() {
		if allowed != nil && !allowed(name) {
			continue
		}
		r.mu.RLock()
		t, ok := r.tools[name]
		r.mu.RUnlock()
		if ok {
			defs = append(defs, protocol.NewToolDefinition(name, t.Description(), t.Parameters()))
		}
	}
	return defs
}

// Execute runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return t.Execute(ctx, params)
}
