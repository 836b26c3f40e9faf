package tool

import (
	"context"
	"time"
)

// Tool is the interface every agent tool must implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// Builtins returns a registry with the tools pipeline steps may use. Which of
// them a step sees is decided by its definition's tool list.
func Builtins(execTimeout time.Duration) *Registry {
	r := NewRegistry()
	r.Register(&ReadFileTool{})
	r.Register(&WriteFileTool{})
	r.Register(&EditFileTool{})
	r.Register(&ListDirTool{})
	r.Register(&ExecTool{Timeout: execTimeout})
	r.Register(&WebFetchTool{})
	r.Register(&ClarifyTool{})
	return r
}
