package tool

import (
	"context"

	"github.com/h1v3-io/relay/internal/workspace"
	"github.com/h1v3-io/relay/pkg/protocol"
)

type contextKey string

const (
	workspaceKey = contextKey("workspace")
	stepKey      = contextKey("step")
)

type boundWorkspace struct {
	handle   *protocol.WorkspaceHandle
	provider workspace.Provider
}

// StepScope identifies the pipeline step a tool call belongs to.
type StepScope struct {
	PipelineID string
	StepIndex  int
	Attempt    int
}

// WithWorkspace binds a workspace to the context. File tools resolve paths
// against the handle's directory and exec runs through the provider.
func WithWorkspace(ctx context.Context, h *protocol.WorkspaceHandle, p workspace.Provider) context.Context {
	if h == nil {
		return ctx
	}
	return context.WithValue(ctx, workspaceKey, boundWorkspace{handle: h, provider: p})
}

// WorkspaceFromContext returns the bound workspace handle and provider, if any.
func WorkspaceFromContext(ctx context.Context) (*protocol.WorkspaceHandle, workspace.Provider) {
	if v, ok := ctx.Value(workspaceKey).(boundWorkspace); ok {
		return v.handle, v.provider
	}
	return nil, nil
}

// WithStep returns a context carrying the step being executed.
func WithStep(ctx context.Context, s StepScope) context.Context {
	return context.WithValue(ctx, stepKey, s)
}

// StepFromContext returns the step scope from the context.
func StepFromContext(ctx context.Context) (StepScope, bool) {
	s, ok := ctx.Value(stepKey).(StepScope)
	return s, ok
}

// workspaceDir returns the bound workspace directory, or "".
func workspaceDir(ctx context.Context) string {
	if h, _ := WorkspaceFromContext(ctx); h != nil {
		return h.Dir
	}
	return ""
}
