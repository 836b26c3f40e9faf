package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

// Scratch provides a plain empty directory per pipeline. It serves pipelines
// without a repository and dry runs.
type Scratch struct {
	Root    string
	Timeout time.Duration

	leases *leases
}

// NewScratch creates a provider placing directories under root.
func NewScratch(root string) *Scratch {
	return &Scratch{Root: root, leases: newLeases()}
}

func (s *Scratch) Acquire(_ context.Context, pipelineID, repo, branch string) (*protocol.WorkspaceHandle, error) {
	return s.leases.acquire(pipelineID, repo, branch, func() (*protocol.WorkspaceHandle, error) {
		dir := filepath.Join(s.Root, pipelineID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: %v: %w", err, ErrUnavailable)
		}
		return &protocol.WorkspaceHandle{ID: pipelineID, PipelineID: pipelineID, Repo: repo, Branch: branch, Dir: dir}, nil
	})
}

func (s *Scratch) Run(ctx context.Context, h *protocol.WorkspaceHandle, command string) (*Result, error) {
	if _, ok := s.leases.get(h.PipelineID); !ok {
		return nil, fmt.Errorf("workspace: pipeline %s holds no workspace: %w", h.PipelineID, ErrUnavailable)
	}
	return run(ctx, h.Dir, command, s.Timeout)
}

func (s *Scratch) Release(_ context.Context, h *protocol.WorkspaceHandle) error {
	s.leases.release(h)
	if err := os.RemoveAll(h.Dir); err != nil {
		return fmt.Errorf("workspace: remove %s: %w", h.Dir, err)
	}
	return nil
}
