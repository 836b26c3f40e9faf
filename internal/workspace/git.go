package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

// GitWorktree provides one git worktree per pipeline under Root, checked out
// on the pipeline's branch.
type GitWorktree struct {
	Root    string
	Timeout time.Duration
	Logger  *slog.Logger

	leases *leases
}

// NewGitWorktree creates a provider placing worktrees under root.
func NewGitWorktree(root string, logger *slog.Logger) *GitWorktree {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitWorktree{Root: root, Logger: logger, leases: newLeases()}
}

func (g *GitWorktree) Acquire(ctx context.Context, pipelineID, repo, branch string) (*protocol.WorkspaceHandle, error) {
	if repo == "" {
		return nil, fmt.Errorf("workspace: pipeline %s has no repository: %w", pipelineID, ErrUnavailable)
	}
	return g.leases.acquire(pipelineID, repo, branch, func() (*protocol.WorkspaceHandle, error) {
		dir := filepath.Join(g.Root, pipelineID)
		h := &protocol.WorkspaceHandle{ID: pipelineID, PipelineID: pipelineID, Repo: repo, Branch: branch, Dir: dir}

		// A worktree left behind by an earlier process is reused as-is.
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			g.Logger.Info("reusing worktree", "pipeline", pipelineID, "dir", dir)
			return h, nil
		}
		if err := os.MkdirAll(g.Root, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: %v: %w", err, ErrUnavailable)
		}
		// An existing branch keeps its commits, so a restarted pipeline picks
		// up where it left off.
		args := []string{"worktree", "add", "-b", branch, dir}
		if _, err := g.git(ctx, repo, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
			args = []string{"worktree", "add", dir, branch}
		}
		if out, err := g.git(ctx, repo, args...); err != nil {
			return nil, fmt.Errorf("workspace: worktree add: %s: %w", out, ErrUnavailable)
		}
		g.Logger.Info("worktree created", "pipeline", pipelineID, "branch", branch, "dir", dir)
		return h, nil
	})
}

func (g *GitWorktree) Run(ctx context.Context, h *protocol.WorkspaceHandle, command string) (*Result, error) {
	if _, ok := g.leases.get(h.PipelineID); !ok {
		return nil, fmt.Errorf("workspace: pipeline %s holds no workspace: %w", h.PipelineID, ErrUnavailable)
	}
	return run(ctx, h.Dir, command, g.Timeout)
}

func (g *GitWorktree) Release(ctx context.Context, h *protocol.WorkspaceHandle) error {
	defer g.leases.release(h)
	if out, err := g.git(ctx, h.Repo, "worktree", "remove", "--force", h.Dir); err != nil {
		return fmt.Errorf("workspace: worktree remove: %s: %w", out, err)
	}
	g.git(ctx, h.Repo, "worktree", "prune")
	g.Logger.Info("worktree released", "pipeline", h.PipelineID, "dir", h.Dir)
	return nil
}

func (g *GitWorktree) git(ctx context.Context, repo string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repo}, args...)...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
