// Package workspace supplies isolated, branch-scoped working directories to
// pipelines.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

var (
	// ErrBusy is returned when a branch is already held by another pipeline.
	ErrBusy = errors.New("workspace busy")
	// ErrUnavailable is returned when a checkout cannot be created or used.
	ErrUnavailable = errors.New("workspace unavailable")
)

const (
	defaultTimeout = 5 * time.Minute
	maxOutputSize  = 64 * 1024
)

// blockedPatterns are shell commands that are never executed.
var blockedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs.",
	"dd if=",
	":(){ :|:& };:",
	"> /dev/sd",
	"chmod -R 777 /",
}

// Result is the outcome of a command run inside a workspace.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Provider acquires, runs commands in, and releases workspaces. A pipeline
// holds at most one workspace; acquiring again returns the same handle.
type Provider interface {
	Acquire(ctx context.Context, pipelineID, repo, branch string) (*protocol.WorkspaceHandle, error)
	Run(ctx context.Context, h *protocol.WorkspaceHandle, command string) (*Result, error)
	Release(ctx context.Context, h *protocol.WorkspaceHandle) error
}

// leases tracks which pipeline holds which branch.
type leases struct {
	mu       sync.Mutex
	byID     map[string]*protocol.WorkspaceHandle
	byBranch map[string]string // repo + branch -> pipeline id
}

func newLeases() *leases {
	return &leases{
		byID:     make(map[string]*protocol.WorkspaceHandle),
		byBranch: make(map[string]string),
	}
}

// acquire returns the pipeline's existing handle, or claims the branch and
// calls create with the lock released.
func (l *leases) acquire(pipelineID, repo, branch string, create func() (*protocol.WorkspaceHandle, error)) (*protocol.WorkspaceHandle, error) {
	key := repo + "\x00" + branch
	l.mu.Lock()
	if h, ok := l.byID[pipelineID]; ok {
		l.mu.Unlock()
		return h, nil
	}
	if holder, ok := l.byBranch[key]; ok && holder != pipelineID {
		l.mu.Unlock()
		return nil, fmt.Errorf("branch %s held by pipeline %s: %w", branch, holder, ErrBusy)
	}
	l.byBranch[key] = pipelineID
	l.mu.Unlock()

	h, err := create()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		delete(l.byBranch, key)
		return nil, err
	}
	l.byID[pipelineID] = h
	return h, nil
}

func (l *leases) get(pipelineID string) (*protocol.WorkspaceHandle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.byID[pipelineID]
	return h, ok
}

func (l *leases) release(h *protocol.WorkspaceHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, h.PipelineID)
	delete(l.byBranch, h.Repo+"\x00"+h.Branch)
}

// RunIn executes command with /bin/sh inside dir, outside any workspace.
// A zero timeout uses the default.
func RunIn(ctx context.Context, dir, command string, timeout time.Duration) (*Result, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: %v: %w", err, ErrUnavailable)
		}
	}
	return run(ctx, dir, command, timeout)
}

// run executes command with /bin/sh inside dir.
func run(ctx context.Context, dir, command string, timeout time.Duration) (*Result, error) {
	lower := strings.ToLower(command)
	for _, pat := range blockedPatterns {
		if strings.Contains(lower, pat) {
			return nil, fmt.Errorf("workspace: blocked command pattern %q", pat)
		}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "HOME="+dir)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: truncate(stdout.String()), Stderr: truncate(stderr.String())}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("workspace: command timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("workspace: run: %v: %w", err, ErrUnavailable)
	}
	return res, nil
}

func truncate(s string) string {
	if len(s) > maxOutputSize {
		return s[:maxOutputSize] + "\n... [truncated]"
	}
	return s
}
