package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/relay/internal/workspace"
)

const maxExecOutput = 16 * 1024

// ExecTool runs a shell command in the step's workspace. Outside a pipeline
// it falls back to WorkDir on the local machine. Blocked patterns and the
// timeout are enforced by the workspace runner either way.
type ExecTool struct {
	WorkDir string
	Timeout time.Duration
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the pipeline's checkout, e.g. to build or run tests. Returns stdout, stderr and the exit code"
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command to execute"},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := strings.TrimSpace(getString(params, "command"))
	if command == "" {
		return "", fmt.Errorf("exec: command is required")
	}

	var (
		res *workspace.Result
		err error
	)
	if h, p := WorkspaceFromContext(ctx); h != nil && p != nil {
		res, err = p.Run(ctx, h, withStepEnv(ctx, command))
	} else {
		res, err = workspace.RunIn(ctx, t.WorkDir, command, t.Timeout)
	}
	if err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}
	return formatResult(res), nil
}

// withStepEnv exposes the running step to the command, so build and test
// scripts can tag their output.
func withStepEnv(ctx context.Context, command string) string {
	s, ok := StepFromContext(ctx)
	if !ok {
		return command
	}
	return fmt.Sprintf("export RELAY_PIPELINE_ID=%q RELAY_STEP=%d RELAY_ATTEMPT=%d; %s", s.PipelineID, s.StepIndex, s.Attempt, command)
}

// formatResult joins both streams and notes a non-zero exit. A failing
// command is a normal result for the model to act on, not a tool error.
func formatResult(res *workspace.Result) string {
	var b strings.Builder
	b.WriteString(res.Stdout)
	if res.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(res.Stderr)
	}
	out := b.String()
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput] + "\n... [truncated]"
	}
	if res.ExitCode != 0 {
		out = fmt.Sprintf("%s\n[exit code %d]", out, res.ExitCode)
	}
	return out
}
