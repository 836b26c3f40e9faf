package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

const stepsYAML = `
steps:
  - kind: coding
    model: claude-opus-4
    max_tokens: 32000
    timeout: 20m
    max_retries: 3
  - kind: review
    instructions: |
      Be strict about error handling.
    tools: [read_file, list_dir]
`

func TestLoadSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	os.WriteFile(path, []byte(stepsYAML), 0o644)

	base := protocol.DefaultSteps()
	steps, err := LoadSteps(path, base)
	if err != nil {
		t.Fatalf("LoadSteps: %v", err)
	}
	if len(steps) != protocol.StepCount {
		t.Fatalf("steps = %d", len(steps))
	}

	coding := steps[3]
	if coding.Kind != protocol.AgentCoding {
		t.Fatalf("steps[3].kind = %s", coding.Kind)
	}
	if coding.Model != "claude-opus-4" || coding.MaxTokens != 32000 {
		t.Errorf("coding = %+v", coding)
	}
	if coding.Timeout != 20*time.Minute {
		t.Errorf("coding timeout = %v", coding.Timeout)
	}
	if coding.MaxRetries == nil || *coding.MaxRetries != 3 {
		t.Errorf("coding max_retries = %v", coding.MaxRetries)
	}
	if coding.Goal != base[3].Goal {
		t.Errorf("unset goal should keep the built-in value, got %q", coding.Goal)
	}

	review := steps[7]
	if !strings.Contains(review.Instructions, "error handling") {
		t.Errorf("review instructions = %q", review.Instructions)
	}
	if len(review.Tools) != 2 {
		t.Errorf("review tools = %v", review.Tools)
	}

	if base[3].Model == "claude-opus-4" {
		t.Error("base definitions must not be modified")
	}
}

func TestApplySteps_Errors(t *testing.T) {
	tests := []struct {
		name      string
		overrides []protocol.StepDefinition
		want      string
	}{
		{"unknown kind", []protocol.StepDefinition{{Kind: "deploy"}}, "unknown agent kind"},
		{"duplicate", []protocol.StepDefinition{{Kind: "docs"}, {Kind: "docs"}}, "duplicate"},
		{"negative timeout", []protocol.StepDefinition{{Kind: "docs", Timeout: -time.Second}}, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplySteps(protocol.DefaultSteps(), tt.overrides)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q error, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadSteps_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	os.WriteFile(path, []byte("steps: [unclosed"), 0o644)
	if _, err := LoadSteps(path, protocol.DefaultSteps()); err == nil {
		t.Error("expected parse error")
	}
}
