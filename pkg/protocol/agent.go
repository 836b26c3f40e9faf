package protocol

import (
	"fmt"
	"slices"
	"time"
)

// AgentKind selects the agent that performs a step.
type AgentKind string

const (
	AgentContext  AgentKind = "context"
	AgentRisk     AgentKind = "risk"
	AgentPlanning AgentKind = "planning"
	AgentCoding   AgentKind = "coding"
	AgentTesting  AgentKind = "testing"
	AgentDocs     AgentKind = "docs"
	AgentPR       AgentKind = "pr"
	AgentReview   AgentKind = "review"
)

// Kinds lists the agent kinds in pipeline order.
var Kinds = []AgentKind{
	AgentContext, AgentRisk, AgentPlanning, AgentCoding,
	AgentTesting, AgentDocs, AgentPR, AgentReview,
}

// ParseAgentKind validates a kind name.
func ParseAgentKind(s string) (AgentKind, error) {
	k := AgentKind(s)
	if !slices.Contains(Kinds, k) {
		return "", fmt.Errorf("unknown agent kind %q", s)
	}
	return k, nil
}

// StepDefinition configures the agent behind one step. Definitions are
// supplied from outside the engine; every kind shares the same invoker
// contract.
type StepDefinition struct {
	Kind         AgentKind     `json:"kind" yaml:"kind"`
	Name         string        `json:"name" yaml:"name"`
	Goal         string        `json:"goal" yaml:"goal"`
	Instructions string        `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Model        string        `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens    int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Tools        []string      `json:"tools,omitempty" yaml:"tools,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries   *int          `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// ToolAllowed reports whether the named tool is permitted for this step.
// An empty list allows every registered tool.
func (d StepDefinition) ToolAllowed(name string) bool {
	if len(d.Tools) == 0 {
		return true
	}
	return slices.Contains(d.Tools, name)
}

// DefaultSteps returns the built-in definitions for the eight steps.
func DefaultSteps() []StepDefinition {
	return []StepDefinition{
		{
			Kind:      AgentContext,
			Name:      "Context & Requirements",
			Goal:      "Gather the ticket's requirements, acceptance criteria and the relevant parts of the codebase.",
			MaxTokens: 4096,
			Tools:     []string{"read_file", "list_dir", "web_fetch", "request_clarification"},
		},
		{
			Kind:      AgentRisk,
			Name:      "Risk & Blocker Analysis",
			Goal:      "Identify risks, blockers, breaking changes and open questions for the change.",
			MaxTokens: 4096,
			Tools:     []string{"read_file", "list_dir", "request_clarification"},
		},
		{
			Kind:      AgentPlanning,
			Name:      "Implementation Planning",
			Goal:      "Produce a step-by-step implementation plan naming the files to change.",
			MaxTokens: 8192,
			Tools:     []string{"read_file", "list_dir", "request_clarification"},
		},
		{
			Kind:      AgentCoding,
			Name:      "Code Implementation",
			Goal:      "Implement the plan in the workspace.",
			MaxTokens: 16384,
			Tools:     []string{"read_file", "write_file", "edit_file", "list_dir", "exec"},
		},
		{
			Kind:      AgentTesting,
			Name:      "Test Writing & Execution",
			Goal:      "Write tests for the change and run the test suite until it passes.",
			MaxTokens: 8192,
			Tools:     []string{"read_file", "write_file", "edit_file", "list_dir", "exec"},
		},
		{
			Kind:      AgentDocs,
			Name:      "Documentation Updates",
			Goal:      "Update documentation affected by the change.",
			MaxTokens: 4096,
			Tools:     []string{"read_file", "write_file", "edit_file", "list_dir"},
		},
		{
			Kind:      AgentPR,
			Name:      "PR Creation & Description",
			Goal:      "Commit the work on the pipeline branch and write the pull request description.",
			MaxTokens: 4096,
			Tools:     []string{"read_file", "list_dir", "exec"},
		},
		{
			Kind:      AgentReview,
			Name:      "Code Review Response",
			Goal:      "Review the change as a reviewer would and address the findings.",
			MaxTokens: 8192,
			Tools:     []string{"read_file", "write_file", "edit_file", "list_dir", "exec"},
		},
	}
}
