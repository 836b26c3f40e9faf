package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/relay/internal/tool"
	"github.com/h1v3-io/relay/pkg/protocol"
)

// BuildSystemPrompt assembles the system prompt for a step from layered
// context: step identity, time, ticket, tools, rules.
func BuildSystemPrompt(req Request, tools []protocol.ToolDefinition, now time.Time) string {
	var b strings.Builder
	def := req.Step

	// 1. Step identity
	fmt.Fprintf(&b, "# Step %d of %d: %s\n", req.StepIndex+1, protocol.StepCount, def.Name)
	fmt.Fprintf(&b, "Agent: %s\n\n", def.Kind)
	if def.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n\n", def.Goal)
	}
	if def.Instructions != "" {
		b.WriteString(def.Instructions)
		b.WriteString("\n\n")
	}

	// 2. Current time
	fmt.Fprintf(&b, "# Current Time\n%s\n\n", now.Format("2006-01-02 15:04:05 MST"))

	// 3. Ticket and workspace
	b.WriteString("# Ticket\n")
	fmt.Fprintf(&b, "Ref: %s\n", req.TicketRef)
	if req.Repo != "" {
		fmt.Fprintf(&b, "Repository: %s\n", req.Repo)
	}
	if req.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", req.Branch)
	}
	if req.Workspace != nil && req.Workspace.Dir != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", req.Workspace.Dir)
	}
	if req.Attempt > 1 {
		fmt.Fprintf(&b, "Attempt: %d\n", req.Attempt)
	}
	b.WriteString("\n")

	// 4. Available tools
	clarify := false
	if len(tools) > 0 {
		b.WriteString("# Available Tools\n")
		for _, d := range tools {
			fmt.Fprintf(&b, "- **%s**: %s\n", d.Name, d.Description)
			if d.Name == tool.ClarifyName {
				clarify = true
			}
		}
		b.WriteString("\n")
	}

	// 5. Rules
	b.WriteString("# Rules\n")
	b.WriteString("- Only use tools when necessary to accomplish the step's goal.\n")
	b.WriteString("- Stay within this step; later steps handle the rest of the pipeline.\n")
	b.WriteString("- Do not access files outside the workspace.\n")
	if clarify {
		b.WriteString("- If the requirements are genuinely ambiguous, ask with request_clarification instead of guessing. Offer options when you can.\n")
	}
	b.WriteString("- Finish with a final message that is the step's deliverable. Later steps read it verbatim.\n")

	return b.String()
}

// BuildTaskMessage renders the opening user message: the ticket, the outputs
// of earlier steps and, when resuming without a saved conversation, the
// progress already made.
func BuildTaskMessage(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket: %s\n", req.TicketRef)

	if len(req.Prior) > 0 {
		b.WriteString("\n# Previous Steps\n")
		for _, p := range req.Prior {
			fmt.Fprintf(&b, "\n## %d. %s\n%s\n", p.Index+1, p.Name, strings.TrimSpace(p.Output))
		}
	}

	if progress := historyText(req.History); progress != "" {
		b.WriteString("\n# Progress So Far\n")
		b.WriteString("You were interrupted. Continue from where this left off without repeating it.\n\n")
		b.WriteString(progress)
		b.WriteString("\n")
	}

	b.WriteString("\nComplete this step.")
	return b.String()
}

func historyText(history []protocol.Checkpoint) string {
	var b strings.Builder
	for _, cp := range history {
		switch cp.Kind {
		case protocol.CheckpointChunk:
			b.WriteString(cp.Text)
		case protocol.CheckpointToolCall:
			if cp.ToolCall != nil {
				fmt.Fprintf(&b, "\n[called %s]\n", cp.ToolCall.Name)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// formatInputs renders pending human inputs as a single user turn.
func formatInputs(inputs []Input) string {
	var b strings.Builder
	for _, in := range inputs {
		switch in.Kind {
		case InputFeedback:
			fmt.Fprintf(&b, "Reviewer feedback:\n%s\n\n", in.Text)
		case InputClarification:
			fmt.Fprintf(&b, "Answer to %q:\n%s\n\n", in.Question, in.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
