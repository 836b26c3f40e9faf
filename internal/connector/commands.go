package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/pkg/protocol"
)

// Control is the part of the engine chat commands drive.
type Control interface {
	CreatePipeline(ctx context.Context, ticketRef, repo string) (*protocol.Pipeline, error)
	Get(ctx context.Context, id string) (*protocol.Pipeline, error)
	List(ctx context.Context, filter store.Filter) ([]*protocol.Pipeline, error)
	Start(ctx context.Context, id string) (*protocol.Pipeline, error)
	Pause(ctx context.Context, id string) (*protocol.Pipeline, error)
	Resume(ctx context.Context, id string) (*protocol.Pipeline, error)
	Restart(ctx context.Context, id string, step int) (*protocol.Pipeline, error)
	SubmitFeedback(ctx context.Context, id string, step int, payload string) (*protocol.Feedback, error)
	SubmitClarificationAnswer(ctx context.Context, id, requestID string, ans protocol.ClarificationAnswer) (*protocol.ClarificationRequest, error)
}

// HelpText lists the chat commands.
const HelpText = `Available commands:
/run <ticket> [repo] - Create and start a pipeline
/status [pipeline] - Show one pipeline, or the active ones
/pause <pipeline> - Pause the running step
/resume <pipeline> - Resume a paused pipeline
/restart <pipeline> <step> - Rerun a step and reset the later ones
/feedback <pipeline> <step> <text> - Send feedback on a step
/answer <pipeline> <request> <option number or text> - Answer a clarification
/help - Show this help message

Pipelines may be given by an unambiguous id prefix. Steps may be given by
index (0-7) or kind (context, risk, planning, coding, testing, docs, pr, review).`

// minPrefix is the shortest accepted pipeline id prefix.
const minPrefix = 4

// Commands parses chat commands and applies them to the engine.
type Commands struct {
	control Control
	repo    string
	logger  *slog.Logger
}

// NewCommands creates a command dispatcher. repo is used by /run when the
// command names none.
func NewCommands(control Control, repo string, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{control: control, repo: repo, logger: logger}
}

// Handler returns an InboundHandler that replies through s in the chat the
// command came from.
func (c *Commands) Handler(s Sender) InboundHandler {
	return func(ctx context.Context, msg InboundMessage) error {
		reply := c.Handle(ctx, msg)
		if reply == "" {
			return nil
		}
		return s.Send(ctx, OutboundMessage{ChatID: msg.ChatID, Content: reply})
	}
}

// Handle executes one command and returns the reply text.
func (c *Commands) Handle(ctx context.Context, msg InboundMessage) string {
	text := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(text, "/") {
		return "I only understand commands. Send /help for the list."
	}
	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i] // Telegram's /cmd@botname
	}
	args := fields[1:]

	c.logger.Info("chat command", "channel", msg.Channel, "sender", msg.SenderID, "command", name)

	reply, err := c.dispatch(ctx, name, args, text)
	if err != nil {
		c.logger.Warn("chat command failed", "command", name, "error", err)
		return "Error: " + err.Error()
	}
	return reply
}

func (c *Commands) dispatch(ctx context.Context, name string, args []string, text string) (string, error) {
	switch name {
	case "help", "start":
		return HelpText, nil
	case "run":
		return c.run(ctx, args)
	case "status":
		return c.status(ctx, args)
	case "pause", "resume":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: /%s <pipeline>", name)
		}
		id, err := c.resolve(ctx, args[0])
		if err != nil {
			return "", err
		}
		op := c.control.Pause
		if name == "resume" {
			op = c.control.Resume
		}
		p, err := op(ctx, id)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Pipeline %s is %s.", shortID(p.ID), p.Status), nil
	case "restart":
		if len(args) != 2 {
			return "", errors.New("usage: /restart <pipeline> <step>")
		}
		id, step, err := c.pipelineStep(ctx, args[0], args[1])
		if err != nil {
			return "", err
		}
		p, err := c.control.Restart(ctx, id, step)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Restarted step %d (%s), attempt %d.", step, p.Steps[step].Name, p.Steps[step].Attempt), nil
	case "feedback":
		if len(args) < 3 {
			return "", errors.New("usage: /feedback <pipeline> <step> <text>")
		}
		id, step, err := c.pipelineStep(ctx, args[0], args[1])
		if err != nil {
			return "", err
		}
		fb, err := c.control.SubmitFeedback(ctx, id, step, restAfter(text, 3))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Feedback %s recorded for step %d.", shortID(fb.ID), step), nil
	case "answer":
		if len(args) < 3 {
			return "", errors.New("usage: /answer <pipeline> <request> <option number or text>")
		}
		id, err := c.resolve(ctx, args[0])
		if err != nil {
			return "", err
		}
		reqID, err := c.resolveRequest(ctx, id, args[1])
		if err != nil {
			return "", err
		}
		ans := ParseAnswer(restAfter(text, 3))
		req, err := c.control.SubmitClarificationAnswer(ctx, id, reqID, ans)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Answered: %s", req.Answer()), nil
	default:
		return "", fmt.Errorf("unknown command /%s, send /help", name)
	}
}

func (c *Commands) run(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 || len(args) > 2 {
		return "", errors.New("usage: /run <ticket> [repo]")
	}
	repo := c.repo
	if len(args) == 2 {
		repo = args[1]
	}
	p, err := c.control.CreatePipeline(ctx, args[0], repo)
	if err != nil {
		return "", err
	}
	if p, err = c.control.Start(ctx, p.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Pipeline %s started for %s on branch %s.", shortID(p.ID), p.TicketRef, p.Branch), nil
}

func (c *Commands) status(ctx context.Context, args []string) (string, error) {
	if len(args) == 1 {
		id, err := c.resolve(ctx, args[0])
		if err != nil {
			return "", err
		}
		p, err := c.control.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return FormatPipeline(p), nil
	}

	ps, err := c.control.List(ctx, store.Filter{Limit: 50})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range ps {
		if p.Status.Terminal() {
			continue
		}
		fmt.Fprintf(&b, "%s %s: %s (step %d)\n", shortID(p.ID), p.TicketRef, p.Status, p.CurrentStep)
	}
	if b.Len() == 0 {
		return "No active pipelines.", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// resolve expands a pipeline id prefix to the full id.
func (c *Commands) resolve(ctx context.Context, arg string) (string, error) {
	if len(arg) < minPrefix {
		return "", fmt.Errorf("pipeline id %q is too short", arg)
	}
	ps, err := c.control.List(ctx, store.Filter{})
	if err != nil {
		return "", err
	}
	var match string
	for _, p := range ps {
		if p.ID == arg {
			return p.ID, nil
		}
		if strings.HasPrefix(p.ID, arg) {
			if match != "" {
				return "", fmt.Errorf("pipeline id %q is ambiguous", arg)
			}
			match = p.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no pipeline matches %q", arg)
	}
	return match, nil
}

// resolveRequest expands a clarification id prefix within one pipeline.
func (c *Commands) resolveRequest(ctx context.Context, pipelineID, arg string) (string, error) {
	p, err := c.control.Get(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	var match string
	for _, r := range p.Clarifications {
		if r.Status != protocol.InputPending || !strings.HasPrefix(r.ID, arg) {
			continue
		}
		if r.ID == arg {
			return r.ID, nil
		}
		if match != "" {
			return "", fmt.Errorf("request id %q is ambiguous", arg)
		}
		match = r.ID
	}
	if match == "" {
		return "", fmt.Errorf("no open clarification matches %q", arg)
	}
	return match, nil
}

func (c *Commands) pipelineStep(ctx context.Context, pipelineArg, stepArg string) (string, int, error) {
	id, err := c.resolve(ctx, pipelineArg)
	if err != nil {
		return "", 0, err
	}
	step, err := ParseStep(stepArg)
	if err != nil {
		return "", 0, err
	}
	return id, step, nil
}

// ParseStep accepts a step index or an agent kind name.
func ParseStep(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= protocol.StepCount {
			return 0, fmt.Errorf("step %d out of range 0-%d", n, protocol.StepCount-1)
		}
		return n, nil
	}
	kind, err := protocol.ParseAgentKind(strings.ToLower(s))
	if err != nil {
		return 0, err
	}
	for i, k := range protocol.Kinds {
		if k == kind {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", s)
}

// ParseAnswer reads a 1-based option number, or takes the text as a custom
// answer.
func ParseAnswer(s string) protocol.ClarificationAnswer {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		opt := n - 1
		return protocol.ClarificationAnswer{SelectedOption: &opt}
	}
	return protocol.ClarificationAnswer{CustomAnswer: s}
}

// restAfter returns text with its first n whitespace-separated fields removed,
// keeping the remainder's inner spacing.
func restAfter(text string, n int) string {
	rest := strings.TrimSpace(text)
	for i := 0; i < n; i++ {
		j := strings.IndexFunc(rest, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
		if j < 0 {
			return ""
		}
		rest = strings.TrimSpace(rest[j:])
	}
	return rest
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
