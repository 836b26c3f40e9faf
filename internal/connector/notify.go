package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/h1v3-io/relay/internal/eventbus"
	"github.com/h1v3-io/relay/pkg/protocol"
)

// Target is one chat that receives notifications.
type Target struct {
	Sender Sender
	ChatID string
}

// Notifier announces pipelines that need attention or have finished.
type Notifier struct {
	bus     *eventbus.Bus
	targets []Target
	logger  *slog.Logger
}

// NewNotifier creates a notifier sending to targets.
func NewNotifier(bus *eventbus.Bus, targets []Target, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{bus: bus, targets: targets, logger: logger}
}

// Run forwards events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	sub := n.bus.SubscribeAll()
	defer sub.Close()

	n.logger.Info("notifier started", "targets", len(n.targets))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			n.notify(ctx, ev)
		}
	}
}

func (n *Notifier) notify(ctx context.Context, ev protocol.Event) {
	text, ok := FormatEvent(ev)
	if !ok {
		return
	}
	for _, t := range n.targets {
		if err := t.Sender.Send(ctx, OutboundMessage{ChatID: t.ChatID, Content: text}); err != nil {
			n.logger.Error("notification failed", "pipeline", ev.PipelineID, "chat_id", t.ChatID, "error", err)
		}
	}
}

// FormatEvent renders the events worth a notification. Other events return
// false.
func FormatEvent(ev protocol.Event) (string, bool) {
	id := shortID(ev.PipelineID)
	switch ev.Kind {
	case protocol.EventClarificationRequested:
		var req *protocol.ClarificationRequest
		switch v := ev.Payload.(type) {
		case *protocol.ClarificationRequest:
			req = v
		case protocol.ClarificationRequest:
			req = &v
		default:
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "**Pipeline %s needs an answer** (step %d)\n\n%s\n", id, ev.StepIndex, req.Question)
		for i, opt := range req.Options {
			fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
		}
		fmt.Fprintf(&b, "\nReply with `/answer %s %s <option or text>`", id, shortID(req.ID))
		return b.String(), true

	case protocol.EventPipelineCompleted:
		p, _ := ev.Payload.(protocol.PipelinePayload)
		return fmt.Sprintf("**Pipeline %s completed** for %s (cost $%.4f)", id, p.TicketRef, p.Cost), true

	case protocol.EventPipelineFailed:
		p, _ := ev.Payload.(protocol.PipelinePayload)
		return fmt.Sprintf("**Pipeline %s failed** for %s at step %d. Use `/restart %s %d` to retry.",
			id, p.TicketRef, p.CurrentStep, id, p.CurrentStep), true

	case protocol.EventError:
		p, _ := ev.Payload.(protocol.ErrorPayload)
		if p.Kind != protocol.ErrorPersistenceFailure {
			return "", false
		}
		return fmt.Sprintf("**Pipeline %s stopped** at step %d: %s. Use `/resume %s` once storage recovers.",
			id, ev.StepIndex, p.Message, id), true
	}
	return "", false
}

// FormatPipeline renders a pipeline's status for chat.
func FormatPipeline(p *protocol.Pipeline) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** %s\nstatus: %s, branch: %s, cost: $%.4f\n", shortID(p.ID), p.TicketRef, p.Status, p.Branch, p.Cost)
	for _, st := range p.Steps {
		marker := " "
		if st.Index == p.CurrentStep && !p.Status.Terminal() {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %d. %s: %s", marker, st.Index, st.Name, st.Status)
		if st.Attempt > 1 {
			fmt.Fprintf(&b, " (attempt %d)", st.Attempt)
		}
		b.WriteByte('\n')
	}
	for _, c := range p.Clarifications {
		if c.Status == protocol.InputPending {
			fmt.Fprintf(&b, "open question %s: %s\n", shortID(c.ID), c.Question)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
