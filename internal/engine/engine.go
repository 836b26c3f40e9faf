// Package engine drives pipelines through their eight steps. It owns every
// state transition: control operations validate and record intent, and one
// task per pipeline pulls agent output, checkpoints it and publishes events.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/relay/internal/agent"
	"github.com/h1v3-io/relay/internal/eventbus"
	"github.com/h1v3-io/relay/internal/runner"
	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/internal/workspace"
	"github.com/h1v3-io/relay/pkg/protocol"
)

const defaultBranchPrefix = "relay/"

// Engine coordinates the store, bus, runner arena, agent invoker and
// workspace provider.
type Engine struct {
	store      store.Store
	bus        *eventbus.Bus
	arena      *runner.Arena
	invoker    agent.Invoker
	workspaces workspace.Provider
	steps      []protocol.StepDefinition
	policy     Policy
	prefix     string
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	handles sync.Map // pipeline id -> *protocol.WorkspaceHandle
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithWorkspaces sets the workspace provider. Without one, steps run with
// no workspace bound.
func WithWorkspaces(p workspace.Provider) Option {
	return func(e *Engine) { e.workspaces = p }
}

// WithSteps overrides the step definitions. The slice must hold one
// definition per step.
func WithSteps(defs []protocol.StepDefinition) Option {
	return func(e *Engine) {
		if len(defs) == protocol.StepCount {
			e.steps = defs
		}
	}
}

// WithPolicy sets the retry and timeout policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithBranchPrefix sets the prefix of pipeline branch names.
func WithBranchPrefix(prefix string) Option {
	return func(e *Engine) { e.prefix = prefix }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(st store.Store, bus *eventbus.Bus, arena *runner.Arena, inv agent.Invoker, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		bus:     bus,
		arena:   arena,
		invoker: inv,
		steps:   protocol.DefaultSteps(),
		policy:  DefaultPolicy(),
		prefix:  defaultBranchPrefix,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Steps returns the step definitions in pipeline order.
func (e *Engine) Steps() []protocol.StepDefinition {
	out := make([]protocol.StepDefinition, len(e.steps))
	copy(out, e.steps)
	return out
}

func (e *Engine) load(ctx context.Context, id string) (*protocol.Pipeline, error) {
	p, err := e.store.LoadPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: load %s: %w", id, err)
	}
	return p, nil
}

func (e *Engine) publish(id string, step int, kind protocol.EventKind, payload any) {
	e.bus.Publish(protocol.Event{
		PipelineID: id,
		StepIndex:  step,
		Kind:       kind,
		Payload:    payload,
		Timestamp:  e.now().UTC(),
	})
}

func (e *Engine) publishPipeline(p *protocol.Pipeline, kind protocol.EventKind) {
	e.publish(p.ID, -1, kind, protocol.PipelinePayload{
		TicketRef:   p.TicketRef,
		Status:      p.Status,
		CurrentStep: p.CurrentStep,
		Cost:        p.Cost,
	})
}

// publishStatus announces the pipeline-level consequence of a transition.
func (e *Engine) publishStatus(ctx context.Context, id string, status protocol.PipelineStatus) {
	var kind protocol.EventKind
	switch status {
	case protocol.PipelinePaused:
		kind = protocol.EventPipelinePaused
	case protocol.PipelineAwaitingInput:
		kind = protocol.EventPipelineAwaitingInput
	case protocol.PipelineCompleted:
		kind = protocol.EventPipelineCompleted
	case protocol.PipelineFailed:
		kind = protocol.EventPipelineFailed
	default:
		return
	}
	p, err := e.store.LoadPipeline(ctx, id)
	if err != nil {
		p = &protocol.Pipeline{ID: id, Status: status}
	}
	e.publishPipeline(p, kind)
}

func (e *Engine) stepPayload(p *protocol.Pipeline, idx int) protocol.StepPayload {
	st := p.Step(idx)
	if st == nil {
		return protocol.StepPayload{}
	}
	return protocol.StepPayload{Name: st.Name, Attempt: st.Attempt, Cost: st.Cost}
}

// startUpdate moves a step to running. A step that already ran and was
// reset by an earlier restart begins a fresh attempt, archiving the output it
// kept until now.
func startUpdate(st *protocol.Step) store.StepUpdate {
	u := store.StepUpdate{Index: st.Index, Status: protocol.StepRunning}
	if st.Status == protocol.StepPending && st.Attempt > 0 {
		u.NewAttempt = true
		u.Archive = protocol.HistoryRestart
	}
	return u
}

// restartUpdates opens a new attempt of step idx and returns every later
// step that has left pending back to pending. Their output is kept.
func restartUpdates(p *protocol.Pipeline, idx int, reason protocol.HistoryReason, feedbackID string) []store.StepUpdate {
	updates := []store.StepUpdate{{
		Index:      idx,
		Status:     protocol.StepRunning,
		NewAttempt: true,
		Archive:    reason,
		FeedbackID: feedbackID,
	}}
	for j := idx + 1; j < len(p.Steps); j++ {
		if p.Steps[j].Status != protocol.StepPending {
			updates = append(updates, store.StepUpdate{Index: j, Status: protocol.StepPending})
		}
	}
	return updates
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// branchName derives the pipeline branch from the ticket ref and id.
func (e *Engine) branchName(ticketRef, id string) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(ticketRef), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	if slug == "" {
		return e.prefix + short
	}
	return e.prefix + slug + "-" + short
}
