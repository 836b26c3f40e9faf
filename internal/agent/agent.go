package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/h1v3-io/relay/internal/tool"
	"github.com/h1v3-io/relay/pkg/protocol"
)

const defaultMaxIterations = 20

// ErrMalformedOutput is returned when an agent produces output the engine
// cannot use: an empty reply, a truncated reply, or an unreadable session.
var ErrMalformedOutput = errors.New("agent: malformed output")

// ErrIterationLimit is returned when an agent keeps calling tools without
// converging on a final answer.
var ErrIterationLimit = errors.New("agent: iteration limit exceeded")

// Item is one element of an agent's output stream. Exactly one of Chunk,
// ToolCall or Result is the payload; Clarification accompanies the ToolCall
// that asked for it.
type Item struct {
	Chunk         string
	ToolCall      *protocol.ToolCallRecord
	Clarification *tool.Clarification
	Result        *StepResult

	// Cost is the USD spend incurred producing this item.
	Cost float64
	// State is an opaque snapshot of the agent's conversation after this
	// item. It is persisted with the checkpoint and handed back on resume.
	State json.RawMessage
}

// StepResult terminates a stream successfully.
type StepResult struct {
	Artifact string
}

// Stream is a pull-based sequence of items. Next returns io.EOF after the
// Result item.
type Stream interface {
	Next(ctx context.Context) (Item, error)
	Close() error
}

// InputKind distinguishes human inputs delivered to a step.
type InputKind string

const (
	InputFeedback      InputKind = "feedback"
	InputClarification InputKind = "clarification"
)

// Input is human guidance the step has not consumed yet.
type Input struct {
	Kind     InputKind
	ID       string
	Question string // clarifications only
	Text     string
}

// PriorOutput is the artifact of an earlier, completed step.
type PriorOutput struct {
	Index  int
	Name   string
	Output string
}

// Request describes one invocation of a step's agent.
type Request struct {
	PipelineID string
	TicketRef  string
	Repo       string
	Branch     string

	Step      protocol.StepDefinition
	StepIndex int
	Attempt   int

	Prior []PriorOutput
	// History holds the checkpoints already persisted for this attempt.
	// Invokers must not re-emit them.
	History []protocol.Checkpoint
	// State is the snapshot stored with the last checkpoint, if any.
	State  json.RawMessage
	Inputs []Input

	Workspace *protocol.WorkspaceHandle
}

// Resuming reports whether the request continues an attempt that already
// produced output.
func (r Request) Resuming() bool {
	return len(r.History) > 0 || len(r.State) > 0
}

// Invoker starts agent streams. One invoker serves every step kind; the
// step definition in the request selects the behaviour.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Stream, error)
}

// Registry routes requests to an invoker by agent kind, falling back to a
// default for kinds without a dedicated one.
type Registry struct {
	mu       sync.RWMutex
	byKind   map[protocol.AgentKind]Invoker
	fallback Invoker
}

// NewRegistry creates a registry. fallback may be nil.
func NewRegistry(fallback Invoker) *Registry {
	return &Registry{byKind: make(map[protocol.AgentKind]Invoker), fallback: fallback}
}

// Register sets the invoker for a kind.
func (r *Registry) Register(kind protocol.AgentKind, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = inv
}

// Get returns the invoker serving a kind.
func (r *Registry) Get(kind protocol.AgentKind) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if inv, ok := r.byKind[kind]; ok {
		return inv, true
	}
	return r.fallback, r.fallback != nil
}

// Invoke dispatches on the request's step kind.
func (r *Registry) Invoke(ctx context.Context, req Request) (Stream, error) {
	inv, ok := r.Get(req.Step.Kind)
	if !ok {
		return nil, fmt.Errorf("agent: no invoker for kind %q", req.Step.Kind)
	}
	return inv.Invoke(ctx, req)
}
