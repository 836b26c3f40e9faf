package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

var (
	// ErrNotFound is returned when a pipeline or input record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a pipeline invariant
	// or was issued for a superseded step attempt.
	ErrConflict = errors.New("conflict")
)

// Store is the durable session store for pipelines. Writes are serialised per
// pipeline; different pipelines may be written concurrently.
type Store interface {
	// CreatePipeline persists a new pipeline and its steps.
	CreatePipeline(ctx context.Context, p *protocol.Pipeline) error
	// LoadPipeline returns a full snapshot: steps with their current sessions,
	// feedback and clarification requests.
	LoadPipeline(ctx context.Context, id string) (*protocol.Pipeline, error)
	// ListPipelines returns pipelines (with steps, without sessions) matching the filter.
	ListPipelines(ctx context.Context, filter Filter) ([]*protocol.Pipeline, error)

	// AppendCheckpoint persists one stream element of a running step attempt,
	// advancing the session offset, the step output and cost in one
	// transaction. cp.Offset is set on success.
	AppendCheckpoint(ctx context.Context, cp *protocol.Checkpoint, state json.RawMessage) error
	// UpdateStepStatus applies the updates and re-derives the pipeline status
	// in one transaction.
	UpdateStepStatus(ctx context.Context, pipelineID string, updates ...StepUpdate) (protocol.PipelineStatus, error)
	// UpdatePipelineStatus re-derives the pipeline status, current step and
	// cost from the steps and persists them.
	UpdatePipelineStatus(ctx context.Context, pipelineID string) (protocol.PipelineStatus, error)

	// Checkpoints lists the checkpoints of one step attempt in offset order.
	Checkpoints(ctx context.Context, pipelineID string, step, attempt int) ([]protocol.Checkpoint, error)
	// StepHistory lists archived outputs of a step, oldest first.
	StepHistory(ctx context.Context, pipelineID string, step int) ([]protocol.StepHistory, error)

	AddFeedback(ctx context.Context, fb *protocol.Feedback) error
	AddClarification(ctx context.Context, c *protocol.ClarificationRequest) error
	AnswerClarification(ctx context.Context, pipelineID, requestID string, ans protocol.ClarificationAnswer) (*protocol.ClarificationRequest, error)
	// ConsumeInputs marks the step's pending feedback answered and its answered
	// clarifications consumed. When ids are given only those inputs are
	// touched.
	ConsumeInputs(ctx context.Context, pipelineID string, step int, ids ...string) error

	// Retire soft-retires terminal pipelines last updated before cutoff and
	// expires their sessions. It returns the retired ids.
	Retire(ctx context.Context, cutoff time.Time) ([]string, error)

	Close() error
}

// Filter constrains pipeline list queries.
type Filter struct {
	Status         *protocol.PipelineStatus
	TicketRef      string
	IncludeRetired bool
	Limit          int // 0 = no limit
}

// StepUpdate describes a change to one step.
type StepUpdate struct {
	Index  int
	Status protocol.StepStatus

	// NewAttempt increments the attempt counter, clears output and error and
	// opens a fresh session. When Archive is set the superseded output is
	// recorded in the step history first.
	NewAttempt bool
	Archive    protocol.HistoryReason
	FeedbackID string

	// ExpectAttempt, when non-zero, rejects the update with ErrConflict if the
	// step has moved on to another attempt.
	ExpectAttempt int

	Output    *string
	CostDelta float64
	Error     string
	ErrorKind protocol.ErrorKind
	Workspace *protocol.WorkspaceHandle
}

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
