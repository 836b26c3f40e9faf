package protocol

import "time"

// EventKind names a bus event.
type EventKind string

const (
	EventSnapshot               EventKind = "snapshot"
	EventStepStarted            EventKind = "step_started"
	EventStepCompleted          EventKind = "step_completed"
	EventStepInterrupted        EventKind = "step_interrupted"
	EventStepFailed             EventKind = "step_failed"
	EventStepRetrying           EventKind = "step_retrying"
	EventOutputChunk            EventKind = "output_chunk"
	EventToolCall               EventKind = "tool_call"
	EventClarificationRequested EventKind = "clarification_requested"
	EventFeedbackReceived       EventKind = "feedback_received"
	EventPipelinePaused         EventKind = "pipeline_paused"
	EventPipelineAwaitingInput  EventKind = "pipeline_awaiting_input"
	EventPipelineCompleted      EventKind = "pipeline_completed"
	EventPipelineFailed         EventKind = "pipeline_failed"
	EventError                  EventKind = "error"
)

// Event is published on the bus for every observable engine change.
// StepIndex is -1 for pipeline-level events.
type Event struct {
	PipelineID string    `json:"pipeline_id"`
	StepIndex  int       `json:"step_index"`
	Kind       EventKind `json:"kind"`
	Payload    any       `json:"payload,omitempty"`
	Offset     int64     `json:"offset,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorPayload accompanies error events.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt,omitempty"`
}

// StepPayload accompanies step lifecycle events.
type StepPayload struct {
	Name    string  `json:"name,omitempty"`
	Attempt int     `json:"attempt"`
	Resumed bool    `json:"resumed,omitempty"`
	Output  string  `json:"output,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// ChunkPayload accompanies output_chunk events.
type ChunkPayload struct {
	Attempt int     `json:"attempt"`
	Text    string  `json:"text"`
	Cost    float64 `json:"cost,omitempty"`
}

// PipelinePayload accompanies pipeline-level events.
type PipelinePayload struct {
	TicketRef   string         `json:"ticket_ref"`
	Status      PipelineStatus `json:"status"`
	CurrentStep int            `json:"current_step"`
	Cost        float64        `json:"cost"`
}
