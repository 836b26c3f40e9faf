package protocol

import (
	"encoding/json"
	"time"
)

// SessionStatus tracks an agent session's lifecycle.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// AgentSession is the durable context of one step attempt. Context is
// owned by the agent invoker and opaque to the engine.
type AgentSession struct {
	PipelineID string           `json:"pipeline_id"`
	StepIndex  int              `json:"step_index"`
	Attempt    int              `json:"attempt"`
	Status     SessionStatus    `json:"status"`
	Context    json.RawMessage  `json:"context,omitempty"`
	Offset     int64            `json:"offset"`
	Workspace  *WorkspaceHandle `json:"workspace,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// WorkspaceHandle identifies an isolated checkout held by a pipeline.
type WorkspaceHandle struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Repo       string `json:"repo,omitempty"`
	Branch     string `json:"branch"`
	Dir        string `json:"dir"`
}

// CheckpointKind distinguishes the elements of an invoker stream.
type CheckpointKind string

const (
	CheckpointChunk    CheckpointKind = "chunk"
	CheckpointToolCall CheckpointKind = "tool_call"
)

// Checkpoint is one persisted stream element of a step attempt.
type Checkpoint struct {
	PipelineID string          `json:"pipeline_id"`
	StepIndex  int             `json:"step_index"`
	Attempt    int             `json:"attempt"`
	Offset     int64           `json:"offset"`
	Kind       CheckpointKind  `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCallRecord `json:"tool_call,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ToolCallRecord is a completed tool invocation.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result"`
	IsError   bool           `json:"is_error,omitempty"`
}

// InputStatus tracks feedback and clarification requests.
type InputStatus string

const (
	InputPending   InputStatus = "pending"
	InputAnswered  InputStatus = "answered"
	InputDismissed InputStatus = "dismissed" // asked by a superseded attempt
)

// Feedback is user input attached to a step.
type Feedback struct {
	ID         string      `json:"id"`
	PipelineID string      `json:"pipeline_id"`
	StepIndex  int         `json:"step_index"`
	Payload    string      `json:"payload"`
	Status     InputStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	AnsweredAt *time.Time  `json:"answered_at,omitempty"`
}

// ClarificationRequest is a question the agent asked the user.
type ClarificationRequest struct {
	ID             string      `json:"id"`
	PipelineID     string      `json:"pipeline_id"`
	StepIndex      int         `json:"step_index"`
	Question       string      `json:"question"`
	Options        []string    `json:"options"`
	Status         InputStatus `json:"status"`
	SelectedOption *int        `json:"selected_option,omitempty"`
	CustomAnswer   string      `json:"custom_answer,omitempty"`
	Consumed       bool        `json:"consumed"`
	CreatedAt      time.Time   `json:"created_at"`
	AnsweredAt     *time.Time  `json:"answered_at,omitempty"`
}

// Answer returns the chosen option text or the custom answer.
func (c ClarificationRequest) Answer() string {
	if c.SelectedOption != nil && *c.SelectedOption >= 0 && *c.SelectedOption < len(c.Options) {
		return c.Options[*c.SelectedOption]
	}
	return c.CustomAnswer
}

// ClarificationAnswer is the user's reply to a clarification request.
type ClarificationAnswer struct {
	SelectedOption *int   `json:"selected_option,omitempty"`
	CustomAnswer   string `json:"custom_answer,omitempty"`
}

// HistoryReason records why a step's output was archived.
type HistoryReason string

const (
	HistoryRestart  HistoryReason = "restart"
	HistoryRetry    HistoryReason = "retry"
	HistoryFeedback HistoryReason = "feedback"
)

// StepHistory is the archived output of a superseded attempt.
type StepHistory struct {
	PipelineID string        `json:"pipeline_id"`
	StepIndex  int           `json:"step_index"`
	Attempt    int           `json:"attempt"`
	Output     string        `json:"output"`
	Error      string        `json:"error,omitempty"`
	Reason     HistoryReason `json:"reason"`
	FeedbackID string        `json:"feedback_id,omitempty"`
	ArchivedAt time.Time     `json:"archived_at"`
}
