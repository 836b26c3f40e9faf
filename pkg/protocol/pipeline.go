package protocol

import "time"

// StepCount is the fixed number of steps in every pipeline.
const StepCount = 8

// PipelineStatus represents the lifecycle state of a pipeline.
type PipelineStatus string

const (
	PipelinePending       PipelineStatus = "pending"
	PipelineRunning       PipelineStatus = "running"
	PipelinePaused        PipelineStatus = "paused"
	PipelineAwaitingInput PipelineStatus = "awaiting_input"
	PipelineCompleted     PipelineStatus = "completed"
	PipelineFailed        PipelineStatus = "failed"
)

// Terminal reports whether no further transitions happen without a restart.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineCompleted || s == PipelineFailed
}

// StepStatus represents the lifecycle state of a single step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepPaused      StepStatus = "paused" // waiting on a clarification answer
	StepInterrupted StepStatus = "interrupted"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
)

// Pipeline is one ticket's run through the eight steps.
type Pipeline struct {
	ID             string                 `json:"id"`
	TicketRef      string                 `json:"ticket_ref"`
	Repo           string                 `json:"repo,omitempty"`
	Branch         string                 `json:"branch"`
	CurrentStep    int                    `json:"current_step"`
	Status         PipelineStatus         `json:"status"`
	Cost           float64                `json:"cost"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	RetiredAt      *time.Time             `json:"retired_at,omitempty"`
	Steps          []Step                 `json:"steps"`
	Feedback       []Feedback             `json:"feedback,omitempty"`
	Clarifications []ClarificationRequest `json:"clarifications,omitempty"`
}

// Step is one ordered phase of a pipeline.
type Step struct {
	Index     int           `json:"index"`
	Kind      AgentKind     `json:"kind"`
	Name      string        `json:"name"`
	Status    StepStatus    `json:"status"`
	Attempt   int           `json:"attempt"`
	Output    string        `json:"output,omitempty"`
	Cost      float64       `json:"cost"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Session   *AgentSession `json:"session,omitempty"`
}

// Step returns the step at index i, or nil when out of range.
func (p *Pipeline) Step(i int) *Step {
	if i < 0 || i >= len(p.Steps) {
		return nil
	}
	return &p.Steps[i]
}

// RunningStep returns the index of the running step, or -1.
func (p *Pipeline) RunningStep() int {
	for i := range p.Steps {
		if p.Steps[i].Status == StepRunning {
			return i
		}
	}
	return -1
}

// PendingClarifications returns the unanswered clarification requests for a step.
func (p *Pipeline) PendingClarifications(step int) []ClarificationRequest {
	var out []ClarificationRequest
	for _, c := range p.Clarifications {
		if c.StepIndex == step && c.Status == InputPending {
			out = append(out, c)
		}
	}
	return out
}

// DeriveStatus computes a pipeline's status from its steps' statuses.
func DeriveStatus(steps []Step) PipelineStatus {
	var running, paused, interrupted, completed, pending int
	for _, s := range steps {
		switch s.Status {
		case StepFailed:
			return PipelineFailed
		case StepRunning:
			running++
		case StepPaused:
			paused++
		case StepInterrupted:
			interrupted++
		case StepCompleted:
			completed++
		case StepPending:
			pending++
		}
	}
	switch {
	case len(steps) > 0 && completed == len(steps):
		return PipelineCompleted
	case running > 0:
		return PipelineRunning
	case paused > 0:
		return PipelineAwaitingInput
	case interrupted > 0:
		return PipelinePaused
	case pending == len(steps):
		return PipelinePending
	default:
		return PipelinePaused
	}
}

// CurrentIndex returns the index of the first step that is not completed, or
// the last index when every step is.
func CurrentIndex(steps []Step) int {
	for i, s := range steps {
		if s.Status != StepCompleted {
			return i
		}
	}
	return len(steps) - 1
}
