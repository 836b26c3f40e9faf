package protocol

import "testing"

func steps(statuses ...StepStatus) []Step {
	out := make([]Step, len(statuses))
	for i, s := range statuses {
		out[i] = Step{Index: i, Status: s}
	}
	return out
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  PipelineStatus
	}{
		{"all pending", steps(StepPending, StepPending, StepPending), PipelinePending},
		{"running", steps(StepCompleted, StepRunning, StepPending), PipelineRunning},
		{"interrupted", steps(StepCompleted, StepInterrupted, StepPending), PipelinePaused},
		{"waiting on answer", steps(StepPaused, StepPending, StepPending), PipelineAwaitingInput},
		{"failed wins", steps(StepCompleted, StepFailed, StepPending), PipelineFailed},
		{"all completed", steps(StepCompleted, StepCompleted, StepCompleted), PipelineCompleted},
		{"between steps", steps(StepCompleted, StepPending, StepPending), PipelinePaused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.steps); got != tt.want {
				t.Errorf("DeriveStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCurrentIndex(t *testing.T) {
	if got := CurrentIndex(steps(StepCompleted, StepRunning, StepPending)); got != 1 {
		t.Errorf("CurrentIndex = %d, want 1", got)
	}
	if got := CurrentIndex(steps(StepCompleted, StepCompleted)); got != 1 {
		t.Errorf("CurrentIndex all completed = %d, want 1", got)
	}
}

func TestPendingClarifications(t *testing.T) {
	p := &Pipeline{Clarifications: []ClarificationRequest{
		{ID: "a", StepIndex: 0, Status: InputPending},
		{ID: "b", StepIndex: 0, Status: InputAnswered},
		{ID: "c", StepIndex: 1, Status: InputPending},
	}}
	got := p.PendingClarifications(0)
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("PendingClarifications(0) = %+v", got)
	}
}

func TestUsageCost(t *testing.T) {
	u := Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}
	if got := u.Cost(); got != 18 {
		t.Errorf("Cost = %v, want 18", got)
	}
	if got := EstimateCost("abcdabcd", "abcd"); got <= 0 {
		t.Errorf("EstimateCost = %v, want > 0", got)
	}
}
