package runner

import (
	"context"
	"sync"
	"time"
)

// DirectiveKind is a control request honoured by a running task at its next
// element boundary.
type DirectiveKind int

const (
	DirectiveNone DirectiveKind = iota
	DirectiveFeedback
	DirectivePause
	DirectiveRestart
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveFeedback:
		return "feedback"
	case DirectivePause:
		return "pause"
	case DirectiveRestart:
		return "restart"
	}
	return "none"
}

// Directive is a pending control request.
type Directive struct {
	Kind       DirectiveKind
	Step       int
	FeedbackID string
}

// Task is one pipeline's execution. Its context is cancelled on shutdown;
// pause, feedback and restart travel through the directive slot instead.
type Task struct {
	PipelineID string

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	created time.Time

	mu        sync.Mutex
	directive Directive
	sealed    bool
}

// Done is closed when the task has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Request records a directive. A restart supersedes a pause, a pause
// supersedes feedback, and of two restarts the earlier step wins. It reports
// whether d became the pending directive. A sealed task accepts nothing.
func (t *Task) Request(d Directive) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.directive
	switch {
	case t.sealed:
		return false
	case d.Kind < cur.Kind:
		return false
	case d.Kind == DirectiveRestart && cur.Kind == DirectiveRestart && cur.Step <= d.Step:
		return false
	}
	t.directive = d
	return true
}

// Pending returns the pending directive without clearing it.
func (t *Task) Pending() Directive {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directive
}

// Take returns and clears the pending directive.
func (t *Task) Take() Directive {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.directive
	t.directive = Directive{}
	return d
}

// Seal returns and clears the pending directive if there is one. Otherwise
// it marks the task as exiting: later requests are refused and callers must
// wait for Done and act on the pipeline themselves.
func (t *Task) Seal() Directive {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.directive.Kind != DirectiveNone {
		d := t.directive
		t.directive = Directive{}
		return d
	}
	t.sealed = true
	return Directive{}
}

// Sealed reports whether the task has stopped accepting directives.
func (t *Task) Sealed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}
