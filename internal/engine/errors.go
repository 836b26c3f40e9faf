package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/h1v3-io/relay/internal/runner"
	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/internal/workspace"
	"github.com/h1v3-io/relay/pkg/protocol"
)

var (
	// ErrInvalidState is returned when an operation is not legal in the
	// pipeline's or step's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound is returned for unknown pipelines, steps or requests.
	ErrNotFound = store.ErrNotFound
	// ErrAlreadyRunning is returned when the pipeline already has a live task.
	ErrAlreadyRunning = runner.ErrAlreadyRunning
)

// StepError is a classified failure of one step attempt.
type StepError struct {
	Kind protocol.ErrorKind
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %s: %v", e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Classify maps an error to the engine's error taxonomy.
func Classify(err error) protocol.ErrorKind {
	var se *StepError
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, ErrInvalidState), errors.Is(err, store.ErrConflict):
		return protocol.ErrorInvalidState
	case errors.Is(err, runner.ErrAlreadyRunning):
		return protocol.ErrorAlreadyRunning
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrorTimeout
	case errors.Is(err, workspace.ErrBusy), errors.Is(err, workspace.ErrUnavailable):
		return protocol.ErrorWorkspaceFailure
	}
	return protocol.ErrorAgentFailure
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
