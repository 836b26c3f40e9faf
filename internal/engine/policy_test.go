package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/internal/workspace"
	"github.com/h1v3-io/relay/pkg/protocol"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want protocol.ErrorKind
	}{
		{errors.New("model overloaded"), protocol.ErrorAgentFailure},
		{&StepError{Kind: protocol.ErrorWorkspaceFailure, Err: errors.New("x")}, protocol.ErrorWorkspaceFailure},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), protocol.ErrorTimeout},
		{fmt.Errorf("acquire: %w", workspace.ErrBusy), protocol.ErrorWorkspaceFailure},
		{fmt.Errorf("write: %w", store.ErrConflict), protocol.ErrorInvalidState},
		{invalidState("step %d is done", 3), protocol.ErrorInvalidState},
		{fmt.Errorf("start: %w", ErrAlreadyRunning), protocol.ErrorAlreadyRunning},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestPolicyRetries(t *testing.T) {
	p := DefaultPolicy()
	def := protocol.StepDefinition{}

	if n := p.retries(def, protocol.ErrorAgentFailure); n != 2 {
		t.Errorf("agent retries = %d", n)
	}
	if n := p.retries(def, protocol.ErrorTimeout); n != 2 {
		t.Errorf("timeout retries = %d, should share the agent budget", n)
	}
	if n := p.retries(def, protocol.ErrorWorkspaceFailure); n != 1 {
		t.Errorf("workspace retries = %d", n)
	}
	if n := p.retries(def, protocol.ErrorPersistenceFailure); n != 0 {
		t.Errorf("persistence retries = %d", n)
	}

	zero := 0
	def.MaxRetries = &zero
	if n := p.retries(def, protocol.ErrorAgentFailure); n != 0 {
		t.Errorf("step override ignored: %d", n)
	}
}

func TestPolicyBackoffAndTimeout(t *testing.T) {
	p := Policy{RetryBackoff: time.Second, StepTimeout: time.Minute}
	for n, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if got := p.backoff(n); got != want {
			t.Errorf("backoff(%d) = %v, want %v", n, got, want)
		}
	}
	if got := p.backoff(30); got > 2*time.Minute {
		t.Errorf("backoff should be capped, got %v", got)
	}
	if got := p.timeout(protocol.StepDefinition{}); got != time.Minute {
		t.Errorf("timeout = %v", got)
	}
	if got := p.timeout(protocol.StepDefinition{Timeout: time.Second}); got != time.Second {
		t.Errorf("step timeout override = %v", got)
	}
}
