package engine

import (
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

// Policy bounds automatic retries and step runtime.
type Policy struct {
	// MaxRetries is the number of automatic restarts per retryable error
	// kind. Timeouts count against the agent_failure budget.
	MaxRetries map[protocol.ErrorKind]int
	// StepTimeout bounds one run of a step. A step definition's Timeout
	// overrides it.
	StepTimeout time.Duration
	// RetryBackoff is the delay before the first automatic restart; it
	// doubles with each further one.
	RetryBackoff time.Duration
}

// DefaultPolicy returns the stock retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: map[protocol.ErrorKind]int{
			protocol.ErrorAgentFailure:     2,
			protocol.ErrorWorkspaceFailure: 1,
		},
		StepTimeout:  10 * time.Minute,
		RetryBackoff: 2 * time.Second,
	}
}

// retries returns the retry budget for a failure of kind in the given step.
func (p Policy) retries(def protocol.StepDefinition, kind protocol.ErrorKind) int {
	if !kind.Retryable() {
		return 0
	}
	if kind == protocol.ErrorTimeout {
		kind = protocol.ErrorAgentFailure
	}
	if kind == protocol.ErrorAgentFailure && def.MaxRetries != nil {
		return *def.MaxRetries
	}
	return p.MaxRetries[kind]
}

func (p Policy) timeout(def protocol.StepDefinition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return p.StepTimeout
}

// backoff returns the delay before retry number n (0-based).
func (p Policy) backoff(n int) time.Duration {
	if p.RetryBackoff <= 0 {
		return 0
	}
	d := p.RetryBackoff
	for i := 0; i < n && d < time.Minute; i++ {
		d *= 2
	}
	return d
}
