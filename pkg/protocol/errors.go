package protocol

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	ErrorInvalidState       ErrorKind = "invalid_state"
	ErrorAlreadyRunning     ErrorKind = "already_running"
	ErrorAgentFailure       ErrorKind = "agent_failure"
	ErrorWorkspaceFailure   ErrorKind = "workspace_failure"
	ErrorTimeout            ErrorKind = "timeout"
	ErrorPersistenceFailure ErrorKind = "persistence_failure"
)

// Retryable reports whether the kind is retried automatically.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorAgentFailure, ErrorWorkspaceFailure, ErrorTimeout:
		return true
	}
	return false
}
