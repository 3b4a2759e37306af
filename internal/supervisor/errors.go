package supervisor

import (
	"errors"
	"time"
)

// Caller errors: no state change on return.
var (
	ErrWriteLocked = errors.New("write locked")
	ErrTabBusy = errors.New("tab busy")
	ErrSessionNotFound = errors.New("session not found")
)

// ErrAgentNotFound is returned when adapter executable resolution fails.
var ErrAgentNotFound = errors.New("agent not found")

// AgentError is a tagged value: the agent child reported an error (or
// one was synthesized, e.g. on interrupt or non-zero exit).
type AgentError struct {
	Kind string
	Message string
	Recoverable bool
}

func (e *AgentError) Error() string { return e.Kind + ": " + e.Message }

// InterruptGrace is how long the supervisor waits for the agent to
// surface its own interrupt event before escalating to SIGTERM, then
// SIGKILL.
const InterruptGrace = 10 * time.Second
