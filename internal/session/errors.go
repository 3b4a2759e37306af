package session

import "errors"

// Caller errors : no state change on return.
var (
	ErrInvalidPath = errors.New("invalid path")
	ErrUnknownAgent = errors.New("unknown agent")
	ErrNotFound = errors.New("session not found")
)
