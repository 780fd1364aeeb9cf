package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamEnded means the body closed before a complete or error frame.
	ErrStreamEnded = errors.New("stream ended without completion")
	// ErrTurnTimeout means the local turn deadline expired.
	ErrTurnTimeout = errors.New("agent turn timed out")
)

// StatusError is a non-2xx answer from the agent endpoint. The body is not
// parsed.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent error: HTTP %d from %s", e.StatusCode, e.URL)
}

// AgentError carries the description from an explicit error frame.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	return "agent reported error: " + e.Message
}

// ProtocolError is a recognized frame whose payload does not decode.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed %s frame: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
