package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger           = errors.New("no logger provided")
	ErrNoConfig           = errors.New("no config provided")
	ErrNoAPIKey           = errors.New("no API key provided")
	ErrNoTransport        = errors.New("no transport provided")
	ErrSessionActive      = errors.New("a session is already active")
	ErrChannelNegotiating = errors.New("data channel is already negotiating")
	ErrTransportSpent     = errors.New("transport instance already failed or closed")
	ErrChannelNotOpen     = errors.New("data channel is not open")
	ErrHandlerAlreadySet  = errors.New("handler already set")
)

// ErrorKind classifies errors surfaced on the error event.
type ErrorKind string

const (
	ErrorKindConnection ErrorKind = "connection"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindProtocol   ErrorKind = "protocol"
	ErrorKindSession    ErrorKind = "session"
	ErrorKindCleanup    ErrorKind = "cleanup"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// ConnectionError reports a failed peer connection negotiation.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DataChannelTimeoutError reports that the data channel did not reach the
// open state within the configured bound.
type DataChannelTimeoutError struct {
	Timeout string
}

func (e *DataChannelTimeoutError) Error() string {
	return fmt.Sprintf("data channel did not open within %s", e.Timeout)
}

// ProtocolValidationError reports that the remote endpoint rejected a
// configuration parameter. Non-fatal to the session.
type ProtocolValidationError struct {
	Code    string
	Message string
}

func (e *ProtocolValidationError) Error() string {
	return fmt.Sprintf("protocol validation: %s: %s", e.Code, e.Message)
}

// SessionStateError reports a call that is invalid for the current session
// state.
type SessionStateError struct {
	Call  string
	State string
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("%s not allowed while session is %s", e.Call, e.State)
}

// CleanupError reports that teardown exceeded its grace period and resources
// were force-released.
type CleanupError struct {
	Stage string
	Err   error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup: %s: %v", e.Stage, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Classify maps an error to its kind for the error event payload.
func Classify(err error) ErrorKind {
	var (
		connErr    *ConnectionError
		dcErr      *DataChannelTimeoutError
		protoErr   *ProtocolValidationError
		stateErr   *SessionStateError
		cleanupErr *CleanupError
	)
	switch {
	case errors.As(err, &dcErr):
		return ErrorKindTimeout
	case errors.As(err, &connErr):
		return ErrorKindConnection
	case errors.As(err, &protoErr):
		return ErrorKindProtocol
	case errors.As(err, &stateErr):
		return ErrorKindSession
	case errors.As(err, &cleanupErr):
		return ErrorKindCleanup
	}
	return ErrorKindUnknown
}
