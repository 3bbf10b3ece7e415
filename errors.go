package mcp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotReady is returned when a session is used before its handshake completed.
	ErrNotReady = errors.New("session is not ready")
	// ErrSessionClosed is returned when a session, or the transport under it, is already closed.
	ErrSessionClosed = errors.New("session is closed")
	// ErrUnsupported is returned when the transport cannot carry the requested operation.
	ErrUnsupported = errors.New("operation not supported by transport")
)

// ConnectionError reports that a transport could not be established: a process failed to
// spawn or exited during startup, an HTTP endpoint answered with a non-2xx status, an event
// stream had the wrong content type, or the handshake failed.
type ConnectionError struct {
	// Op names the step that failed, e.g. "spawn", "initialize".
	Op string
	// Target is the command or URL being connected to.
	Target string
	// StatusCode is the HTTP status code, when the failure came from an HTTP response.
	StatusCode int
	Err        error
}

// ProtocolError reports a JSON-RPC level failure: either the server answered a request with
// an error object, or a message could not be decoded.
type ProtocolError struct {
	// Method is the request method the error answers, empty for undecodable input.
	Method string
	Err    error
}

// TimeoutError reports that a single request received no response before its deadline.
type TimeoutError struct {
	Method string
	ID     string
	After  time.Duration
}

// TerminationError reports that the transport under a session ended unexpectedly. Every
// request outstanding at that moment is rejected with it.
type TerminationError struct {
	Reason string
	Err    error
}

// UsageError reports a call that is invalid in the current state: an operation on a session
// that is not Ready, or a reference to an unknown session id.
type UsageError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	msg := "connection error"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Target != "" {
		msg += " " + e.Target
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": unexpected status code %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s (id %s) timed out after %s", e.Method, e.ID, e.After)
}

func (e *TerminationError) Error() string {
	if e.Err == nil {
		return "transport terminated: " + e.Reason
	}
	return fmt.Sprintf("transport terminated: %s: %v", e.Reason, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UsageError) Unwrap() error { return e.Err }

// asConnectionError wraps err into a ConnectionError for op unless it already is one.
func asConnectionError(op, target string, err error) error {
	var cErr *ConnectionError
	if errors.As(err, &cErr) {
		return err
	}
	return &ConnectionError{Op: op, Target: target, Err: err}
}
