package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the system.
type ErrorKind string

const (
	// KindTransport is a network or HTTP failure. Retryable per endpoint policy.
	KindTransport ErrorKind = "transport"
	// KindProtocol is a malformed or unexpected response shape. Never retried.
	KindProtocol ErrorKind = "protocol"
	// KindContextOverflow means the backend rejected the prompt as too large.
	KindContextOverflow ErrorKind = "context_overflow"
	// KindToolExecution is a failure inside a tool executor.
	KindToolExecution ErrorKind = "tool_execution"
	// KindInvalidInput means caller-supplied arguments were malformed.
	KindInvalidInput ErrorKind = "invalid_input"
)

// Error is the structured error used at component boundaries.
type Error struct {
	Kind       ErrorKind
	Op         string // operation that failed, e.g. "embedding.embed"
	StatusCode int    // HTTP status for transport errors, 0 otherwise
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransportError wraps a network or HTTP failure. status is 0 when the
// request never produced a response.
func NewTransportError(op string, status int, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, StatusCode: status, Err: err}
}

// NewProtocolError reports an unexpected response shape.
func NewProtocolError(op, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewContextOverflowError reports a prompt rejected as too large.
func NewContextOverflowError(op, message string) *Error {
	return &Error{Kind: KindContextOverflow, Op: op, StatusCode: 400, Message: message}
}

// NewToolExecutionError wraps a failure raised by tool.
func NewToolExecutionError(tool string, err error) *Error {
	return &Error{Kind: KindToolExecution, Op: "tool." + tool, Err: err}
}

// NewInvalidInput reports malformed caller input.
func NewInvalidInput(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapInvalidInput reports malformed caller input while keeping err in the
// chain for errors.Is.
func WrapInvalidInput(op string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
