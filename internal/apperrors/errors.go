// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrInternal   = errors.New("internal error")

	ErrAuthMissing        = errors.New("auth token missing")
	ErrHandshakeTimeout   = errors.New("handshake timeout")
	ErrTransport          = errors.New("transport error")
	ErrParse              = errors.New("parse error")
	ErrNotConnected       = errors.New("not connected")
	ErrServerReported     = errors.New("server reported error")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrDisconnected       = errors.New("disconnected")
	ErrClosed             = errors.New("client closed")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "jobId")
	Resource string // For not found errors (e.g., "job")
	Op       string // Operation that failed (e.g., "transport.dial")
	Code     string // Server-provided error code, if any
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause so both match errors.Is().
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Transport creates a transport error for a failed dial, read or write.
func Transport(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransport,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Parse creates a parse error for a rejected inbound frame.
func Parse(message string, cause error) error {
	msg := message
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", message, cause)
	}
	return &Error{
		Sentinel: ErrParse,
		Message:  msg,
		Op:       "protocol.decode",
		Cause:    cause,
	}
}

// HandshakeTimeout creates the error returned when the connection did not open in time.
func HandshakeTimeout(url string) error {
	return &Error{
		Sentinel: ErrHandshakeTimeout,
		Message:  fmt.Sprintf("connection to %s did not open in time", url),
		Op:       "session.connect",
	}
}

// ServerReported wraps an error message sent by the server.
func ServerReported(message, code string) error {
	if message == "" {
		message = "server error"
	}
	return &Error{
		Sentinel: ErrServerReported,
		Message:  message,
		Code:     code,
	}
}

// ReconnectExhausted creates the error carried by the reconnect_failed event.
func ReconnectExhausted(attempts int) error {
	return &Error{
		Sentinel: ErrReconnectExhausted,
		Message:  fmt.Sprintf("gave up after %d reconnect attempts", attempts),
		Op:       "session.reconnect",
	}
}
