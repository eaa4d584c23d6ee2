// Package syncerrors provides the structured error taxonomy used across the
// sync pipeline.
//
// Every failure the pipeline has to reason about carries an ErrorType. The
// retry executor classifies on it, the REST layer maps it to status codes and
// the orchestrator records its message on the Sync Log.
//
//	err := syncerrors.New(syncerrors.ErrorTypeServer, "legacy source returned 503").
//		WithStatus(503)
//
//	if syncerrors.IsRetryable(err) {
//		// back off and try again
//	}
//
// Errors created by this package keep the stack of the first error in a
// wrap chain and unwrap to their cause, so errors.Is and errors.As work as
// usual.
package syncerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeTransientNetwork represents connection resets, refused
	// connections, timeouts and DNS failures
	ErrorTypeTransientNetwork ErrorType = "transient_network"
	// ErrorTypeRateLimit represents HTTP 429 responses
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeServer represents HTTP 5xx responses
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeClient represents HTTP 4xx responses other than 429
	ErrorTypeClient ErrorType = "client"
	// ErrorTypeParse represents a malformed array or element
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeCircuitOpen represents a call rejected by an open breaker
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeRetryExhausted represents a call that failed after the last attempt
	ErrorTypeRetryExhausted ErrorType = "retry_exhausted"
	// ErrorTypeStore represents persistence failures
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeValidation represents invalid input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict represents uniqueness conflicts
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// Error represents a structured error with context
type Error struct {
	Type       ErrorType
	Message    string
	Cause      error
	StatusCode int
	Details    map[string]interface{}
	Stack      []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports a match against another *Error of the same type and message.
// It lets package-level sentinels be compared with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Message == t.Message
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithStatus records the HTTP status the error was derived from
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack and status
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:       errType,
			Message:    message,
			Cause:      err,
			StatusCode: existingErr.StatusCode,
			Stack:      existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// FromStatus builds the error for a non-2xx HTTP response
func FromStatus(code int, message string) *Error {
	var errType ErrorType
	switch {
	case code == 429:
		errType = ErrorTypeRateLimit
	case code >= 500:
		errType = ErrorTypeServer
	default:
		errType = ErrorTypeClient
	}
	return &Error{
		Type:       errType,
		Message:    message,
		StatusCode: code,
		Stack:      captureStack(2),
	}
}

// StatusCode returns the HTTP status carried anywhere in err's chain, or 0
func StatusCode(err error) int {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return 0
		}
		if e.StatusCode != 0 {
			return e.StatusCode
		}
		err = e.Cause
	}
	return 0
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeServer, ErrorTypeTransientNetwork:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 16
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	stack := make([]StackFrame, 0, n)
	for {
		frame, more := frames.Next()
		stack = append(stack, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more {
			break
		}
	}
	return stack
}
