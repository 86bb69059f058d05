// Package cadenzaerr defines the error taxonomy shared by providers and the
// runtime: a retryable-aware APIError base with status, connection, and
// timeout variants, plus the worker's assignment-timeout error.
//
// Providers wrap transport failures into these types so that retry and
// fallback policy can be decided uniformly with errors.As.
package cadenzaerr

import (
	"errors"
	"fmt"
	"time"
)

// APIError is the base class for provider call failures.
type APIError struct {
	// Message describes the failure.
	Message string

	// Body is the raw response body, when one was received.
	Body string

	// Retryable reports whether the caller may retry the operation.
	Retryable bool
}

func (e *APIError) Error() string {
	return e.Message
}

// NewAPIError creates a retryable APIError with the given message.
func NewAPIError(msg string) *APIError {
	return &APIError{Message: msg, Retryable: true}
}

// APIStatusError is an HTTP-like status failure. 4xx is non-retryable by
// default; 5xx is retryable.
type APIStatusError struct {
	APIError

	// StatusCode is the HTTP-like status of the failed call.
	StatusCode int

	// RequestID identifies the failed request when the provider returned one.
	RequestID string
}

// Unwrap exposes the embedded APIError to errors.As.
func (e *APIStatusError) Unwrap() error { return &e.APIError }

// NewAPIStatusError creates an APIStatusError with retryability derived from
// the status code.
func NewAPIStatusError(msg string, status int) *APIStatusError {
	return &APIStatusError{
		APIError: APIError{
			Message:   fmt.Sprintf("%s (status %d)", msg, status),
			Retryable: status < 400 || status >= 500,
		},
		StatusCode: status,
	}
}

// APIConnectionError is a transport failure: connect, DNS, reset.
// Retryable unless overridden.
type APIConnectionError struct {
	APIError
}

// Unwrap exposes the embedded APIError to errors.As.
func (e *APIConnectionError) Unwrap() error { return &e.APIError }

// NewAPIConnectionError creates a retryable APIConnectionError wrapping cause.
func NewAPIConnectionError(msg string, cause error) *APIConnectionError {
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &APIConnectionError{APIError: APIError{Message: msg, Retryable: true}}
}

// APITimeoutError indicates a call ran past its deadline. Retryable by
// default.
type APITimeoutError struct {
	APIError

	// Timeout is the deadline that elapsed.
	Timeout time.Duration
}

// Unwrap exposes the embedded APIError to errors.As.
func (e *APITimeoutError) Unwrap() error { return &e.APIError }

// NewAPITimeoutError creates a retryable APITimeoutError.
func NewAPITimeoutError(timeout time.Duration) *APITimeoutError {
	return &APITimeoutError{
		APIError: APIError{Message: fmt.Sprintf("request timed out after %v", timeout), Retryable: true},
		Timeout:  timeout,
	}
}

// AssignmentTimeoutError indicates the dispatch server did not assign a job
// to this worker before the accept deadline. Fatal to the specific accept
// attempt, not to the worker.
type AssignmentTimeoutError struct {
	JobID string
}

func (e *AssignmentTimeoutError) Error() string {
	return fmt.Sprintf("assignment for job %q timed out", e.JobID)
}

// Retryable reports whether err allows a retry. Unknown errors are treated
// as retryable; a non-retryable APIError (or subclass) is final.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return true
}
