package job

import (
	"context"
	"errors"
	"net/http"
)

// validationError is the caller's fault: bad JSON, missing images, invalid
// base64, blocked URL, undecodable or oversized image.
type validationError struct{ msg string }

func (e validationError) Error() string   { return e.msg }
func (e validationError) StatusCode() int { return http.StatusBadRequest }

// ErrValidation constructs a validation error.
func ErrValidation(msg string) error { return validationError{msg: msg} }

// IsValidation reports whether err should be answered with 400.
func IsValidation(err error) bool {
	var e validationError
	return errors.As(err, &e)
}

// tooBusyError signals that no execution slot freed up within the admission
// wait.
type tooBusyError struct{}

func (tooBusyError) Error() string   { return "too busy: all execution slots are taken" }
func (tooBusyError) StatusCode() int { return http.StatusTooManyRequests }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

// duplicateError means an identical request is still executing.
type duplicateError struct{}

func (duplicateError) Error() string   { return "an identical request is already in progress" }
func (duplicateError) StatusCode() int { return http.StatusConflict }

// IsDuplicate reports whether err rejects an in-flight duplicate (409).
func IsDuplicate(err error) bool {
	var e duplicateError
	return errors.As(err, &e)
}

// timeoutError means the completion wait ran out. The prompt may still be
// running on the server.
type timeoutError struct{ promptID string }

func (e timeoutError) Error() string {
	return "execution timed out waiting for prompt " + e.promptID
}
func (timeoutError) StatusCode() int { return http.StatusGatewayTimeout }

// IsTimeout reports whether err is an execution timeout (504).
func IsTimeout(err error) bool {
	var e timeoutError
	return errors.As(err, &e)
}

// unavailableError signals that the image server cannot be reached or is not
// ready.
type unavailableError struct {
	msg string
	err error
}

func (e unavailableError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}
func (e unavailableError) Unwrap() error   { return e.err }
func (e unavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// ErrUnavailable constructs a dependency-unavailable error.
func ErrUnavailable(msg string, err error) error { return unavailableError{msg: msg, err: err} }

// IsUnavailable reports whether err indicates a missing dependency (503).
func IsUnavailable(err error) bool {
	var e unavailableError
	return errors.As(err, &e)
}

// executionError covers failures reported by upstreams: the image server
// refusing or failing the workflow, or an input URL that kept failing after
// retries.
type executionError struct {
	msg string
	err error
}

func (e executionError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}
func (e executionError) Unwrap() error   { return e.err }
func (e executionError) StatusCode() int { return http.StatusBadGateway }

// IsExecutionFailed reports whether err is an upstream failure (502).
func IsExecutionFailed(err error) bool {
	var e executionError
	return errors.As(err, &e)
}

// Outcome labels err for metrics and events.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsValidation(err):
		return "invalid"
	case IsTooBusy(err):
		return "busy"
	case IsDuplicate(err):
		return "duplicate"
	case IsTimeout(err):
		return "timeout"
	case IsUnavailable(err):
		return "unavailable"
	case IsExecutionFailed(err):
		return "failed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}
