package tilth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeGuard indicates a guard expression could not be evaluated.
	// Guard errors are non-fatal: the guard evaluates to false and the
	// step is skipped.
	ErrorTypeGuard = "guard_evaluation"

	// ErrorTypeExecution matches a command that launched but exited
	// non-zero, or failed to launch at all.
	ErrorTypeExecution = "command_execution"

	// ErrorTypeTimeout matches a step that was cancelled by its deadline
	ErrorTypeTimeout = "timeout"

	// ErrorTypeHandler indicates an on_failure/on_success handler failed
	ErrorTypeHandler = "handler_execution"

	// ErrorTypeRetryExhausted indicates a step or item consumed its full
	// attempt budget without succeeding
	ErrorTypeRetryExhausted = "retry_exhausted"

	// ErrorTypeCircuitOpen indicates the circuit breaker rejected the
	// work before it executed
	ErrorTypeCircuitOpen = "circuit_open"

	// ErrorTypeThreshold indicates the aggregate failure threshold was
	// exceeded and the map phase stopped
	ErrorTypeThreshold = "aggregate_threshold"

	// ErrorTypeCheckpoint indicates checkpoint persistence failed. These
	// are always fatal: resume correctness cannot be guaranteed once a
	// checkpoint write is lost, so the run aborts.
	ErrorTypeCheckpoint = "checkpoint_io"

	// ErrorTypeFatal indicates an error that must never be retried.
	// Unknown errors default to command_execution so they remain
	// retryable; anything known to be unrecoverable should carry this
	// type explicitly.
	ErrorTypeFatal = "fatal_error"
)

// WorkflowError is a structured error with a classification type. The type
// string is matched against retry and policy configuration. It supports Go's
// error wrapping with Unwrap().
type WorkflowError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// NewWorkflowError creates a WorkflowError with the given type and cause.
func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{Type: errorType, Cause: cause}
}

// Errorf creates a WorkflowError with a formatted cause.
func Errorf(errorType, format string, args ...any) *WorkflowError {
	return &WorkflowError{Type: errorType, Cause: fmt.Sprintf(format, args...)}
}

// WrapError wraps an existing error with a classification type.
func WrapError(errorType string, err error) *WorkflowError {
	return &WorkflowError{Type: errorType, Cause: err.Error(), Wrapped: err}
}

// ClassifyError classifies a regular error into a WorkflowError. Errors that
// already carry a classification pass through unchanged; deadline and
// cancellation errors become timeouts; everything else defaults to a
// command execution error so it remains retryable.
func ClassifyError(err error) *WorkflowError {
	var workflowError *WorkflowError
	if errors.As(err, &workflowError) {
		return workflowError
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &WorkflowError{
			Type:    ErrorTypeTimeout,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	return &WorkflowError{
		Type:    ErrorTypeExecution,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// MatchesErrorType checks whether an error matches an error type pattern.
// Fatal and checkpoint errors are only matched by their own types; the
// wildcard never matches them.
func MatchesErrorType(err error, errorType string) bool {
	wErr := ClassifyError(err)
	if wErr.Type == ErrorTypeFatal || wErr.Type == ErrorTypeCheckpoint {
		return errorType == wErr.Type
	}
	if errorType == ErrorTypeAll {
		return true
	}
	return wErr.Type == errorType
}

// IsFatal reports whether an error must abort the run regardless of any
// configured handler or retry budget.
func IsFatal(err error) bool {
	t := ClassifyError(err).Type
	return t == ErrorTypeFatal || t == ErrorTypeCheckpoint
}
