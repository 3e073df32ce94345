// Package engine runs plugin instances one after another, dispatching each
// to the local or the SSH executor and tracking the outcome of the run.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies scheduler errors.
type ErrorClass string

const (
	// ErrorClassValidation covers configurations rejected before execution,
	// including preflight policy violations.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassManifest covers unusable plugin folders or manifests.
	ErrorClassManifest ErrorClass = "manifest"

	// ErrorClassExecution covers local plugins that failed.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassRemote covers SSH fan-outs where no host succeeded.
	ErrorClassRemote ErrorClass = "remote"

	// ErrorClassCancelled marks instances stopped by a cancellation.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassInternal covers failures of the scheduler itself.
	ErrorClassInternal ErrorClass = "internal"
)

// Common error codes.
const (
	ErrCodePolicyDenied = "POLICY_DENIED"
	ErrCodeNoEntryPoint = "NO_ENTRY_POINT"
	ErrCodeNoManifest   = "NO_MANIFEST"
	ErrCodeFailed       = "PLUGIN_FAILED"
	ErrCodeUnreachable  = "UNREACHABLE"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeCancelled    = "CANCELLED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// EngineError is a classified failure of one plugin instance.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class    ErrorClass     `json:"class"`
	Message  string         `json:"message"`
	Code     string         `json:"code,omitempty"`
	Plugin   string         `json:"plugin,omitempty"`
	Instance int            `json:"instance,omitempty"`
	Err      error          `json:"-"`
	Details  map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Plugin != "" {
		msg = fmt.Sprintf("[%s] %s (plugin=%s, instance=%d)", e.Class, e.Message, e.Plugin, e.Instance)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewError creates an error of the given class.
func NewError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *EngineError {
	return NewError(ErrorClassValidation, message, err)
}

// NewExecutionError creates an execution error.
func NewExecutionError(message string, err error) *EngineError {
	return NewError(ErrorClassExecution, message, err)
}

// NewRemoteError creates a remote error.
func NewRemoteError(message string, err error) *EngineError {
	return NewError(ErrorClassRemote, message, err)
}

// WithInstance adds the plugin instance to the error.
func (e *EngineError) WithInstance(plugin string, instance int) *EngineError {
	e.Plugin = plugin
	e.Instance = instance
	return e
}

// WithCode adds an error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, or ErrorClassInternal for errors that
// are not EngineErrors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassInternal
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassValidation
}

// IsCancelled returns true if err is a cancellation.
func IsCancelled(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassCancelled
}

// IsRetryable returns true for failures that may succeed when the
// instance is run again: remote failures, timeouts and cancellations.
func IsRetryable(err error) bool {
	var e *EngineError
	if !errors.As(err, &e) {
		return false
	}
	switch e.Class {
	case ErrorClassRemote, ErrorClassCancelled:
		return true
	case ErrorClassExecution:
		return e.Code == ErrCodeTimeout
	default:
		return false
	}
}
