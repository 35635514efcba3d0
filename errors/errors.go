// Package errors provides domain-specific error types and error handling utilities
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error type
type ErrorCode int

const (
	// Common error codes
	ErrUnknown ErrorCode = iota
	ErrNotFound
	ErrInvalidInput
	ErrInvalidState
	ErrConnection
	ErrTimeout
	ErrCancelled

	// Orchestration error codes
	ErrPrerequisite
	ErrAdapter
	ErrConfiguration

	// Monitor error codes
	ErrOperationFrozen
	ErrProgressRegression
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:            "unknown",
	ErrNotFound:           "not_found",
	ErrInvalidInput:       "invalid_input",
	ErrInvalidState:       "invalid_state",
	ErrConnection:         "connection",
	ErrTimeout:            "timeout",
	ErrCancelled:          "cancelled",
	ErrPrerequisite:       "prerequisite",
	ErrAdapter:            "adapter",
	ErrConfiguration:      "configuration",
	ErrOperationFrozen:    "operation_frozen",
	ErrProgressRegression: "progress_regression",
}

// String returns the short name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error represents a domain-specific error with context
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Message provides human-readable error details
	Message string

	// Op describes the operation that failed
	Op string

	// Cause is the underlying error that triggered this one
	Cause error

	// Context holds additional error context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithOp adds an operation name to the error
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}

	e, ok := err.(*Error)
	if !ok {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Op:      op,
			Cause:   err,
		}
	}

	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Op:      op,
		Cause:   e.Cause,
		Context: e.Context,
	}
}

// WithContext adds context to the error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}

	e, ok := err.(*Error)
	if !ok {
		return &Error{
			Code:    ErrUnknown,
			Message: err.Error(),
			Cause:   err,
			Context: context,
		}
	}

	merged := make(map[string]interface{}, len(e.Context)+len(context))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range context {
		merged[k] = v
	}

	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Op:      e.Op,
		Cause:   e.Cause,
		Context: merged,
	}
}

// New creates a new Error
func New(code ErrorCode, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Prerequisite reports missing or invalid step inputs
func Prerequisite(message string) error {
	return New(ErrPrerequisite, message)
}

// Adapter wraps a failed fast-API or vendor-tool call
func Adapter(err error, message string) error {
	if err == nil {
		return New(ErrAdapter, message)
	}
	return Wrap(err, ErrAdapter, message)
}

// Configuration reports a malformed or missing profile or setting
func Configuration(message string) error {
	return New(ErrConfiguration, message)
}

// GetCode returns the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// GetContext returns the error context
func GetContext(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

// IsNotFound returns true if the error is a not found error
func IsNotFound(err error) bool {
	return GetCode(err) == ErrNotFound
}

// IsPrerequisite returns true if a step's inputs were missing or invalid
func IsPrerequisite(err error) bool {
	return GetCode(err) == ErrPrerequisite
}

// IsAdapter returns true if an execution adapter call failed
func IsAdapter(err error) bool {
	return GetCode(err) == ErrAdapter
}

// IsConfiguration returns true for profile or configuration errors
func IsConfiguration(err error) bool {
	return GetCode(err) == ErrConfiguration
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	return GetCode(err) == ErrTimeout
}

// IsCancelled returns true if the error is a cancelled error
func IsCancelled(err error) bool {
	return GetCode(err) == ErrCancelled
}

// IsRetryable returns true if the error can be retried.
// Prerequisite and configuration errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ErrAdapter, ErrTimeout, ErrConnection:
		return true
	}
	return false
}

// As is a re-export of the standard library errors.As
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a re-export of the standard library errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}
