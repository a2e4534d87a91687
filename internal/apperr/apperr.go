// Package apperr carries caller-facing errors with a stable code.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers of manual operations.
type Code string

const (
	CodeValidation  Code = "validation_failed"
	CodeNotFound    Code = "not_found"
	CodeUnavailable Code = "unavailable"
	CodeStorage     Code = "storage_failure"
	CodeInternal    Code = "internal"
)

// Error is a structured error with a code and a human message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an error without a cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code of the outermost structured error in the chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
