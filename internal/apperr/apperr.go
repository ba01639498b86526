package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes an application error.
type Code string

const (
	CodeNotFound      Code = "not_found"
	CodeForbidden     Code = "forbidden"
	CodeUnprocessable Code = "unprocessable"
	CodeInvalidState  Code = "invalid_state"
	CodeUnavailable   Code = "unavailable"
	CodeInternal      Code = "internal"
)

// Error is a structured application error with a code, message, and optional
// wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NotFound reports a missing resume, job description, or analysis record.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports a cross-user access attempt.
func Forbidden(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// Unprocessable reports input that cannot be analyzed, e.g. a resume with no
// extractable text.
func Unprocessable(format string, args ...any) *Error {
	return &Error{Code: CodeUnprocessable, Message: fmt.Sprintf(format, args...)}
}

// InvalidState reports a lifecycle transition that is not allowed from the
// record's current status.
func InvalidState(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps an infrastructure failure that must surface loudly.
func Unavailable(cause error, format string, args ...any) *Error {
	return &Error{Code: CodeUnavailable, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Internal wraps an unexpected failure.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}

func IsNotFound(err error) bool      { return is(err, CodeNotFound) }
func IsForbidden(err error) bool     { return is(err, CodeForbidden) }
func IsUnprocessable(err error) bool { return is(err, CodeUnprocessable) }
func IsInvalidState(err error) bool  { return is(err, CodeInvalidState) }
func IsUnavailable(err error) bool   { return is(err, CodeUnavailable) }

// CodeOf returns the code carried by err, or CodeInternal for plain errors.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}
