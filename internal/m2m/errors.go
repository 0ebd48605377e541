package m2m

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error types in the m2m package.
type ErrorCode string

// ErrorCode constants for pipeline errors. DEVICE_ERROR is fatal for the
// session; TRANSIENT and INSUFFICIENT_BUFFER are retryable.
const (
	CodeUnsupportedDevice  ErrorCode = "UNSUPPORTED_DEVICE"
	CodeFormatUnsupported  ErrorCode = "FORMAT_UNSUPPORTED"
	CodeAllocation         ErrorCode = "ALLOCATION_FAILED"
	CodeDevice             ErrorCode = "DEVICE_ERROR"
	CodeTransient          ErrorCode = "TRANSIENT"
	CodeInsufficientBuffer ErrorCode = "INSUFFICIENT_BUFFER"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrUnsupportedDevice  = &Error{Code: CodeUnsupportedDevice, Message: "unsupported device"}
	ErrFormatUnsupported  = &Error{Code: CodeFormatUnsupported, Message: "format unsupported"}
	ErrAllocation         = &Error{Code: CodeAllocation, Message: "buffer allocation failed"}
	ErrDevice             = &Error{Code: CodeDevice, Message: "device error"}
	ErrTransient          = &Error{Code: CodeTransient, Message: "would block"}
	ErrInsufficientBuffer = &Error{Code: CodeInsufficientBuffer, Message: "no free buffer"}
	ErrInvalidState       = &Error{Code: CodeInvalidState, Message: "invalid state"}
)

// ErrOutputPending is the cause of a TRANSIENT error from Pipeline.Process
// when the input was accepted but none of its fields are back yet. They are
// returned by a later call.
var ErrOutputPending = errors.New("output pending")

// Error represents an error in the m2m package.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"cause,omitempty"`
}

// NewError creates a new m2m error.
func NewError(code ErrorCode, message string, context map[string]any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: context,
	}
}

// NewErrorWithCause creates a new m2m error with a cause.
func NewErrorWithCause(code ErrorCode, message string, cause error, context map[string]any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: context,
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// HasCode checks if the error matches a specific code.
func (e *Error) HasCode(code ErrorCode) bool {
	return e.Code == code
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsFatal reports whether err should end the session. Transient and
// insufficient-buffer conditions are retryable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeTransient, CodeInsufficientBuffer:
		return false
	default:
		return true
	}
}
