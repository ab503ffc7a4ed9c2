// Package errors provides the stable error taxonomy shared by the
// bridge core. Every error that crosses a protocol boundary carries
// one of the Code constants; message text is human-oriented and may
// change between releases, the codes never do.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a bridge error class on the wire.
type Code string

// The exhaustive set of wire error codes.
const (
	CodeInvalidMessage     Code = "INVALID_MESSAGE"
	CodeUnknownTarget      Code = "UNKNOWN_TARGET"
	CodeTimeout            Code = "TIMEOUT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeAdapterError       Code = "ADAPTER_ERROR"
	CodeStateConflict      Code = "STATE_CONFLICT"
	CodeSubscriptionFailed Code = "SUBSCRIPTION_FAILED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// BridgeError is an error carrying a wire code and optional context
// about the field and message that produced it.
type BridgeError struct {
	Code    Code
	Message string
	Field   string // offending field path for validation failures
	Related string // id of the message that triggered the error
	Err     error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (field %s): %v", e.Code, e.Message, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// New creates a BridgeError with the given code and message.
func New(code Code, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// Newf creates a BridgeError with a formatted message.
func Newf(code Code, format string, args ...any) *BridgeError {
	return &BridgeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Invalid creates an INVALID_MESSAGE error naming the offending field.
func Invalid(field, message string) *BridgeError {
	return &BridgeError{Code: CodeInvalidMessage, Message: message, Field: field}
}

// Invalidf creates an INVALID_MESSAGE error with a formatted message.
func Invalidf(field, format string, args ...any) *BridgeError {
	return &BridgeError{Code: CodeInvalidMessage, Message: fmt.Sprintf(format, args...), Field: field}
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapCode wraps an error under a wire code with context.
func WrapCode(code Code, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	inner := Wrap(err, component, method, action)
	return &BridgeError{Code: code, Message: inner.Error(), Err: err}
}

// CodeOf returns the wire code for an error. Errors without an
// explicit BridgeError in their chain map to INTERNAL_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return CodeInternal
	}
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given wire code.
func HasCode(err error, code Code) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// FieldOf returns the offending field for validation errors, or "".
func FieldOf(err error) string {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Field
	}
	return ""
}

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool {
	return HasCode(err, CodeInvalidMessage)
}

// IsConflict reports whether err is an ownership conflict.
func IsConflict(err error) bool {
	return HasCode(err, CodeStateConflict)
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target any) bool { return errors.As(err, target) }
