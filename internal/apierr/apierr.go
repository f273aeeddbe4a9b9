// Package apierr defines the public error taxonomy returned across the
// HTTP boundary and translates internal errors into it.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the public error codes callers can match on.
type Code string

const (
	NotFound                Code = "not_found"
	Unauthorized            Code = "unauthorized"
	Forbidden               Code = "forbidden"
	ValidationError         Code = "validation_error"
	InvalidPath             Code = "invalid_path"
	CapabilityNotSupported  Code = "capability_not_supported"
	Conflict                Code = "conflict"
	SandboxExpired          Code = "sandbox_expired"
	SandboxTTLInfinite      Code = "sandbox_ttl_infinite"
	FileNotFound            Code = "file_not_found"
	QuotaExceeded           Code = "quota_exceeded"
	SessionNotReady         Code = "session_not_ready"
	RuntimeError            Code = "runtime_error"
	Timeout                 Code = "timeout"
	InternalError           Code = "internal_error"
)

// httpStatus maps each code to the status it should surface as.
var httpStatus = map[Code]int{
	NotFound:               http.StatusNotFound,
	Unauthorized:           http.StatusUnauthorized,
	Forbidden:              http.StatusForbidden,
	ValidationError:        http.StatusBadRequest,
	InvalidPath:            http.StatusBadRequest,
	CapabilityNotSupported: http.StatusBadRequest,
	Conflict:               http.StatusConflict,
	SandboxExpired:         http.StatusConflict,
	SandboxTTLInfinite:     http.StatusConflict,
	FileNotFound:           http.StatusNotFound,
	QuotaExceeded:          http.StatusTooManyRequests,
	SessionNotReady:        http.StatusServiceUnavailable,
	RuntimeError:           http.StatusBadGateway,
	Timeout:                http.StatusGatewayTimeout,
	InternalError:          http.StatusInternalServerError,
}

// Error is the typed error surfaced at the HTTP boundary. Internal code
// should prefer returning a *Error directly from boundary packages
// (router, sandbox, session, api) so the HTTP layer never has to guess.
type Error struct {
	Code          Code
	Message       string
	RetryAfterMs  int64 // 0 means no retry hint
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code this error should surface as.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an internal cause to a public code, keeping the cause out
// of the message so internals never leak raw past the boundary.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRetryAfter sets a retry hint, returned as Retry-After-Ms.
func (e *Error) WithRetryAfter(ms int64) *Error {
	e.RetryAfterMs = ms
	return e
}

// WithCorrelationID attaches a correlation id for log lookup.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Internal wraps an arbitrary error as internal_error, the default bucket
// for anything that isn't already a classified *Error. Storage integrity
// errors and driver errors should never be exposed raw past this point.
func Internal(cause error) *Error {
	if e, ok := As(cause); ok {
		return e
	}
	return Wrap(InternalError, "internal error", cause)
}
