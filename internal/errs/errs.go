// Package errs defines the stable public error vocabulary that every
// agentcore component translates downstream failures into before they
// reach a caller, so raw storage/SDK error text never leaks into a
// response body.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the stable, externally-visible error codes.
type Kind string

const (
	Validation              Kind = "VALIDATION"
	Unauthenticated         Kind = "UNAUTHENTICATED"
	NotFound                Kind = "NOT_FOUND"
	AlreadyExists           Kind = "ALREADY_EXISTS"
	Locked                  Kind = "LOCKED"
	Terminal                Kind = "TERMINAL"
	Unavailable             Kind = "UNAVAILABLE"
	MemoryExtractionFailed  Kind = "MEMORY_EXTRACTION_FAILED"
	RuntimeUnavailable      Kind = "RUNTIME_UNAVAILABLE"
	Internal                Kind = "INTERNAL"
)

// HTTPStatus returns the status code a Kind maps to per the error table.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusUnprocessableEntity
	case Unauthenticated:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists, Locked, Terminal:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	case RuntimeUnavailable, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may usefully retry this kind.
func (k Kind) Retryable() bool {
	switch k {
	case Locked, Unavailable:
		return true
	case RuntimeUnavailable, Internal:
		return true // "maybe", per the error table
	default:
		return false
	}
}

// Error is the structured error every package boundary returns instead of
// a bare error, so the HTTP layer and the SSE error event can translate it
// without re-classifying strings.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	ErrorID string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the wrapped underlying error, if any. Only logs should
// ever see it; it must never be copied into Message.
func (e *Error) Cause() error { return e.cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, errorID, message string) *Error {
	return &Error{Kind: kind, Message: message, ErrorID: errorID}
}

// Wrap builds an *Error carrying an underlying cause, whose text is kept
// out of Message and is only available to logging code via Cause.
func Wrap(kind Kind, errorID string, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, ErrorID: errorID, cause: cause}
}

// WithDetails attaches a details payload and returns the same *Error for
// chaining at the construction site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As extracts an *Error from err, if one is anywhere in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and Internal otherwise — the fallback the propagation policy
// requires for unclassified failures.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}
