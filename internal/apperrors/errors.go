// Package apperrors provides standardized error handling for the timeline
// engine. Every failure surfaced to a caller carries a stable
// machine-readable kind plus a human message.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents semantic error kinds for consistent error handling
type Kind string

const (
	KindBadInput             Kind = "BAD_INPUT"
	KindNotFound             Kind = "NOT_FOUND"
	KindDuplicate            Kind = "DUPLICATE"
	KindEmbeddingUnavailable Kind = "EMBEDDING_UNAVAILABLE"
	KindLLMUnavailable       Kind = "LLM_UNAVAILABLE"
	KindStoreUnavailable     Kind = "STORE_UNAVAILABLE"
	KindPromptOverflow       Kind = "PROMPT_OVERFLOW"
	KindInternal             Kind = "INTERNAL"
)

// Error is the unified error structure for the engine
type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the Go error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new error with the given kind and message
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new error wrapping a cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// BadInput creates a BAD_INPUT error
func BadInput(message string) *Error {
	return New(KindBadInput, message)
}

// NotFound creates a NOT_FOUND error
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Duplicate creates a DUPLICATE error
func Duplicate(message string) *Error {
	return New(KindDuplicate, message)
}

// Internal wraps an unexpected failure as INTERNAL
func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// KindOf extracts the kind of an error chain, defaulting to INTERNAL
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to an HTTP status code
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadInput, KindDuplicate, KindPromptOverflow:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
