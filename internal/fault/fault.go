// internal/fault/fault.go
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for handlers and callers.
type Kind string

const (
	Validation          Kind = "validation"
	NotFound            Kind = "not_found"
	StateConflict       Kind = "state_conflict"
	DuplicateOutcome    Kind = "duplicate_outcome"
	ExternalDependency  Kind = "external_dependency"
	PersistenceConflict Kind = "persistence_conflict"
)

// Error carries a kind, a short machine code, and a user-facing message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a fault with a formatted message.
func New(kind Kind, code, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, v...)}
}

// Wrap attaches a cause to a fault.
func Wrap(err error, kind Kind, code, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, v...), Err: err}
}

// KindOf reports the Kind of err, or "" for plain errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is a fault of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeOf returns the machine code of err, or "internal_error".
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "internal_error"
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "An internal error occurred"
}

// HTTPStatus maps an error to the status code handlers should write.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case StateConflict:
		return http.StatusConflict
	case DuplicateOutcome:
		// a reported outcome, not a failure
		return http.StatusOK
	case ExternalDependency:
		return http.StatusBadGateway
	case PersistenceConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
