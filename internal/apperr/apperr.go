// Package apperr defines the error taxonomy shared by the discussion and notification services.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation reports a missing or malformed required field.
	ErrValidation = errors.New("validation failed")
	// ErrPermission reports an actor lacking the role or ownership an operation requires.
	ErrPermission = errors.New("permission denied")
	// ErrInvalidState reports a transition that is not legal from the record's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound reports a referenced record that does not exist.
	ErrNotFound = errors.New("not found")
)

// Validation wraps ErrValidation with a human readable reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Permission wraps ErrPermission with a human readable reason.
func Permission(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermission, fmt.Sprintf(format, args...))
}

// InvalidState wraps ErrInvalidState with a human readable reason.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the kind and identifier of the missing record.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// Code returns a stable machine readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrPermission):
		return "permission_error"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err onto the status code surfaced to HTTP callers.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ServiceError tags an infrastructure failure with an "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

// NewServiceError builds a ServiceError for operation and reason wrapping cause.
func NewServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}
