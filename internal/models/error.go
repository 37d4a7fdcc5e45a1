package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrEmptyCart           = fmt.Errorf("%w: cart is empty", ErrValidation)
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("data conflicts with existing data")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrForbidden           = errors.New("forbidden")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamRejected    = errors.New("upstream rejected request")
	ErrUpstreamMalformed   = errors.New("upstream malformed response")
	ErrInternalError       = errors.New("internal error")
	ErrInvalidToken        = errors.New("invalid token")
)

// ValidationError reports malformed input for a single field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates new ValidationError
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// FailureKind classifies a failed downstream call
type FailureKind int

const (
	// KindUnreachable is a connection failure, a timeout or an error response without a structured body
	KindUnreachable FailureKind = iota + 1
	// KindRejected is a non-2xx response with a structured error body
	KindRejected
	// KindMalformed is a 2xx response that could not be parsed
	KindMalformed
)

func (k FailureKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindRejected:
		return "rejected"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// UpstreamError is a failed call to a downstream service
type UpstreamError struct {
	Service    string
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s service %s", e.Service, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamUnreachable:
		return e.Kind == KindUnreachable
	case ErrUpstreamRejected:
		return e.Kind == KindRejected
	case ErrUpstreamMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

// IsRetryable reports whether the caller may safely retry the whole operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnreachable) ||
		errors.Is(err, ErrUpstreamMalformed) ||
		errors.Is(err, ErrConflict)
}
