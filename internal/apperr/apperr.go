// Package apperr defines the error taxonomy shared across the service and
// its mapping onto HTTP responses. Expected user-facing outcomes (entitlement
// denials, rate limits) are represented as result values in their own
// packages; apperr covers the genuinely exceptional conditions.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

// Kind values.
const (
	// KindUnauthorized indicates a bad or missing signature or session.
	KindUnauthorized Kind = iota + 1
	// KindForbidden indicates a tier or admin check failed.
	KindForbidden
	// KindOverloaded indicates a cost ceiling breach or an open circuit.
	KindOverloaded
	// KindExternalProvider indicates a billing or LLM provider failure.
	KindExternalProvider
	// KindPersistence indicates the store is unreachable or a constraint failed.
	KindPersistence
	// KindConfiguration indicates an unknown tier or missing required mapping.
	KindConfiguration
)

// Error carries a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind   // Classification.
	Message string // Human-readable summary.
	Err     error  // Wrapped cause, may be nil.
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a classified error wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain, or zero if unclassified.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return 0
}

// HTTPStatus maps a Kind onto an HTTP status code. Overloaded and
// persistence failures both surface as a generic temporary unavailability,
// deliberately not exposing internal ceilings or circuit state.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindOverloaded, KindPersistence:
		return http.StatusServiceUnavailable
	case KindExternalProvider:
		return http.StatusBadGateway
	case KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
