// Package errors defines the error taxonomy surfaced by the photo store.
//
// Every error returned across a package boundary is either one of the
// pre-defined StoreError values below or wraps one, so callers can classify
// failures with the standard library's errors.Is.
package errors

import (
	stderrors "errors"
	"fmt"
)

// StoreError is a classified photo-store error with a machine-readable code,
// a human-readable message, the HTTP status an outer API layer should map it
// to, and whether a caller may retry the operation.
type StoreError struct {
	// Code identifies the error class (e.g., "ValidationError", "NotFound").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the status code an HTTP surface should return.
	HTTPStatus int
	// Retryable reports whether retrying with backoff may succeed.
	Retryable bool
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches any StoreError carrying the same code, so derived errors
// compare equal to their pre-defined sentinel.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of the error with the given message.
func (e *StoreError) WithMessage(format string, args ...any) *StoreError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of the error carrying err as its cause.
func (e *StoreError) Wrap(err error) *StoreError {
	cp := *e
	cp.Err = err
	return &cp
}

// Pre-defined error classes.
var (
	// ErrValidation is returned for malformed or missing input. Never retried.
	ErrValidation = &StoreError{
		Code:       "ValidationError",
		Message:    "The request is invalid",
		HTTPStatus: 400,
	}

	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = &StoreError{
		Code:       "NotFound",
		Message:    "The specified photo does not exist",
		HTTPStatus: 404,
	}

	// ErrStoreConnectivity is returned when the blob store or the metadata
	// store is unreachable or an adapter call exceeds its timeout.
	ErrStoreConnectivity = &StoreError{
		Code:       "StoreConnectivityError",
		Message:    "A backing store is unavailable. Please retry.",
		HTTPStatus: 503,
		Retryable:  true,
	}

	// ErrConsistency describes drift detected between the two stores. It is
	// logged and remediated by the reconciler, never returned to a caller.
	ErrConsistency = &StoreError{
		Code:       "ConsistencyError",
		Message:    "The blob store and metadata store disagree",
		HTTPStatus: 500,
	}
)

// IsValidation reports whether err is classified as a validation error.
func IsValidation(err error) bool {
	return stderrors.Is(err, ErrValidation)
}

// IsNotFound reports whether err is classified as a not-found error.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

// IsConnectivity reports whether err is classified as a connectivity error.
func IsConnectivity(err error) bool {
	return stderrors.Is(err, ErrStoreConnectivity)
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// HTTPStatus returns the HTTP status for err, defaulting to 500 for
// unclassified errors.
func HTTPStatus(err error) int {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.HTTPStatus
	}
	return 500
}
