package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestDerivedErrorsMatchSentinel(t *testing.T) {
	err := ErrNotFound.WithMessage("photo %q does not exist", "abc")
	if !stderrors.Is(err, ErrNotFound) {
		t.Fatalf("errors.Is(%v, ErrNotFound) = false, want true", err)
	}
	if stderrors.Is(err, ErrValidation) {
		t.Errorf("errors.Is(%v, ErrValidation) = true, want false", err)
	}
	if err.Message != `photo "abc" does not exist` {
		t.Errorf("Message = %q", err.Message)
	}
	if ErrNotFound.Message != "The specified photo does not exist" {
		t.Errorf("WithMessage mutated the sentinel: %q", ErrNotFound.Message)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	err := fmt.Errorf("storing photo: %w", ErrStoreConnectivity.Wrap(context.DeadlineExceeded))

	if !IsConnectivity(err) {
		t.Error("IsConnectivity = false, want true")
	}
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Error("wrapped cause not reachable through errors.Is")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable = false, want true")
	}
	if HTTPStatus(err) != 503 {
		t.Errorf("HTTPStatus = %d, want 503", HTTPStatus(err))
	}
}

func TestClassificationHelpers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		validation bool
		notFound   bool
		retryable  bool
		status     int
	}{
		{"validation", ErrValidation.WithMessage("name is required"), true, false, false, 400},
		{"not found", ErrNotFound, false, true, false, 404},
		{"consistency", ErrConsistency, false, false, false, 500},
		{"plain", stderrors.New("boom"), false, false, false, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidation(tt.err); got != tt.validation {
				t.Errorf("IsValidation = %v, want %v", got, tt.validation)
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if got := HTTPStatus(tt.err); got != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := ErrValidation.WithMessage("payload is empty")
	if got := err.Error(); got != "ValidationError: payload is empty" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := ErrStoreConnectivity.Wrap(stderrors.New("dial tcp: refused"))
	want := "StoreConnectivityError: A backing store is unavailable. Please retry.: dial tcp: refused"
	if got := wrapped.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
