package durable

import (
	"errors"
	"testing"
)

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("dns name already in use")
	err := NewAppError("creating instance record", cause)

	if !errors.Is(err, cause) {
		t.Error("expected AppError to unwrap to its cause")
	}
	if got, want := err.Error(), "creating instance record: dns name already in use"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAppErrorWithoutCause(t *testing.T) {
	err := NewAppError("dns name already in use", nil)
	if got, want := err.Error(), "dns name already in use"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestInfrastructureErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewInfrastructureError("updating instance state", cause)

	if !errors.Is(err, cause) {
		t.Error("expected InfrastructureError to unwrap to its cause")
	}
}

func TestNonDeterminismErrorMessage(t *testing.T) {
	err := &NonDeterminismError{InstanceID: "inst-1", ExecutionID: 2, Seq: 3, Message: "activity name mismatch"}
	want := "non-determinism at instance=inst-1 execution=2 seq=3: activity name mismatch"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConflictErrorMessage(t *testing.T) {
	err := &ConflictError{InstanceID: "inst-1"}
	want := "instance inst-1 already started with different arguments"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
