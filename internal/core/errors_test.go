package core

import (
	"errors"
	"testing"
)

func TestQueueError_Error(t *testing.T) {
	err := &QueueError{Code: ErrCodeNotFound, Message: "job 'abc' not found"}
	got := err.Error()
	want := "[not_found] job 'abc' not found"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewStoreUnavailableError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewStoreUnavailableError(cause)
	if err.Code != ErrCodeStoreUnavailable {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeStoreUnavailable)
	}
	if !err.Retryable {
		t.Error("store errors should be retryable")
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}
}

func TestNewHandlerNotFoundError(t *testing.T) {
	err := NewHandlerNotFoundError("unknown-type")
	if err.Code != ErrCodeHandlerNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeHandlerNotFound)
	}
	if err.Retryable {
		t.Error("missing handlers must not be retryable")
	}
	if err.Details["type"] != "unknown-type" {
		t.Errorf("Details[type] = %v, want %q", err.Details["type"], "unknown-type")
	}
}

func TestNewHandlerTimeoutError(t *testing.T) {
	err := NewHandlerTimeoutError("job-1", 30000)
	if err.Code != ErrCodeHandlerTimeout {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeHandlerTimeout)
	}
	if !err.Retryable {
		t.Error("timeouts are retryable like any handler failure")
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(NewHandlerNotFoundError("x")) {
		t.Error("handler_not_found should be permanent")
	}
	if IsPermanent(NewHandlerTimeoutError("x", 1)) {
		t.Error("handler_timeout should not be permanent")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain errors are not coded, so not provably permanent")
	}
}
