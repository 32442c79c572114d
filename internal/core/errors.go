package core

import "fmt"

// Error codes for the job subsystem.
const (
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeHandlerNotFound  = "handler_not_found"
	ErrCodeHandlerTimeout   = "handler_timeout"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInvalidPayload   = "invalid_payload"
)

// QueueError is a coded error with optional structured details.
type QueueError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// Retryable marks whether retrying the operation can help.
	Retryable bool `json:"retryable"`

	cause error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *QueueError) Unwrap() error {
	return e.cause
}

// NewStoreUnavailableError wraps a store connectivity failure. Enqueuing
// callers may retry at the application layer; the dispatcher treats it as
// "no work this cycle".
func NewStoreUnavailableError(err error) *QueueError {
	return &QueueError{
		Code:      ErrCodeStoreUnavailable,
		Message:   fmt.Sprintf("queue store unreachable: %v", err),
		Retryable: true,
		cause:     err,
	}
}

// NewHandlerNotFoundError marks a job whose type has no registered handler.
// Retrying cannot help, so the job fails terminally on first execution.
func NewHandlerNotFoundError(jobType string) *QueueError {
	return &QueueError{
		Code:    ErrCodeHandlerNotFound,
		Message: fmt.Sprintf("no handler registered for job type %q", jobType),
		Details: map[string]any{"type": jobType},
	}
}

// NewHandlerTimeoutError marks an execution that exceeded the per-job timeout.
func NewHandlerTimeoutError(jobID string, timeoutMs int64) *QueueError {
	return &QueueError{
		Code:      ErrCodeHandlerTimeout,
		Message:   fmt.Sprintf("handler exceeded %dms timeout", timeoutMs),
		Details:   map[string]any{"job_id": jobID, "timeout_ms": timeoutMs},
		Retryable: true,
	}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(resource, id string) *QueueError {
	return &QueueError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// NewConflictError reports an operation rejected because of the current state,
// such as cancelling a job that is already active.
func NewConflictError(message string, details map[string]any) *QueueError {
	return &QueueError{
		Code:    ErrCodeConflict,
		Message: message,
		Details: details,
	}
}

// NewInvalidPayloadError reports a payload that does not decode for its type.
func NewInvalidPayloadError(jobType string, err error) *QueueError {
	return &QueueError{
		Code:    ErrCodeInvalidPayload,
		Message: fmt.Sprintf("payload for %q does not decode: %v", jobType, err),
		Details: map[string]any{"type": jobType},
		cause:   err,
	}
}

// IsPermanent reports whether err is a coded error that no amount of retrying
// will fix.
func IsPermanent(err error) bool {
	qe, ok := err.(*QueueError)
	return ok && !qe.Retryable
}
