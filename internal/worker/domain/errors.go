package domain

import "errors"

var (
	// ErrImageNotFound is returned when no images row exists for an image_id.
	ErrImageNotFound = errors.New("image not found")

	// ErrStateConflict is returned when a compare-and-set transition finds a
	// status other than the expected one. Another worker holds the image;
	// the caller drops the message without side effects.
	ErrStateConflict = errors.New("image status transition conflict")

	// ErrMalformedPayload is returned when a queue message cannot be parsed
	// into a ProtectionJob. Such messages are dead-lettered, never retried.
	ErrMalformedPayload = errors.New("malformed job payload")
)

// RetryableError wraps transient infrastructure errors that should trigger
// a nack-with-requeue so the queue redelivers the message later.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
