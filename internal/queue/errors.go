package queue

import "errors"

// Enqueue and lookup errors.
var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidChannel   = errors.New("unsupported channel")
	ErrMessageNotFound  = errors.New("queued message not found")
	ErrInstanceNotFound = errors.New("channel instance not found")
	ErrDestNotFound     = errors.New("destination not found")
)

// ErrNoActiveInstance is returned by a sender when no connected channel
// instance is available. It is reported, not retried: the dispatcher leaves
// the row pending without consuming retry budget, since no amount of waiting
// inside the drain loop fixes a missing instance.
var ErrNoActiveInstance = errors.New("no active channel instance")

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}
