package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidSize = errors.New("pool: workers and queue size must be positive")
	ErrStopped     = errors.New("pool stopped")
	ErrStopping    = errors.New("pool stopping")
	ErrQueueFull   = errors.New("pool queue full")
	// ErrStale is passed to Task.Done when a task waited longer than MaxQueueDelay.
	ErrStale = errors.New("pool: task dropped after max queue delay")
)

// NoRetry marks an error as non-retryable.
//
//	return pool.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt.
// The hint is capped by RetryMaxDelay and jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
