package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped       = errors.New("scheduler stopped")
	ErrNilOperation  = errors.New("scheduler: operation is nil")
	ErrCancelled     = errors.New("task cancelled")
	ErrEvicted       = errors.New("task evicted: queue at capacity")
	ErrTimeout       = errors.New("task attempt timed out")
	ErrInvalidConfig = errors.New("invalid scheduler config")
)

// TimeoutError is returned when an attempt exceeds Config.RequestTimeout.
// It matches ErrTimeout and context.DeadlineExceeded with errors.Is.
type TimeoutError struct {
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil || errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("task attempt timed out after %s", e.After)
	}
	return fmt.Sprintf("task attempt timed out after %s: %v", e.After, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// NoRetry marks an error as permanent: the task fails without further attempts.
//
//	return nil, scheduler.NoRetry(fmt.Errorf("bad request: %w", err))
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

// RetryAfter attaches a suggested delay (e.g. from an HTTP Retry-After header).
// The scheduler uses it instead of the computed backoff, capped by MaxRetryDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
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
