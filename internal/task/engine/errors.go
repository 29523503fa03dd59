package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped      = errors.New("task engine stopped")
	ErrStopping     = errors.New("task engine stopping")
	ErrQueueFull    = errors.New("task engine queue full")
	ErrOverlapSkip  = errors.New("task skipped due to overlap policy")
	ErrCircuitOpen  = errors.New("task skipped: circuit breaker open")
	ErrStaleDropped = errors.New("task dropped: stale queue delay")
	ErrPanic        = errors.New("panic")
)

// NoRetry marks an error as permanent so the engine does not retry it.
//
//	return engine.NoRetry(fmt.Errorf("missing repository: %w", err))
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

// RetryAfter attaches a suggested retry delay (e.g. a marketing API's
// Retry-After). The engine honours it, bounded by RetryMaxDelay, with jitter.
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
