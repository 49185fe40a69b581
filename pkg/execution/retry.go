package execution

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so WithRetry returns it without further attempts.
// WithRetry returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryableFunc is a function that can be retried.
// The error should be nil if the function was successful.
type RetryableFunc[T any] func(ctx context.Context) (T, error)

// WithRetry executes fn up to maxAttempts times.
// It uses exponential backoff with jitter to space out attempts and stops
// early when ctx is done or fn returns a Permanent error, returning the last
// error from fn.
func WithRetry[T any](ctx context.Context, maxAttempts int, initialBackoff time.Duration, maxBackoff time.Duration, fn RetryableFunc[T]) (T, error) {
	var result T
	var err error

	maxAttempts = max(maxAttempts, 1)
	for i := 0; i < maxAttempts; i++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return result, perm.err
		}
		if i == maxAttempts-1 {
			break
		}

		backoff := backoffFor(i, initialBackoff, maxBackoff)
		jitter := time.Duration(rand.Int64N(int64(backoff/10) + 1))

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}

	return result, err
}

// backoffFor returns initial doubled attempt times, capped at limit. Shifts
// that would overflow yield limit. The result is never negative.
func backoffFor(attempt int, initial, limit time.Duration) time.Duration {
	limit = max(limit, 0)
	if initial <= 0 {
		return 0
	}
	if attempt >= 63 {
		return limit
	}
	backoff := initial << attempt
	if backoff>>attempt != initial || backoff > limit {
		return limit
	}
	return backoff
}
