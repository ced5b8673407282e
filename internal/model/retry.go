package model

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds loop-level retries of retryable backend errors.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at half a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second}
}

// Retry runs fn until it succeeds, fails with a non-retryable error or the
// attempts are exhausted. MaxAttempts <= 1 disables retries.
func Retry[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		eb.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		eb.MaxInterval = policy.MaxInterval
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		res, err := fn(ctx, attempt)
		if err != nil && !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("model call failed, retrying", "attempt", attempt, "max_attempts", attempts, "backoff", next, "error", err)
		}),
	)
}
