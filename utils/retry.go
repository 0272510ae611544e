package utils

import (
	"context"
	"time"
)

// Backoff returns how long to wait after the failed attempt number (starting at 1)
type Backoff func(attempt int) time.Duration

// LinearBackoff waits step*attempt
func LinearBackoff(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// RetryPolicy is a bounded retry loop
type RetryPolicy struct {
	// Maximum number of attempts, including the first one
	MaxAttempts int
	// Wait between attempts
	Backoff Backoff
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Backoff:     LinearBackoff(500 * time.Millisecond),
}

// Do calls fn until it succeeds or the attempts are exhausted.
// Returns the number of attempts made and the error of the last one. Context
// cancellation stops the waiting between attempts and returns the context error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (attempts int, err error) {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}

	for attempts = 1; attempts <= limit; attempts++ {
		err = fn(ctx, attempts)
		if err == nil {
			return attempts, nil
		}

		if attempts == limit || p.Backoff == nil {
			continue
		}

		sleepErr := Sleep(ctx, p.Backoff(attempts))
		if sleepErr != nil {
			return attempts, sleepErr
		}
	}
	return limit, err
}
