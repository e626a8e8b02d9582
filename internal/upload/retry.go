package upload

import (
	"context"
	"time"
)

// RetryPolicy controls how many times a chunk request is attempted and how
// long to wait between attempts. It is independent of the transport so the
// schedule can be tested on its own.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the delay to wait after the given 1-based failed attempt.
	Backoff func(attempt int) time.Duration
}

// DefaultRetryPolicy is 3 attempts with 2^attempt seconds between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(time.Second),
	}
}

// ExponentialBackoff returns unit * 2^attempt.
func ExponentialBackoff(unit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return unit * time.Duration(int64(1)<<uint(attempt))
	}
}

// Sleep waits out the backoff delay for the given attempt, returning the
// context error immediately if cancelled mid-wait.
func (p RetryPolicy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Backoff(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
