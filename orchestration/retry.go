package orchestration

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy drives re-dispatch of failed component attempts with
// exponential backoff and jitter.
//
// The delay before retry i is InitialDelay * BackoffFactor^i plus a jitter
// drawn uniformly from [0, 0.1*delay), capped at maxRetrySleep. Timeout, if
// set, is the aggregate wall-clock budget across all attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Must be >= 1; a value of 1 disables retries.
	MaxAttempts int

	// InitialDelay is the sleep before the first retry.
	InitialDelay time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	// Values below 1 are treated as 1 (constant delay).
	BackoffFactor float64

	// Timeout bounds total wall time across attempts. Zero means no
	// aggregate limit.
	Timeout time.Duration

	// Retryable classifies errors. Nil falls back to DefaultRetryable.
	Retryable func(error) bool
}

// maxRetrySleep caps the per-attempt sleep regardless of backoff growth.
const maxRetrySleep = 30 * time.Second

// DefaultRetryPolicy returns 3 attempts with 1s initial delay doubling per
// attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		Retryable:     DefaultRetryable,
	}
}

// Validate checks the policy's numeric bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return &ValidationError{Msg: "retry policy: MaxAttempts must be >= 1"}
	}
	if p.InitialDelay < 0 {
		return &ValidationError{Msg: "retry policy: InitialDelay must be >= 0"}
	}
	return nil
}

// Do runs fn until it succeeds, exhausts MaxAttempts, or hits a
// non-retryable error. It returns the number of attempts made and the last
// error. Cancellation is checked before every attempt and during every
// sleep; it is never swallowed.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, lastErr
			}
			return attempt, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !retryable(lastErr) || attempt == p.MaxAttempts-1 {
			return attempt + 1, lastErr
		}

		delay := p.backoff(attempt)
		select {
		case <-ctx.Done():
			return attempt + 1, lastErr
		case <-time.After(delay):
		}
	}
	return p.MaxAttempts, lastErr
}

// backoff computes the sleep before the retry following attempt i.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= factor
	}
	delay += rand.Float64() * 0.1 * delay

	d := time.Duration(delay)
	if d > maxRetrySleep {
		d = maxRetrySleep
	}
	return d
}
