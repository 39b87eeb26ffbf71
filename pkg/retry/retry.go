// Package retry implements exponential backoff with jitter and a retry
// predicate for transient failures (LLM rate limits, flaky tools).
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	DefaultMaxRetries   = 3
	DefaultBaseDelay    = 1 * time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultJitterFactor = 0.25
)

// Policy defines the backoff parameters.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// JitterFactor randomises each delay by ±JitterFactor (0.0 to 1.0).
	JitterFactor float64

	// rng returns a uniform value in [0, 1). Injectable for deterministic
	// tests; nil means math/rand/v2.
	rng func() float64
}

// DefaultPolicy returns the standard policy: 3 retries, 1s base, 60s cap,
// 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
	}
}

// WithRand returns a copy of the policy using the given uniform source.
// Used by tests for deterministic delays.
func (p Policy) WithRand(rng func() float64) Policy {
	p.rng = rng
	return p
}

// Delay computes the backoff for the given zero-based attempt:
// min(base·2^attempt, max) with ±JitterFactor uniform jitter. Never negative.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(p.MaxDelay))

	rng := p.rng
	if rng == nil {
		rng = rand.Float64
	}
	// Uniform in [-jitter, +jitter].
	offset := (rng()*2 - 1) * p.JitterFactor * base

	d := time.Duration(base + offset)
	if d < 0 {
		d = 0
	}
	return d
}

// ShouldRetry decides whether an error is worth another attempt.
type ShouldRetry func(err error) bool

// Always retries every non-cancellation error.
func Always(error) bool { return true }

// Execute runs op, retrying failures while the predicate allows and the
// retry budget lasts. Context cancellation is never retried: the context
// error is returned immediately, wrapped around the last attempt's error
// when one exists.
func Execute(ctx context.Context, p Policy, op func(ctx context.Context) error, shouldRetry ShouldRetry) error {
	if shouldRetry == nil {
		shouldRetry = Always
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt >= p.MaxRetries || !shouldRetry(lastErr) {
			return lastErr
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ExecuteWithResult is Execute for operations that produce a value.
func ExecuteWithResult[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), shouldRetry ShouldRetry) (T, error) {
	var result T
	err := Execute(ctx, p, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	}, shouldRetry)
	return result, err
}
