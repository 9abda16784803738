package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes exponential backoff between attempts.
type RetryPolicy struct {
	// MaxRetries caps retries after the first attempt; an operation runs
	// at most MaxRetries+1 times.
	MaxRetries int
	// InitialDelay is the sleep before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the growing delay.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts.
	Multiplier float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// Retry runs op until it succeeds, the retries are exhausted, or the
// context is done. Delays are deterministic, non-decreasing, and capped
// at MaxDelay. The last error is returned on exhaustion.
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error) error {
	policy = policy.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = policy.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	wrapped := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(policy.MaxRetries)),
		ctx,
	)
	return backoff.Retry(func() error { return op(ctx) }, wrapped)
}

// Permanent marks an error as not retriable; Retry surfaces it
// immediately. Validation and authorization failures are permanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
