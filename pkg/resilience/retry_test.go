package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	boom := errors.New("still failing")
	attempts := 0

	err := Retry(context.Background(), RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}, func(context.Context) error {
		attempts++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, attempts)
}

func TestRetrySucceedsMidway(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryPolicy{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
	}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryDelaysAreNonDecreasingAndCapped(t *testing.T) {
	var stamps []time.Time

	_ = Retry(context.Background(), RetryPolicy{
		MaxRetries:   4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
	}, func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("fail")
	})

	require.Len(t, stamps, 5)
	var prev time.Duration
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		// Allow scheduler jitter, but the trend must not shrink.
		assert.GreaterOrEqual(t, gap, prev-5*time.Millisecond, "gap %d", i)
		assert.Less(t, gap, 200*time.Millisecond, "gap %d", i)
		prev = gap
	}
}

func TestRetryPermanentErrorSurfacesImmediately(t *testing.T) {
	fatal := errors.New("validation failed")
	attempts := 0

	err := Retry(context.Background(), RetryPolicy{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
	}, func(context.Context) error {
		attempts++
		return Permanent(fatal)
	})

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, RetryPolicy{
		MaxRetries:   100,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
	}, func(context.Context) error {
		attempts++
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.Less(t, attempts, 10)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
