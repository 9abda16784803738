package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/loom/pkg/errs"
)

func TestTokenBucketAdmitsBurstUpToCapacity(t *testing.T) {
	bucket := NewTokenBucket(TokenBucketConfig{
		MaxTokens:      5,
		RefillRate:     5,
		RefillInterval: time.Second,
	})

	for i := 0; i < 5; i++ {
		assert.True(t, bucket.TryAcquire(1), "token %d", i)
	}
	assert.False(t, bucket.TryAcquire(1))
	assert.Equal(t, 0, bucket.Available())
}

func TestTokenBucketRefills(t *testing.T) {
	bucket := NewTokenBucket(TokenBucketConfig{
		MaxTokens:      2,
		RefillRate:     10,
		RefillInterval: time.Second,
	})

	require.True(t, bucket.TryAcquire(2))
	require.False(t, bucket.TryAcquire(1))

	time.Sleep(250 * time.Millisecond)
	assert.True(t, bucket.TryAcquire(1))
}

func TestTokenBucketAcquireBlocksUntilAvailable(t *testing.T) {
	bucket := NewTokenBucket(TokenBucketConfig{
		MaxTokens:      1,
		RefillRate:     10,
		RefillInterval: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, bucket.Acquire(ctx, 1))

	start := time.Now()
	require.NoError(t, bucket.Acquire(ctx, 1))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTokenBucketAcquireBeyondCapacityFails(t *testing.T) {
	bucket := NewTokenBucket(TokenBucketConfig{
		MaxTokens:      3,
		RefillRate:     3,
		RefillInterval: time.Second,
	})

	err := bucket.Acquire(context.Background(), 4)
	require.Error(t, err)
	assert.Equal(t, errs.CodeRateLimitExceeded, errs.CodeOf(err))
}

func TestWindowLimiterCapsAcceptedCalls(t *testing.T) {
	limiter := NewWindowLimiter(WindowConfig{
		Window:      900000 * time.Millisecond,
		MaxRequests: 3,
	})

	accepted := 0
	for i := 0; i < 4; i++ {
		if limiter.Allow("u@x") {
			accepted++
		}
	}
	assert.Equal(t, 3, accepted)
	assert.Equal(t, 0, limiter.Remaining("u@x"))
}

func TestWindowLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewWindowLimiter(WindowConfig{Window: time.Minute, MaxRequests: 1})

	assert.True(t, limiter.Allow("a@x"))
	assert.False(t, limiter.Allow("a@x"))
	assert.True(t, limiter.Allow("b@x"))
}

func TestWindowLimiterResetsAfterWindow(t *testing.T) {
	limiter := NewWindowLimiter(WindowConfig{Window: time.Minute, MaxRequests: 2})

	current := time.Now()
	limiter.now = func() time.Time { return current }

	require.True(t, limiter.Allow("k"))
	require.True(t, limiter.Allow("k"))
	require.False(t, limiter.Allow("k"))

	current = current.Add(time.Minute + time.Second)
	assert.True(t, limiter.Allow("k"))
	assert.Equal(t, 1, limiter.Remaining("k"))
}

func TestWindowLimiterPrune(t *testing.T) {
	limiter := NewWindowLimiter(WindowConfig{Window: time.Minute, MaxRequests: 5})

	current := time.Now()
	limiter.now = func() time.Time { return current }

	limiter.Allow("stale")
	current = current.Add(2 * time.Minute)
	limiter.Allow("fresh")

	require.Equal(t, 2, limiter.Len())
	assert.Equal(t, 1, limiter.Prune())
	assert.Equal(t, 1, limiter.Len())
}
