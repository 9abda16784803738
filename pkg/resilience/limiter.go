package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nmxmxh/loom/pkg/errs"
)

// TokenBucketConfig tunes a token-bucket limiter.
type TokenBucketConfig struct {
	// MaxTokens is the bucket capacity; bursts up to this size are
	// admitted immediately.
	MaxTokens int
	// RefillRate tokens are added every RefillInterval.
	RefillRate     int
	RefillInterval time.Duration
}

func (c TokenBucketConfig) withDefaults() TokenBucketConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 10
	}
	if c.RefillRate <= 0 {
		c.RefillRate = c.MaxTokens
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	return c
}

// TokenBucket admits bursts up to capacity and sustains the refill rate.
type TokenBucket struct {
	cfg     TokenBucketConfig
	limiter *rate.Limiter
}

// NewTokenBucket builds a full bucket.
func NewTokenBucket(cfg TokenBucketConfig) *TokenBucket {
	cfg = cfg.withDefaults()
	perSecond := float64(cfg.RefillRate) / cfg.RefillInterval.Seconds()
	return &TokenBucket{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.MaxTokens),
	}
}

// Acquire blocks until n tokens are available, then subtracts them.
// Requests larger than the capacity fail with RATE_LIMIT_EXCEEDED.
func (t *TokenBucket) Acquire(ctx context.Context, n int) error {
	if n > t.cfg.MaxTokens {
		return errs.New(errs.CodeRateLimitExceeded,
			errs.WithMessage("requested tokens exceed bucket capacity"),
			errs.WithContextValue("requested", n),
			errs.WithContextValue("capacity", t.cfg.MaxTokens),
		)
	}
	return t.limiter.WaitN(ctx, n)
}

// TryAcquire subtracts n tokens if available without blocking.
func (t *TokenBucket) TryAcquire(n int) bool {
	return t.limiter.AllowN(time.Now(), n)
}

// Available refills and returns the current token count.
func (t *TokenBucket) Available() int {
	tokens := int(t.limiter.Tokens())
	if tokens < 0 {
		return 0
	}
	if tokens > t.cfg.MaxTokens {
		return t.cfg.MaxTokens
	}
	return tokens
}

// WindowConfig tunes a keyed window limiter.
type WindowConfig struct {
	Window      time.Duration
	MaxRequests int
}

func (c WindowConfig) withDefaults() WindowConfig {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 60
	}
	return c
}

type windowEntry struct {
	start time.Time
	count int
}

// WindowLimiter caps accepted calls per key within a rolling window.
// Each key's window starts on its first call and resets once the window
// elapses.
type WindowLimiter struct {
	cfg WindowConfig

	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

// NewWindowLimiter builds an empty keyed limiter.
func NewWindowLimiter(cfg WindowConfig) *WindowLimiter {
	return &WindowLimiter{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Allow reports whether the call for key is admitted and counts it.
func (w *WindowLimiter) Allow(key string) bool {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[key]
	if !ok || now.Sub(entry.start) >= w.cfg.Window {
		entry = &windowEntry{start: now}
		w.entries[key] = entry
	}
	if entry.count >= w.cfg.MaxRequests {
		return false
	}
	entry.count++
	return true
}

// Remaining reports how many calls the key has left in its window.
func (w *WindowLimiter) Remaining(key string) int {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[key]
	if !ok || now.Sub(entry.start) >= w.cfg.Window {
		return w.cfg.MaxRequests
	}
	left := w.cfg.MaxRequests - entry.count
	if left < 0 {
		return 0
	}
	return left
}

// Prune drops keys whose window has elapsed. Callers schedule this
// periodically; Allow stays correct without it.
func (w *WindowLimiter) Prune() int {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	dropped := 0
	for key, entry := range w.entries {
		if now.Sub(entry.start) >= w.cfg.Window {
			delete(w.entries, key)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of tracked keys.
func (w *WindowLimiter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
