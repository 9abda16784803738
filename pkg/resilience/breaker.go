// Package resilience provides the fault-tolerance primitives used
// uniformly across actors: circuit breakers, rate limiters, retry
// policies, sagas, and message deduplication.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/errs"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// breaker. Defaults to 5.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing.
	// Defaults to 60s.
	ResetTimeout time.Duration
	// HalfOpenRequests is the number of probe calls admitted while
	// half-open; that many consecutive successes close the breaker.
	// Defaults to 3.
	HalfOpenRequests int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 3
	}
	return c
}

// BreakerStatus is a point-in-time snapshot of a breaker.
type BreakerStatus struct {
	State            string    `json:"state"`
	Failures         int       `json:"failures"`
	Successes        int       `json:"successCount"`
	HalfOpenAttempts int       `json:"halfOpenAttempts"`
	LastFailure      time.Time `json:"lastFailureTime,omitempty"`
	NextAttempt      time.Time `json:"nextAttempt,omitempty"`
}

// CircuitBreaker guards an operation against a failing dependency.
// closed -> open after FailureThreshold consecutive failures; open fails
// fast until ResetTimeout; half-open admits HalfOpenRequests probes and
// closes on that many successes.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger

	mu          sync.Mutex
	lastFailure time.Time
	nextAttempt time.Time
}

// NewCircuitBreaker builds a breaker with the given name and config.
func NewCircuitBreaker(name string, cfg BreakerConfig, log *zap.Logger) *CircuitBreaker {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	b := &CircuitBreaker{name: name, cfg: cfg, log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenRequests),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	})
	return b
}

func (b *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	b.mu.Lock()
	if to == gobreaker.StateOpen {
		b.nextAttempt = time.Now().Add(b.cfg.ResetTimeout)
	} else {
		b.nextAttempt = time.Time{}
	}
	b.mu.Unlock()

	b.log.Warn("circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Name returns the breaker's name.
func (b *CircuitBreaker) Name() string { return b.name }

// Execute runs op under the breaker. While open it returns CIRCUIT_OPEN
// without invoking op.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		status := b.Status()
		return errs.New(errs.CodeCircuitOpen,
			errs.WithMessage("circuit breaker "+b.name+" is open"),
			errs.WithContextValue("breaker", b.name),
			errs.WithContextValue("nextAttempt", status.NextAttempt.Format(time.RFC3339)),
			errs.WithCause(err),
		)
	}

	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()
	return err
}

// Status reports the breaker state and counters.
func (b *CircuitBreaker) Status() BreakerStatus {
	state := b.cb.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	lastFailure := b.lastFailure
	nextAttempt := b.nextAttempt
	b.mu.Unlock()

	status := BreakerStatus{
		State:       state.String(),
		Failures:    int(counts.ConsecutiveFailures),
		Successes:   int(counts.TotalSuccesses),
		LastFailure: lastFailure,
		NextAttempt: nextAttempt,
	}
	if state == gobreaker.StateHalfOpen {
		status.HalfOpenAttempts = int(counts.Requests)
	}
	return status
}

// Healthy reports whether the breaker is not open.
func (b *CircuitBreaker) Healthy() bool {
	return b.cb.State() != gobreaker.StateOpen
}
