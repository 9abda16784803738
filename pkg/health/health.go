package health

import (
	"context"
	"sync"
	"time"
)

// Status represents an aggregated health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single named health check.
type Check interface {
	Check(ctx context.Context) error
	Name() string
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheckFunc creates a Check from a function.
func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }
func (c *CheckFunc) Name() string                    { return c.name }

// CheckResult captures one check's outcome.
type CheckResult struct {
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latencyMs"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Report aggregates all check outcomes. Status is unhealthy when any
// required check fails and degraded when only optional checks fail.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

type registered struct {
	check    Check
	required bool
}

// Checker manages health checks.
type Checker struct {
	mu     sync.RWMutex
	checks []registered
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{
		checks: make([]registered, 0),
	}
}

// Register adds a required check. Its failure marks the report unhealthy.
func (hc *Checker) Register(check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, registered{check: check, required: true})
}

// RegisterOptional adds an optional check. Its failure only degrades the
// report, which is how a downed cache is reported while storage still works.
func (hc *Checker) RegisterOptional(check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, registered{check: check, required: false})
}

// Check performs all health checks and returns the raw errors by name.
func (hc *Checker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]error, len(hc.checks))
	for _, reg := range hc.checks {
		results[reg.check.Name()] = reg.check.Check(ctx)
	}
	return results
}

// Report performs all health checks and aggregates them.
func (hc *Checker) Report(ctx context.Context) Report {
	hc.mu.RLock()
	checks := make([]registered, len(hc.checks))
	copy(checks, hc.checks)
	hc.mu.RUnlock()

	report := Report{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(checks)),
	}

	for _, reg := range checks {
		start := time.Now()
		err := reg.check.Check(ctx)
		result := CheckResult{
			Status:    StatusHealthy,
			LatencyMS: time.Since(start).Milliseconds(),
			CheckedAt: start.UTC(),
		}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			if reg.required {
				report.Status = StatusUnhealthy
			} else if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
		report.Checks[reg.check.Name()] = result
	}

	return report
}

// Healthy reports whether every required check passes.
func (hc *Checker) Healthy(ctx context.Context) bool {
	hc.mu.RLock()
	checks := make([]registered, len(hc.checks))
	copy(checks, hc.checks)
	hc.mu.RUnlock()

	for _, reg := range checks {
		if !reg.required {
			continue
		}
		if err := reg.check.Check(ctx); err != nil {
			return false
		}
	}
	return true
}
