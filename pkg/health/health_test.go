package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCheck implements the Check interface for testing.
type mockCheck struct {
	name    string
	err     error
	checked bool
}

func (m *mockCheck) Check(ctx context.Context) error {
	m.checked = true
	return m.err
}

func (m *mockCheck) Name() string {
	return m.name
}

func TestNewChecker(t *testing.T) {
	hc := NewChecker()
	assert.NotNil(t, hc)
	assert.Empty(t, hc.checks)
}

func TestCheckerRegister(t *testing.T) {
	hc := NewChecker()
	check := &mockCheck{name: "test"}

	hc.Register(check)
	assert.Len(t, hc.checks, 1)
	assert.True(t, hc.checks[0].required)
}

func TestCheckerCheck(t *testing.T) {
	hc := NewChecker()
	ctx := context.Background()

	successCheck := &mockCheck{name: "success"}
	failCheck := &mockCheck{
		name: "fail",
		err:  errors.New("check failed"),
	}

	hc.Register(successCheck)
	hc.Register(failCheck)

	results := hc.Check(ctx)

	assert.Len(t, results, 2)
	assert.NoError(t, results["success"])
	assert.Error(t, results["fail"])
	assert.True(t, successCheck.checked)
	assert.True(t, failCheck.checked)
}

func TestReportAllHealthy(t *testing.T) {
	hc := NewChecker()
	hc.Register(&mockCheck{name: "storage"})
	hc.RegisterOptional(&mockCheck{name: "cache"})

	report := hc.Report(context.Background())

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, StatusHealthy, report.Checks["storage"].Status)
	assert.Equal(t, StatusHealthy, report.Checks["cache"].Status)
}

func TestReportOptionalFailureDegrades(t *testing.T) {
	hc := NewChecker()
	hc.Register(&mockCheck{name: "storage"})
	hc.RegisterOptional(&mockCheck{name: "cache", err: errors.New("connection refused")})

	report := hc.Report(context.Background())

	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Checks["cache"].Status)
	assert.Equal(t, "connection refused", report.Checks["cache"].Error)
}

func TestReportRequiredFailureUnhealthy(t *testing.T) {
	hc := NewChecker()
	hc.Register(&mockCheck{name: "storage", err: errors.New("down")})
	hc.RegisterOptional(&mockCheck{name: "cache", err: errors.New("down too")})

	report := hc.Report(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestHealthyIgnoresOptional(t *testing.T) {
	hc := NewChecker()
	hc.Register(&mockCheck{name: "storage"})
	hc.RegisterOptional(&mockCheck{name: "cache", err: errors.New("down")})

	assert.True(t, hc.Healthy(context.Background()))

	hc.Register(&mockCheck{name: "bus", err: errors.New("down")})
	assert.False(t, hc.Healthy(context.Background()))
}

func TestCheckFunc(t *testing.T) {
	called := false
	check := NewCheckFunc("fn", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.Equal(t, "fn", check.Name())
	assert.NoError(t, check.Check(context.Background()))
	assert.True(t, called)
}

type stubPinger struct {
	err error
}

func (s stubPinger) IsAvailable(ctx context.Context) error { return s.err }

func TestRedisCheck(t *testing.T) {
	check := NewRedisCheck("redis", stubPinger{})
	assert.Equal(t, "redis", check.Name())
	assert.NoError(t, check.Check(context.Background()))

	failing := NewRedisCheck("redis", stubPinger{err: errors.New("connection refused")})
	assert.Error(t, failing.Check(context.Background()))
}

func TestHTTPCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	check := NewHTTPCheck("api", srv.URL, 5*time.Second)
	assert.Equal(t, "api", check.Name())
	assert.NoError(t, check.Check(context.Background()))
}

func TestHTTPCheckFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	check := NewHTTPCheck("api", srv.URL, 5*time.Second)
	assert.Error(t, check.Check(context.Background()))
}

func TestConcurrentChecks(t *testing.T) {
	hc := NewChecker()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		hc.Register(&mockCheck{name: fmt.Sprintf("check-%d", i)})
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results := hc.Check(ctx)
			assert.Len(t, results, 10)
		}()
	}

	wg.Wait()
}

func TestCheckerWithTimeout(t *testing.T) {
	hc := NewChecker()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	check := &mockCheck{
		name: "timeout-check",
		err:  context.DeadlineExceeded,
	}
	hc.Register(check)

	results := hc.Check(ctx)
	require.Error(t, results["timeout-check"])
	assert.Equal(t, context.DeadlineExceeded, results["timeout-check"])
}
