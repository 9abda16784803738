package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"
)

// Pinger is satisfied by connection wrappers that can verify liveness.
type Pinger interface {
	IsAvailable(ctx context.Context) error
}

// DatabaseCheck checks database connectivity.
type DatabaseCheck struct {
	name string
	db   *sql.DB
}

func NewDatabaseCheck(name string, db *sql.DB) *DatabaseCheck {
	return &DatabaseCheck{name: name, db: db}
}

func (d *DatabaseCheck) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.db.PingContext(ctx)
}

func (d *DatabaseCheck) Name() string {
	return d.name
}

// RedisCheck checks Redis connectivity.
type RedisCheck struct {
	name   string
	pinger Pinger
}

func NewRedisCheck(name string, pinger Pinger) *RedisCheck {
	return &RedisCheck{name: name, pinger: pinger}
}

func (r *RedisCheck) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.pinger.IsAvailable(ctx)
}

func (r *RedisCheck) Name() string {
	return r.name
}

// HTTPCheck checks HTTP service reachability.
type HTTPCheck struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPCheck(name, url string, timeout time.Duration) *HTTPCheck {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPCheck{
		name:    name,
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPCheck) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, h.url)
	}
	return nil
}

func (h *HTTPCheck) Name() string {
	return h.name
}
