package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector bundles the runtime's Prometheus instruments behind a dedicated
// registry so independent runtimes never collide on registration.
type Collector struct {
	registry *prometheus.Registry

	// EventsPublished tracks envelopes leaving the bus by type and pattern.
	EventsPublished *prometheus.CounterVec

	// EventsProcessed tracks envelopes handled by actors by outcome.
	EventsProcessed *prometheus.CounterVec

	// CommandDuration tracks command dispatch time per actor and command.
	CommandDuration *prometheus.HistogramVec

	// AskDuration tracks request/response round trips per target.
	AskDuration *prometheus.HistogramVec

	// BreakerState exposes circuit state (0 closed, 1 half-open, 2 open).
	BreakerState *prometheus.GaugeVec

	// RateLimited counts commands rejected by rate limiting.
	RateLimited *prometheus.CounterVec

	// ValidationFailures counts payload validation rejections.
	ValidationFailures *prometheus.CounterVec

	// Redeliveries counts pending deliveries that were retried.
	Redeliveries prometheus.Counter

	// DeadLetters counts envelopes that exhausted redelivery.
	DeadLetters prometheus.Counter

	// CacheOperations counts catalog cache hits and misses.
	CacheOperations *prometheus.CounterVec

	// ActiveActors tracks the number of running actors.
	ActiveActors prometheus.Gauge

	// WorkerPoolGauges tracks worker pool gauges by pool name and type.
	WorkerPoolGauges *prometheus.GaugeVec

	// WorkerPoolCounters tracks worker pool counters by pool name and type.
	WorkerPoolCounters *prometheus.CounterVec

	// WorkerPoolHistograms tracks worker pool timing metrics.
	WorkerPoolHistograms *prometheus.HistogramVec

	// SecurityEvents counts recorded security events by actor and severity.
	SecurityEvents *prometheus.CounterVec

	// WebhookDeliveries counts security webhook delivery outcomes.
	WebhookDeliveries *prometheus.CounterVec

	systemGauges *prometheus.GaugeVec
	gcStats      *prometheus.GaugeVec
	heapStats    *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry and all runtime
// instruments registered.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_events_published_total",
				Help: "Total number of envelopes published by event type and pattern",
			},
			[]string{"event_type", "pattern"},
		),
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_events_processed_total",
				Help: "Total number of envelopes processed by actors",
			},
			[]string{"actor", "event_type", "result"},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_command_duration_seconds",
				Help:    "Time spent dispatching commands",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"actor", "command"},
		),
		AskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_ask_duration_seconds",
				Help:    "Time spent waiting for ask responses",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target", "event_type"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_rate_limited_total",
				Help: "Total number of commands rejected by rate limiting",
			},
			[]string{"actor", "command"},
		),
		ValidationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_validation_failures_total",
				Help: "Total number of payload validation rejections",
			},
			[]string{"event_type", "mode"},
		),
		Redeliveries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_redeliveries_total",
				Help: "Total number of pending deliveries retried",
			},
		),
		DeadLetters: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_dead_letters_total",
				Help: "Total number of envelopes sent to the dead-letter stream",
			},
		),
		CacheOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_cache_operations_total",
				Help: "Catalog cache operations by entity and result",
			},
			[]string{"entity", "result"},
		),
		ActiveActors: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_active_actors",
				Help: "Number of running actors",
			},
		),
		WorkerPoolGauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_worker_pool_gauges",
				Help: "Worker pool gauges by pool name and type",
			},
			[]string{"pool", "type"},
		),
		WorkerPoolCounters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_worker_pool_counters",
				Help: "Worker pool counters by pool name and type",
			},
			[]string{"pool", "type"},
		),
		WorkerPoolHistograms: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_worker_pool_processing_seconds",
				Help:    "Worker pool processing time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool"},
		),
		SecurityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_security_events_total",
				Help: "Total number of security events by actor and severity",
			},
			[]string{"actor", "severity"},
		),
		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_webhook_deliveries_total",
				Help: "Security webhook delivery outcomes",
			},
			[]string{"result"},
		),
		systemGauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_system_stats",
				Help: "System statistics",
			},
			[]string{"type"},
		),
		gcStats: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_gc_stats",
				Help: "Garbage collection statistics",
			},
			[]string{"type"},
		),
		heapStats: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_heap_stats",
				Help: "Heap memory statistics",
			},
			[]string{"type"},
		),
	}

	return c
}

// Registry returns the collector's registry for custom registration.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics endpoint on addr and returns the server so the
// caller can shut it down.
func (c *Collector) Serve(addr string, log *zap.Logger) *http.Server {
	if log == nil {
		log = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server exited", zap.Error(err))
		}
	}()

	return srv
}

// MetricType represents the type of metric.
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// Metric represents a recorded sample.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

const defaultRecorderCapacity = 1000

// Recorder keeps a bounded in-memory window of recent samples. Actors use it
// to answer metrics queries without scraping Prometheus.
type Recorder struct {
	capacity int
	mu       sync.RWMutex
	metrics  []Metric
}

// NewRecorder creates a recorder. A non-positive capacity uses the default.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultRecorderCapacity
	}
	return &Recorder{
		capacity: capacity,
		metrics:  make([]Metric, 0, capacity),
	}
}

// Record appends a sample, dropping the oldest when full.
func (r *Recorder) Record(metric Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.metrics) == r.capacity {
		copy(r.metrics, r.metrics[1:])
		r.metrics = r.metrics[:r.capacity-1]
	}
	r.metrics = append(r.metrics, metric)
}

// GetMetrics returns a copy of the recorded samples.
func (r *Recorder) GetMetrics() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metric, len(r.metrics))
	copy(out, r.metrics)
	return out
}

// Len reports the number of buffered samples.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.metrics)
}
