package actor

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/atomic"

	"github.com/nmxmxh/loom/pkg/metrics"
)

// Monitoring is the per-actor metrics capability: named counters, gauges
// and duration summaries with lock-free hot paths, mirrored into the
// shared Prometheus collector and a bounded sample recorder so metrics
// queries can be answered without scraping.
type Monitoring struct {
	actor     string
	collector *metrics.Collector
	recorder  *metrics.Recorder

	mu         sync.RWMutex
	counters   map[string]*atomic.Int64
	gauges     map[string]*atomic.Float64
	histograms map[string]*summary
}

// summary keeps a running aggregate per histogram name. Full bucket
// fidelity lives in Prometheus; actors only need the headline numbers.
type summary struct {
	mu    sync.Mutex
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *summary) observe(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 || v < s.min {
		s.min = v
	}
	if s.count == 0 || v > s.max {
		s.max = v
	}
	s.count++
	s.sum += v
}

func (s *summary) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := 0.0
	if s.count > 0 {
		avg = s.sum / float64(s.count)
	}
	return map[string]any{
		"count": s.count,
		"sum":   s.sum,
		"min":   s.min,
		"max":   s.max,
		"avg":   avg,
	}
}

// NewMonitoring creates the capability for one actor. collector may be
// nil when the runtime runs without a Prometheus endpoint.
func NewMonitoring(actor string, collector *metrics.Collector) *Monitoring {
	return &Monitoring{
		actor:      actor,
		collector:  collector,
		recorder:   metrics.NewRecorder(0),
		counters:   make(map[string]*atomic.Int64),
		gauges:     make(map[string]*atomic.Float64),
		histograms: make(map[string]*summary),
	}
}

// IncrementCounter adds delta to the named counter.
func (m *Monitoring) IncrementCounter(name string, delta int64) {
	m.mu.RLock()
	c := m.counters[name]
	m.mu.RUnlock()
	if c == nil {
		m.mu.Lock()
		if c = m.counters[name]; c == nil {
			c = atomic.NewInt64(0)
			m.counters[name] = c
		}
		m.mu.Unlock()
	}
	value := c.Add(delta)
	m.recorder.Record(metrics.Metric{
		Name:      name,
		Type:      metrics.Counter,
		Value:     float64(value),
		Labels:    map[string]string{"actor": m.actor},
		Timestamp: time.Now(),
	})
}

// SetGauge sets the named gauge.
func (m *Monitoring) SetGauge(name string, value float64) {
	m.mu.RLock()
	g := m.gauges[name]
	m.mu.RUnlock()
	if g == nil {
		m.mu.Lock()
		if g = m.gauges[name]; g == nil {
			g = atomic.NewFloat64(0)
			m.gauges[name] = g
		}
		m.mu.Unlock()
	}
	g.Store(value)
	m.recorder.Record(metrics.Metric{
		Name:      name,
		Type:      metrics.Gauge,
		Value:     value,
		Labels:    map[string]string{"actor": m.actor},
		Timestamp: time.Now(),
	})
}

// ObserveDuration records d into the named duration summary in seconds.
func (m *Monitoring) ObserveDuration(name string, d time.Duration) {
	m.Observe(name, d.Seconds())
}

// Observe records a raw sample into the named summary.
func (m *Monitoring) Observe(name string, value float64) {
	m.mu.RLock()
	h := m.histograms[name]
	m.mu.RUnlock()
	if h == nil {
		m.mu.Lock()
		if h = m.histograms[name]; h == nil {
			h = &summary{}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}
	h.observe(value)
	m.recorder.Record(metrics.Metric{
		Name:      name,
		Type:      metrics.Histogram,
		Value:     value,
		Labels:    map[string]string{"actor": m.actor},
		Timestamp: time.Now(),
	})
}

// Counter returns the current value of the named counter.
func (m *Monitoring) Counter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.counters[name]; c != nil {
		return c.Load()
	}
	return 0
}

// Gauge returns the current value of the named gauge.
func (m *Monitoring) Gauge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g := m.gauges[name]; g != nil {
		return g.Load()
	}
	return 0
}

// Snapshot returns every registered metric as a plain tree suitable for
// a metrics query response.
func (m *Monitoring) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]any, len(m.counters))
	for name, c := range m.counters {
		counters[name] = c.Load()
	}
	gauges := make(map[string]any, len(m.gauges))
	for name, g := range m.gauges {
		gauges[name] = g.Load()
	}
	histograms := make(map[string]any, len(m.histograms))
	for name, h := range m.histograms {
		histograms[name] = h.snapshot()
	}

	return map[string]any{
		"actor":      m.actor,
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// Samples returns the recent raw samples, oldest first.
func (m *Monitoring) Samples() []metrics.Metric {
	return m.recorder.GetMetrics()
}

// ExportTable renders the snapshot as a table, used by the shutdown
// export when EXPORT_METRICS_ON_SHUTDOWN is set.
func (m *Monitoring) ExportTable(w io.Writer) error {
	snap := m.Snapshot()

	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"Metric", "Kind", "Value"}); err != nil {
		return fmt.Errorf("failed to append header row: %w", err)
	}

	appendSorted := func(kind string, values map[string]any) error {
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := table.Append([]string{name, kind, fmt.Sprintf("%v", values[name])}); err != nil {
				return fmt.Errorf("failed to append row: %w", err)
			}
		}
		return nil
	}

	if err := appendSorted("counter", snap["counters"].(map[string]any)); err != nil {
		return err
	}
	if err := appendSorted("gauge", snap["gauges"].(map[string]any)); err != nil {
		return err
	}

	histograms := snap["histograms"].(map[string]any)
	names := make([]string, 0, len(histograms))
	for name := range histograms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := histograms[name].(map[string]any)
		value := fmt.Sprintf("count=%v avg=%.4f min=%.4f max=%.4f", h["count"], h["avg"], h["min"], h["max"])
		if err := table.Append([]string{name, "histogram", value}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render metrics table: %w", err)
	}
	return nil
}
