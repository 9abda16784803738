package metrics

import (
	"context"
	"runtime"
	"time"
)

// CollectSystemMetrics periodically samples runtime statistics into the
// collector's gauges until the context is cancelled.
func (c *Collector) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sampleSystem()
			}
		}
	}()
}

func (c *Collector) sampleSystem() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	// System stats
	c.systemGauges.WithLabelValues("goroutines").Set(float64(runtime.NumGoroutine()))
	c.systemGauges.WithLabelValues("cgo_calls").Set(float64(runtime.NumCgoCall()))
	c.systemGauges.WithLabelValues("cpu_threads").Set(float64(runtime.GOMAXPROCS(0)))

	// GC stats
	c.gcStats.WithLabelValues("num_gc").Set(float64(stats.NumGC))
	c.gcStats.WithLabelValues("pause_total_ns").Set(float64(stats.PauseTotalNs))
	c.gcStats.WithLabelValues("last_pause_ns").Set(float64(stats.PauseNs[(stats.NumGC+255)%256]))

	// Heap stats
	c.heapStats.WithLabelValues("alloc").Set(float64(stats.HeapAlloc))
	c.heapStats.WithLabelValues("sys").Set(float64(stats.HeapSys))
	c.heapStats.WithLabelValues("idle").Set(float64(stats.HeapIdle))
	c.heapStats.WithLabelValues("inuse").Set(float64(stats.HeapInuse))
	c.heapStats.WithLabelValues("released").Set(float64(stats.HeapReleased))
	c.heapStats.WithLabelValues("objects").Set(float64(stats.HeapObjects))
}
