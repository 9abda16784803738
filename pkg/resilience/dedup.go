package resilience

import (
	"sync"

	"go.uber.org/atomic"
)

const defaultDedupCapacity = 10000

// Deduplicator tracks seen envelope ids in a bounded set with FIFO
// eviction on overflow.
type Deduplicator struct {
	capacity int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	head  int

	duplicates atomic.Int64
	evictions  atomic.Int64
}

// NewDeduplicator builds a deduplicator; capacity <= 0 uses the default
// of 10000.
func NewDeduplicator(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &Deduplicator{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// IsDuplicate reports whether id has been seen before, inserting it on
// first sight. For any id, at most one call returns false.
func (d *Deduplicator) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		d.duplicates.Inc()
		return true
	}

	if len(d.seen) >= d.capacity {
		oldest := d.order[d.head]
		delete(d.seen, oldest)
		d.order[d.head] = id
		d.head = (d.head + 1) % d.capacity
		d.evictions.Inc()
	} else {
		d.order = append(d.order, id)
	}
	d.seen[id] = struct{}{}
	return false
}

// Len reports the number of tracked ids.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Duplicates reports how many duplicate sightings occurred.
func (d *Deduplicator) Duplicates() int64 { return d.duplicates.Load() }

// Evictions reports how many ids were evicted to make room.
func (d *Deduplicator) Evictions() int64 { return d.evictions.Load() }
