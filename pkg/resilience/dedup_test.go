package resilience

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicatorFirstSightIsNotDuplicate(t *testing.T) {
	d := NewDeduplicator(100)

	assert.False(t, d.IsDuplicate("env-1"))
	assert.True(t, d.IsDuplicate("env-1"))
	assert.True(t, d.IsDuplicate("env-1"))
	assert.Equal(t, int64(2), d.Duplicates())
	assert.Equal(t, 1, d.Len())
}

func TestDeduplicatorEvictsOldestAtCapacity(t *testing.T) {
	d := NewDeduplicator(3)

	require.False(t, d.IsDuplicate("a"))
	require.False(t, d.IsDuplicate("b"))
	require.False(t, d.IsDuplicate("c"))
	require.Equal(t, 3, d.Len())

	// Inserting a fourth id evicts the oldest.
	require.False(t, d.IsDuplicate("d"))
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, int64(1), d.Evictions())

	// The evicted id reads as unseen again.
	assert.False(t, d.IsDuplicate("a"))
	// b was evicted to admit a.
	assert.False(t, d.IsDuplicate("b"))
	// d is still tracked.
	assert.True(t, d.IsDuplicate("d"))
}

func TestDeduplicatorDefaultCapacity(t *testing.T) {
	d := NewDeduplicator(0)
	assert.Equal(t, defaultDedupCapacity, d.capacity)
}

func TestDeduplicatorAtMostOneFalsePerID(t *testing.T) {
	d := NewDeduplicator(1000)

	var wg sync.WaitGroup
	falses := make(chan string, 1000)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("env-%d", i)
				if !d.IsDuplicate(id) {
					falses <- id
				}
			}
		}()
	}
	wg.Wait()
	close(falses)

	seen := make(map[string]int)
	for id := range falses {
		seen[id]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "id %s returned false more than once", id)
	}
	assert.Len(t, seen, 100)
}
