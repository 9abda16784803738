package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nmxmxh/loom/pkg/events"
	"github.com/nmxmxh/loom/pkg/json"
	"github.com/nmxmxh/loom/pkg/redis"
)

// PendingEntry records an unacknowledged tell. It stays in the pending
// store until a handler acks it or redelivery gives up.
type PendingEntry struct {
	Envelope *events.Envelope `json:"envelope"`
	Target   string           `json:"target"`
	Attempts int              `json:"attempts"`
	Deadline time.Time        `json:"deadline"`
}

// PendingStore tracks at-least-once deliveries. The Redis
// implementation is shared across processes, so any instance that
// handles the envelope may ack it and any instance's sweeper may
// redeliver it. Duplicate redeliveries between concurrent sweepers are
// possible and tolerated; delivery-side dedup suppresses double
// handling.
type PendingStore interface {
	// Put records a delivery awaiting ack.
	Put(ctx context.Context, entry *PendingEntry) error

	// Ack removes the entry. It reports whether the entry existed.
	Ack(ctx context.Context, envelopeID string) (bool, error)

	// Due returns up to limit entries whose deadline has passed,
	// oldest deadline first.
	Due(ctx context.Context, now time.Time, limit int) ([]*PendingEntry, error)

	// Extend rewrites the entry's attempt count and deadline after a
	// redelivery.
	Extend(ctx context.Context, envelopeID string, attempts int, deadline time.Time) error

	// Len reports how many deliveries await ack.
	Len(ctx context.Context) (int, error)
}

// MemoryPendingStore keeps pending deliveries in process memory. It
// mirrors the Redis store's behavior for single-process deployments.
type MemoryPendingStore struct {
	mu      sync.RWMutex
	entries map[string]*PendingEntry
}

// NewMemoryPendingStore builds an empty store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{entries: make(map[string]*PendingEntry)}
}

// Put records a delivery awaiting ack.
func (s *MemoryPendingStore) Put(_ context.Context, entry *PendingEntry) error {
	if entry == nil || entry.Envelope == nil {
		return fmt.Errorf("pending entry requires an envelope")
	}
	clone := *entry
	s.mu.Lock()
	s.entries[entry.Envelope.ID] = &clone
	s.mu.Unlock()
	return nil
}

// Ack removes the entry.
func (s *MemoryPendingStore) Ack(_ context.Context, envelopeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[envelopeID]; !ok {
		return false, nil
	}
	delete(s.entries, envelopeID)
	return true, nil
}

// Due returns entries past their deadline, oldest first.
func (s *MemoryPendingStore) Due(_ context.Context, now time.Time, limit int) ([]*PendingEntry, error) {
	s.mu.RLock()
	var due []*PendingEntry
	for _, entry := range s.entries {
		if !entry.Deadline.After(now) {
			clone := *entry
			due = append(due, &clone)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Extend rewrites the entry's attempts and deadline.
func (s *MemoryPendingStore) Extend(_ context.Context, envelopeID string, attempts int, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[envelopeID]
	if !ok {
		return nil
	}
	entry.Attempts = attempts
	entry.Deadline = deadline
	return nil
}

// Len reports how many deliveries await ack.
func (s *MemoryPendingStore) Len(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// RedisPendingStore durably tracks pending deliveries under
// pending:<envelopeId> keys. A safety TTL bounds how long an entry can
// leak if every sweeper is down.
type RedisPendingStore struct {
	client *redis.Client
}

// NewRedisPendingStore builds a store on the given client.
func NewRedisPendingStore(client *redis.Client) *RedisPendingStore {
	return &RedisPendingStore{client: client}
}

// Put records a delivery awaiting ack.
func (s *RedisPendingStore) Put(ctx context.Context, entry *PendingEntry) error {
	if entry == nil || entry.Envelope == nil {
		return fmt.Errorf("pending entry requires an envelope")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode pending entry: %w", err)
	}
	key := events.PendingKey(entry.Envelope.ID)
	if err := s.client.Set(ctx, key, data, redis.TTLPendingSafety).Err(); err != nil {
		return fmt.Errorf("failed to store pending entry: %w", err)
	}
	return nil
}

// Ack removes the entry.
func (s *RedisPendingStore) Ack(ctx context.Context, envelopeID string) (bool, error) {
	n, err := s.client.Del(ctx, events.PendingKey(envelopeID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to ack pending entry: %w", err)
	}
	return n > 0, nil
}

// Due scans pending keys and returns entries past their deadline,
// oldest first.
func (s *RedisPendingStore) Due(ctx context.Context, now time.Time, limit int) ([]*PendingEntry, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	var due []*PendingEntry
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue // acked between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read pending entry: %w", err)
		}
		var entry PendingEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			// Unreadable entries would redeliver forever; drop them.
			_, _ = s.client.Del(ctx, key).Result()
			continue
		}
		if !entry.Deadline.After(now) {
			due = append(due, &entry)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Extend rewrites the entry's attempts and deadline. The safety TTL
// restarts; the redelivery cap bounds total lifetime regardless.
func (s *RedisPendingStore) Extend(ctx context.Context, envelopeID string, attempts int, deadline time.Time) error {
	key := events.PendingKey(envelopeID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pending entry: %w", err)
	}
	var entry PendingEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("failed to decode pending entry: %w", err)
	}
	entry.Attempts = attempts
	entry.Deadline = deadline
	updated, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to encode pending entry: %w", err)
	}
	if err := s.client.Set(ctx, key, updated, redis.TTLPendingSafety).Err(); err != nil {
		return fmt.Errorf("failed to update pending entry: %w", err)
	}
	return nil
}

// Len counts pending keys.
func (s *RedisPendingStore) Len(ctx context.Context) (int, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *RedisPendingStore) scanKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := events.PendingKey("*")
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending entries: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
