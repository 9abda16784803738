package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nmxmxh/loom/pkg/redis"
)

// StateStore persists actor state blobs. Each actor owns its key; the
// runtime is the only writer for a given actor id.
type StateStore interface {
	// Load returns the persisted bytes and whether any exist.
	Load(ctx context.Context, actorID string) ([]byte, bool, error)
	// Save overwrites the persisted bytes.
	Save(ctx context.Context, actorID string, data []byte) error
}

// MemoryStateStore keeps state in process memory, for single-process
// runs and tests.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStateStore builds an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string][]byte)}
}

// Load returns the persisted bytes and whether any exist.
func (s *MemoryStateStore) Load(_ context.Context, actorID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.states[actorID]
	if !ok {
		return nil, false, nil
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, true, nil
}

// Save overwrites the persisted bytes.
func (s *MemoryStateStore) Save(_ context.Context, actorID string, data []byte) error {
	clone := make([]byte, len(data))
	copy(clone, data)
	s.mu.Lock()
	s.states[actorID] = clone
	s.mu.Unlock()
	return nil
}

// RedisStateStore persists state under state:<actorID> with no TTL;
// actor state outlives any single process.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore builds a store on the given client.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func stateKey(actorID string) string {
	return "state:" + actorID
}

// Load returns the persisted bytes and whether any exist.
func (s *RedisStateStore) Load(ctx context.Context, actorID string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, stateKey(actorID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state for %s: %w", actorID, err)
	}
	return data, true, nil
}

// Save overwrites the persisted bytes.
func (s *RedisStateStore) Save(ctx context.Context, actorID string, data []byte) error {
	if err := s.client.Set(ctx, stateKey(actorID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", actorID, err)
	}
	return nil
}
