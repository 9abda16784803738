package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/json"
)

// ErrCacheMiss is returned by Get when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// Cache provides JSON value caching on top of Redis.
type Cache struct {
	client *Client
	kb     *KeyBuilder
	log    *zap.Logger
}

// NewCache creates a new Cache instance. An empty namespace yields bare
// entity:attribute keys.
func NewCache(client *Client, namespace string) *Cache {
	return &Cache{
		client: client,
		kb:     NewKeyBuilder(namespace),
		log:    client.log.With(zap.String("module", "cache")),
	}
}

// GetClient returns the underlying Redis client.
func (c *Cache) GetClient() *Client {
	return c.client
}

// Set stores a value in the cache with the given TTL.
func (c *Cache) Set(ctx context.Context, entity, attribute string, value interface{}, ttl time.Duration) error {
	key := c.kb.Build(entity, attribute)
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Error("failed to set cache",
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// Get retrieves a value from the cache into value. Returns ErrCacheMiss when
// the key is absent so callers can distinguish a miss from an empty value.
func (c *Cache) Get(ctx context.Context, entity, attribute string, value interface{}) error {
	key := c.kb.Build(entity, attribute)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		c.log.Error("failed to get cache",
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return nil
}

// Delete removes one or more values from the cache.
func (c *Cache) Delete(ctx context.Context, entity string, attributes ...string) error {
	if len(attributes) == 0 {
		return nil
	}
	keys := make([]string, len(attributes))
	for i, attr := range attributes {
		keys[i] = c.kb.Build(entity, attr)
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.Error("failed to delete cache",
			zap.String("entity", entity),
			zap.Error(err),
		)
		return fmt.Errorf("failed to delete cache: %w", err)
	}

	return nil
}

// DeletePattern removes every key matching the entity pattern. Used for bulk
// invalidation when a definition changes shape.
func (c *Cache) DeletePattern(ctx context.Context, entity, pattern string) error {
	match := c.kb.BuildPattern(entity, pattern)

	iter := c.client.Scan(ctx, 0, match, 100).Iterator()
	keys := make([]string, 0, 16)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Error("failed to scan cache keys",
			zap.String("pattern", match),
			zap.Error(err),
		)
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}

	return nil
}

// TryLock attempts to acquire a short-lived processing lock. Returns true
// when this caller won the lock.
func (c *Cache) TryLock(ctx context.Context, entity, id string, ttl time.Duration) (bool, error) {
	key := c.kb.BuildLock(entity, id)
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// Unlock releases a processing lock.
func (c *Cache) Unlock(ctx context.Context, entity, id string) error {
	key := c.kb.BuildLock(entity, id)
	return c.client.Del(ctx, key).Err()
}
