package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var flight singleflight.Group

// GetOrSetWithProtection provides read-through caching with cache stampede
// protection. A cache miss triggers a single shared fetch; cache failures are
// logged and bypassed so a degraded cache never fails the read path.
func GetOrSetWithProtection[T any](
	ctx context.Context,
	cache *Cache,
	log *zap.Logger,
	entity, attribute string,
	fetchFunc func(context.Context) (T, error),
	ttl time.Duration,
) (T, error) {
	var zero T
	key := cache.kb.Build(entity, attribute)

	// Try to get from cache first
	err := cache.Get(ctx, entity, attribute, &zero)
	if err == nil {
		return zero, nil
	}
	if !errors.Is(err, ErrCacheMiss) && log != nil {
		log.Warn("cache read failed, falling through to source", zap.Error(err), zap.String("key", key))
	}

	v, err, _ := flight.Do(key, func() (interface{}, error) {
		// Double check cache after winning the flight
		var hit T
		if err := cache.Get(ctx, entity, attribute, &hit); err == nil {
			return hit, nil
		}

		val, err := fetchFunc(ctx)
		if err != nil {
			if log != nil {
				log.Warn("fetchFunc failed in GetOrSetWithProtection", zap.Error(err), zap.String("key", key))
			}
			return nil, err
		}

		if setErr := cache.Set(ctx, entity, attribute, val, ttl); setErr != nil && log != nil {
			log.Warn("cache Set failed in GetOrSetWithProtection", zap.Error(setErr), zap.String("key", key))
		}
		return val, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected cached type for key %s", key)
	}
	return typed, nil
}
