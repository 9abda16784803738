package catalog

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/redis"
)

// cachedDefinition reads a definition from the cache. A miss or a cache
// outage reports false so the caller falls through to the repository;
// cache failures never surface to callers.
func (s *Service) cachedDefinition(ctx context.Context, name string) (*EventDefinition, bool) {
	if s.cache == nil {
		return nil, false
	}
	var def EventDefinition
	err := s.cache.Get(ctx, redis.EntityEvent, name, &def)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.log.Warn("definition cache read failed, falling through",
				zap.String("event", name), zap.Error(err))
		}
		return nil, false
	}
	return &def, true
}

// cacheDefinition stores a definition after a repository read. Unknown
// events are never cached so a later registration is visible immediately.
func (s *Service) cacheDefinition(ctx context.Context, def *EventDefinition) {
	if s.cache == nil || def == nil {
		return
	}
	if err := s.cache.Set(ctx, redis.EntityEvent, def.Name, def, s.ttl); err != nil {
		s.log.Warn("definition cache write failed", zap.String("event", def.Name), zap.Error(err))
	}
}

// invalidateEvent drops the cached definition and the cached listing after
// a definition write.
func (s *Service) invalidateEvent(ctx context.Context, name string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, redis.EntityEvent, name, redis.AttributeList); err != nil {
		s.log.Warn("definition cache invalidation failed", zap.String("event", name), zap.Error(err))
	}
}

// invalidateConsumers drops the cached consumer list after a consumer write.
func (s *Service) invalidateConsumers(ctx context.Context, name string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, redis.EntityConsumers, name); err != nil {
		s.log.Warn("consumer cache invalidation failed", zap.String("event", name), zap.Error(err))
	}
}
