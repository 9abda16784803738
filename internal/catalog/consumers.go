package catalog

import (
	"context"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/events"
	"github.com/nmxmxh/loom/pkg/redis"
)

// AddConsumer registers or replaces a consumer of an event. The event
// must already be in the catalog; the filter expression, when present,
// must compile.
func (s *Service) AddConsumer(ctx context.Context, consumer *Consumer) error {
	if consumer == nil {
		return errs.New(errs.CodeInvalidConsumer,
			errs.WithMessage("consumer is required"))
	}
	if err := events.ValidateActorName(consumer.ConsumerActor); err != nil {
		return errs.New(errs.CodeInvalidConsumer,
			errs.WithMessage("invalid consumer actor"),
			errs.WithCause(err),
			errs.WithContextValue("event", consumer.EventName))
	}

	c := *consumer
	if c.Pattern == "" {
		c.Pattern = PatternTell
	} else if parsed, ok := ParsePattern(string(c.Pattern)); ok {
		c.Pattern = parsed
	} else {
		return errs.New(errs.CodeInvalidConsumer,
			errs.WithMessage("unknown delivery pattern"),
			errs.WithContextValue("event", c.EventName),
			errs.WithContextValue("pattern", string(c.Pattern)))
	}
	if c.TimeoutMS < 0 {
		return errs.New(errs.CodeInvalidConsumer,
			errs.WithMessage("timeout must not be negative"),
			errs.WithContextValue("event", c.EventName))
	}
	if c.Filter != "" {
		if _, err := CompileFilter(c.Filter); err != nil {
			return errs.New(errs.CodeInvalidConsumer,
				errs.WithMessage("filter expression does not compile"),
				errs.WithCause(err),
				errs.WithContextValue("event", c.EventName))
		}
	}

	def, err := s.GetDefinition(ctx, c.EventName)
	if err != nil {
		return errs.New(errs.CodeEventRegistrationFailed,
			errs.WithMessage("failed to resolve event definition"),
			errs.WithCause(err),
			errs.WithContextValue("event", c.EventName))
	}
	if def == nil {
		return errs.New(errs.CodeEventNotFound,
			errs.WithMessage("event not found"),
			errs.WithContextValue("event", c.EventName))
	}

	if err := s.repo.UpsertConsumer(ctx, &c, s.changedBy); err != nil {
		return errs.New(errs.CodeEventRegistrationFailed,
			errs.WithMessage("failed to store consumer"),
			errs.WithCause(err),
			errs.WithContextValue("event", c.EventName),
			errs.WithContextValue("consumer", c.ConsumerActor))
	}

	s.invalidateConsumers(ctx, c.EventName)
	return nil
}

// RemoveConsumer drops a consumer registration. Removing an absent
// consumer is a no-op.
func (s *Service) RemoveConsumer(ctx context.Context, eventName, consumerActor string) error {
	if err := s.repo.RemoveConsumer(ctx, eventName, consumerActor, s.changedBy); err != nil {
		return errs.New(errs.CodeEventRegistrationFailed,
			errs.WithMessage("failed to remove consumer"),
			errs.WithCause(err),
			errs.WithContextValue("event", eventName),
			errs.WithContextValue("consumer", consumerActor))
	}
	s.invalidateConsumers(ctx, eventName)
	return nil
}

// GetConsumers returns an event's consumers ordered by actor name,
// served through the cache when one is configured.
func (s *Service) GetConsumers(ctx context.Context, eventName string) ([]*Consumer, error) {
	if s.cache != nil {
		return redis.GetOrSetWithProtection(ctx, s.cache, s.log, redis.EntityConsumers, eventName,
			func(ctx context.Context) ([]*Consumer, error) {
				return s.repo.ListConsumers(ctx, eventName)
			}, s.ttl)
	}
	return s.repo.ListConsumers(ctx, eventName)
}
