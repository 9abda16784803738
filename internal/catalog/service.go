package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/events"
	"github.com/nmxmxh/loom/pkg/health"
	"github.com/nmxmxh/loom/pkg/redis"
	"github.com/nmxmxh/loom/pkg/schema"
)

// Service exposes the catalog operations over a Repository with an
// optional Redis read-through cache. All writes invalidate the affected
// cache keys; cache outages degrade reads to the repository.
type Service struct {
	repo  Repository
	cache *redis.Cache
	log   *zap.Logger

	ttl            time.Duration
	mode           schema.Mode
	changedBy      string
	metricsEnabled bool

	validators sync.Map
	flight     singleflight.Group
	checker    *health.Checker
}

// Options tunes a catalog Service.
type Options struct {
	// Cache enables the read-through cache. Nil leaves the repository as
	// the only source.
	Cache *redis.Cache
	// CacheTTL bounds cached entries. Defaults to redis.TTLCatalogEntry.
	CacheTTL time.Duration
	// Mode selects schema validation strictness. Defaults to schema.Strict.
	Mode schema.Mode
	// ChangedBy is the audit principal recorded for catalog writes.
	// Defaults to "catalog".
	ChangedBy string
	// DisableMetrics turns RecordMetric into a no-op.
	DisableMetrics bool
}

// New creates a catalog service over the given repository.
func New(repo Repository, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = redis.TTLCatalogEntry
	}
	if opts.Mode == "" {
		opts.Mode = schema.Strict
	}
	if opts.ChangedBy == "" {
		opts.ChangedBy = "catalog"
	}

	s := &Service{
		repo:           repo,
		cache:          opts.Cache,
		log:            log.With(zap.String("module", "catalog")),
		ttl:            opts.CacheTTL,
		mode:           opts.Mode,
		changedBy:      opts.ChangedBy,
		metricsEnabled: !opts.DisableMetrics,
	}

	checker := health.NewChecker()
	checker.Register(health.NewCheckFunc("storage", repo.Ping))
	if opts.Cache != nil {
		client := opts.Cache.GetClient()
		checker.RegisterOptional(health.NewCheckFunc("cache", func(ctx context.Context) error {
			return client.IsAvailable(ctx)
		}))
	}
	s.checker = checker
	return s
}

// Register inserts or replaces an event definition. A missing category is
// inferred from the name; a changed payload schema bumps the version and
// appends to the schema history.
func (s *Service) Register(ctx context.Context, def *EventDefinition) (*EventDefinition, error) {
	if def == nil {
		return nil, errs.New(errs.CodeInvalidEventDefinition,
			errs.WithMessage("event definition is required"))
	}
	if err := events.ValidateEventName(def.Name); err != nil {
		return nil, errs.New(errs.CodeInvalidEventDefinition,
			errs.WithMessage("invalid event name"),
			errs.WithCause(err),
			errs.WithContextValue("event", def.Name))
	}

	d := *def
	if d.Category == "" {
		d.Category = events.InferCategory(d.Name)
	} else if parsed, ok := events.ParseCategory(string(d.Category)); ok {
		d.Category = parsed
	} else {
		return nil, errs.New(errs.CodeInvalidEventDefinition,
			errs.WithMessage("unknown event category"),
			errs.WithContextValue("event", d.Name),
			errs.WithContextValue("category", string(d.Category)))
	}
	if len(d.PayloadSchema) > 0 {
		if _, err := schema.CompileRaw(d.PayloadSchema, s.mode); err != nil {
			return nil, errs.New(errs.CodeInvalidEventDefinition,
				errs.WithMessage("malformed payload schema"),
				errs.WithCause(err),
				errs.WithContextValue("event", d.Name))
		}
	}

	stored, err := s.repo.UpsertDefinition(ctx, &d, s.changedBy)
	if err != nil {
		return nil, errs.New(errs.CodeEventRegistrationFailed,
			errs.WithMessage("failed to store event definition"),
			errs.WithCause(err),
			errs.WithContextValue("event", d.Name))
	}

	s.dropValidators(stored.Name)
	s.invalidateEvent(ctx, stored.Name)
	s.log.Info("event registered",
		zap.String("event", stored.Name),
		zap.String("category", string(stored.Category)),
		zap.Int("version", stored.Version))
	return stored, nil
}

// Update applies a partial change to a definition.
func (s *Service) Update(ctx context.Context, name string, update Update) (*EventDefinition, error) {
	if len(update.PayloadSchema) > 0 {
		if _, err := schema.CompileRaw(update.PayloadSchema, s.mode); err != nil {
			return nil, errs.New(errs.CodeInvalidEventDefinition,
				errs.WithMessage("malformed payload schema"),
				errs.WithCause(err),
				errs.WithContextValue("event", name))
		}
	}

	stored, err := s.repo.UpdateDefinition(ctx, name, update, s.changedBy)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errs.New(errs.CodeEventNotFound,
				errs.WithMessage("event not found"),
				errs.WithContextValue("event", name))
		}
		return nil, errs.New(errs.CodeEventRegistrationFailed,
			errs.WithMessage("failed to update event definition"),
			errs.WithCause(err),
			errs.WithContextValue("event", name))
	}

	s.dropValidators(name)
	s.invalidateEvent(ctx, name)
	s.log.Info("event updated", zap.String("event", name), zap.Int("version", stored.Version))
	return stored, nil
}

// Deprecate marks an event deprecated, optionally naming its replacement.
// The definition stays resolvable so existing producers keep working.
func (s *Service) Deprecate(ctx context.Context, name, replacedBy string) (*EventDefinition, error) {
	deprecated := true
	update := Update{Deprecated: &deprecated}
	if replacedBy != "" {
		update.ReplacedBy = &replacedBy
	}
	return s.Update(ctx, name, update)
}

// GetDefinition returns the definition, or nil when the event is unknown.
func (s *Service) GetDefinition(ctx context.Context, name string) (*EventDefinition, error) {
	if def, ok := s.cachedDefinition(ctx, name); ok {
		return def, nil
	}

	def, err := s.repo.GetDefinition(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load event definition: %w", err)
	}
	s.cacheDefinition(ctx, def)
	return def, nil
}

// List returns definitions matching the filter, ordered by name. The
// unfiltered listing is served through the cache.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*EventDefinition, error) {
	if filter.empty() && s.cache != nil {
		return redis.GetOrSetWithProtection(ctx, s.cache, s.log, redis.EntityEvent, redis.AttributeList,
			func(ctx context.Context) ([]*EventDefinition, error) {
				return s.repo.ListDefinitions(ctx, ListFilter{})
			}, s.ttl)
	}
	return s.repo.ListDefinitions(ctx, filter)
}

// AuditTrail returns the change log for an event, newest first.
func (s *Service) AuditTrail(ctx context.Context, name string, limit int) ([]*AuditEntry, error) {
	entries, err := s.repo.AuditTrail(ctx, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	return entries, nil
}

// HealthCheck pings the backing store and cache. A downed cache degrades
// the report; a downed store marks it unhealthy.
func (s *Service) HealthCheck(ctx context.Context) health.Report {
	return s.checker.Report(ctx)
}
