// Package bootstrap composes a loom runtime from configuration: catalog
// store, event bus, state store, and observability, wired into a
// lifecycle manager that owns their start/stop ordering. Actors are
// hosted on the assembled runtime afterwards.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/loom/internal/actor"
	"github.com/nmxmxh/loom/internal/bus"
	"github.com/nmxmxh/loom/internal/catalog"
	"github.com/nmxmxh/loom/internal/config"
	"github.com/nmxmxh/loom/pkg/di"
	"github.com/nmxmxh/loom/pkg/lifecycle"
	"github.com/nmxmxh/loom/pkg/metrics"
	"github.com/nmxmxh/loom/pkg/redis"
	"github.com/nmxmxh/loom/pkg/schema"
	"github.com/nmxmxh/loom/pkg/tracing"
)

// Runtime is the assembled process: configuration, stores, catalog, bus,
// and the lifecycle manager holding them together. Hosted actors start
// after the infrastructure and stop before it.
type Runtime struct {
	Config    *config.Config
	Log       *zap.Logger
	Container *di.Container
	Lifecycle *lifecycle.Manager
	Catalog   *catalog.Service
	Bus       *bus.Bus
	States    actor.StateStore
	Collector *metrics.Collector

	store       *catalog.Store
	cacheClient *redis.Client
	stateClient *redis.Client
	cache       *redis.Cache
	watcher     *catalog.Watcher
	metricsSrv  *http.Server
	stopTracing func(context.Context) error
}

// Boot wires every component the configuration calls for. Nothing runs
// yet; Run (or Lifecycle.Start) brings the tree up in dependency order.
func Boot(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap requires a config")
	}
	if log == nil {
		log = zap.NewNop()
	}

	rt := &Runtime{
		Config:    cfg,
		Log:       log,
		Container: di.New(),
		Lifecycle: lifecycle.NewManager(log),
		Collector: metrics.NewCollector(),
	}

	rt.initTracing()

	if err := rt.openCache(); err != nil {
		return nil, rt.abort(ctx, err)
	}
	if err := rt.openCatalog(ctx); err != nil {
		return nil, rt.abort(ctx, err)
	}
	if err := rt.openBus(); err != nil {
		return nil, rt.abort(ctx, err)
	}
	if err := rt.openStates(); err != nil {
		return nil, rt.abort(ctx, err)
	}

	if err := rt.registerResources(); err != nil {
		return nil, rt.abort(ctx, err)
	}
	if err := rt.registerServices(); err != nil {
		return nil, rt.abort(ctx, err)
	}

	log.Info("runtime assembled",
		zap.String("catalog", rt.catalogKind()),
		zap.String("bus", cfg.BusMode),
		zap.String("state_store", rt.stateKind()),
		zap.Bool("metrics_endpoint", cfg.EnableMetricsEndpoint),
		zap.Bool("tracing", rt.stopTracing != nil),
	)
	return rt, nil
}

func (rt *Runtime) initTracing() {
	if !rt.Config.TracingEnabled {
		return
	}
	tcfg := tracing.DefaultConfig()
	tcfg.Enabled = true
	tcfg.ServiceName = rt.Config.ServiceName
	tcfg.Environment = rt.Config.Environment
	if rt.Config.TracingEndpoint != "" {
		tcfg.Endpoint = rt.Config.TracingEndpoint
	}
	_, stop, err := tracing.Init(tcfg)
	if err != nil {
		rt.Log.Warn("tracing init failed, continuing without it", zap.Error(err))
		return
	}
	rt.stopTracing = stop
}

// openCache connects the shared Redis client used by the catalog cache,
// the distributed bus transport, the pending store, and the DLQ.
func (rt *Runtime) openCache() error {
	if rt.Config.CacheURL == "" {
		return nil
	}
	client, err := redis.NewClient(redis.Config{URL: rt.Config.CacheURL}, rt.Log)
	if err != nil {
		return fmt.Errorf("cache connection failed: %w", err)
	}
	rt.cacheClient = client
	rt.cache = redis.NewCache(client, rt.Config.ServiceName)
	return nil
}

func (rt *Runtime) openCatalog(ctx context.Context) error {
	var repo catalog.Repository
	if rt.Config.DatabaseURL != "" {
		store, err := catalog.Open(ctx, rt.Config.DatabaseURL, rt.Log)
		if err != nil {
			return fmt.Errorf("catalog store open failed: %w", err)
		}
		rt.store = store
		if rt.Config.MigrateOnStart {
			if err := catalog.Migrate(store.DB(), rt.Log); err != nil {
				return fmt.Errorf("catalog migration failed: %w", err)
			}
		}
		repo = store
	} else {
		rt.Log.Info("no DATABASE_URL, catalog runs on the in-memory store")
		repo = catalog.NewMemStore()
	}

	rt.Catalog = catalog.New(repo, rt.Log, catalog.Options{
		Cache:    rt.cache,
		CacheTTL: rt.Config.CatalogCacheTTL,
		Mode:     schema.Mode(rt.Config.ValidationMode),
	})

	if rt.Config.CatalogSeedDir != "" {
		if err := rt.Catalog.LoadSeedDir(ctx, rt.Config.CatalogSeedDir); err != nil {
			return fmt.Errorf("catalog seed load failed: %w", err)
		}
		if rt.Config.CatalogWatch {
			rt.watcher = catalog.NewWatcher(rt.Catalog, rt.Config.CatalogSeedDir, rt.Log)
		}
	}
	return nil
}

func (rt *Runtime) openBus() error {
	var transport bus.Transport
	var pending bus.PendingStore

	switch rt.Config.BusMode {
	case config.BusModeRedis:
		transport = bus.NewRedisTransport(rt.cacheClient, bus.RedisTransportOptions{}, rt.Log)
		pending = bus.NewRedisPendingStore(rt.cacheClient)
	default:
		transport = bus.NewMemoryTransport(0, rt.Log)
		pending = bus.NewMemoryPendingStore()
	}

	opts := bus.Options{
		Transport:          transport,
		Log:                rt.Log,
		AskTimeout:         rt.Config.AskTimeout,
		AskRetries:         rt.Config.AskRetries,
		AtLeastOnce:        rt.Config.TellDelivery == config.DeliveryAtLeastOnce,
		Pending:            pending,
		AckTTL:             rt.Config.PendingAckTTL,
		RedeliveryInterval: rt.Config.RedeliveryInterval,
		MaxRedeliveries:    rt.Config.MaxRedeliveries,
		Collector:          rt.Collector,
	}
	if rt.Config.BusMode == config.BusModeRedis {
		opts.DedupLock = rt.cache
		opts.DLQ = rt.cacheClient
		opts.Persist = rt.cacheClient
	}

	b, err := bus.New(opts)
	if err != nil {
		return fmt.Errorf("bus assembly failed: %w", err)
	}
	rt.Bus = b
	return nil
}

func (rt *Runtime) openStates() error {
	if rt.Config.StateStoreURL == "" {
		rt.States = actor.NewMemoryStateStore()
		return nil
	}
	client, err := redis.NewClient(redis.Config{URL: rt.Config.StateStoreURL}, rt.Log)
	if err != nil {
		return fmt.Errorf("state store connection failed: %w", err)
	}
	rt.stateClient = client
	rt.States = actor.NewRedisStateStore(client)
	return nil
}

// registerServices publishes the assembled components into the DI
// container so hosted code can resolve them by type.
func (rt *Runtime) registerServices() error {
	regs := []struct {
		iface   interface{}
		factory di.Factory
	}{
		{(*config.Config)(nil), func(*di.Container) (interface{}, error) { return rt.Config, nil }},
		{(*zap.Logger)(nil), func(*di.Container) (interface{}, error) { return rt.Log, nil }},
		{(*catalog.Service)(nil), func(*di.Container) (interface{}, error) { return rt.Catalog, nil }},
		{(*bus.Bus)(nil), func(*di.Container) (interface{}, error) { return rt.Bus, nil }},
		{(*metrics.Collector)(nil), func(*di.Container) (interface{}, error) { return rt.Collector, nil }},
		{(*actor.StateStore)(nil), func(*di.Container) (interface{}, error) { return rt.States, nil }},
	}
	for _, reg := range regs {
		if err := rt.Container.Register(reg.iface, reg.factory); err != nil {
			return fmt.Errorf("container registration failed: %w", err)
		}
	}
	rt.Container.RegisterConfig("service.name", rt.Config.ServiceName)
	rt.Container.RegisterConfig("environment", rt.Config.Environment)
	return nil
}

func (rt *Runtime) catalogKind() string {
	if rt.store != nil {
		return "postgres"
	}
	return "memory"
}

func (rt *Runtime) stateKind() string {
	if rt.stateClient != nil {
		return "redis"
	}
	return "memory"
}

// Run starts every registered resource, blocks until the context is
// cancelled, then shuts the tree down in reverse order.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Lifecycle.Start(ctx); err != nil {
		return err
	}
	rt.Log.Info("runtime started")

	<-ctx.Done()
	rt.Log.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), rt.shutdownGrace())
	defer cancel()
	return rt.Shutdown(stopCtx)
}

// Shutdown stops all resources and releases connections. Safe to call
// after a partial boot.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	err := rt.Lifecycle.Stop(ctx)
	rt.closeConnections(ctx)
	return err
}

// Health reports per-resource health from the lifecycle manager.
func (rt *Runtime) Health() map[string]error {
	return rt.Lifecycle.Health()
}

func (rt *Runtime) shutdownGrace() time.Duration {
	// Leave room for pending acks to drain plus the final state saves.
	grace := 2 * rt.Config.PendingAckTTL
	if grace < 30*time.Second {
		grace = 30 * time.Second
	}
	return grace
}

func (rt *Runtime) closeConnections(ctx context.Context) {
	if rt.stopTracing != nil {
		if err := rt.stopTracing(ctx); err != nil {
			rt.Log.Warn("tracing shutdown failed", zap.Error(err))
		}
		rt.stopTracing = nil
	}
	if rt.stateClient != nil {
		if err := rt.stateClient.Close(); err != nil {
			rt.Log.Warn("state store close failed", zap.Error(err))
		}
		rt.stateClient = nil
	}
	if rt.cacheClient != nil {
		if err := rt.cacheClient.Close(); err != nil {
			rt.Log.Warn("cache close failed", zap.Error(err))
		}
		rt.cacheClient = nil
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.Log.Warn("catalog store close failed", zap.Error(err))
		}
		rt.store = nil
	}
}

// abort tears down whatever a failed Boot managed to build.
func (rt *Runtime) abort(ctx context.Context, err error) error {
	if rt.Bus != nil {
		if closeErr := rt.Bus.Close(); closeErr != nil {
			rt.Log.Warn("bus close failed during abort", zap.Error(closeErr))
		}
	}
	rt.closeConnections(ctx)
	return err
}
