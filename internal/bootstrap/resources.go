package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/nmxmxh/loom/pkg/lifecycle"
)

// Resource names used for dependency edges.
const (
	ResourceCatalog = "catalog"
	ResourceBus     = "bus"
	ResourceMetrics = "metrics-server"
	ResourceWatcher = "catalog-watcher"
	ResourceCache   = "cache"
	ResourceStates  = "state-store"
)

// component adapts a start/stop/health triple to lifecycle.Resource.
// Nil funcs are no-ops.
type component struct {
	name   string
	start  func(ctx context.Context) error
	stop   func(ctx context.Context) error
	health func() error
}

func (c *component) Name() string { return c.name }

func (c *component) Start(ctx context.Context) error {
	if c.start == nil {
		return nil
	}
	return c.start(ctx)
}

func (c *component) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	return c.stop(ctx)
}

func (c *component) Health() error {
	if c.health == nil {
		return nil
	}
	return c.health()
}

// registerResources wires the assembled components into the lifecycle
// manager. Connections themselves close after the manager stops, so
// actors can still flush state during their own Stop.
func (rt *Runtime) registerResources() error {
	if rt.cacheClient != nil {
		cache := &component{
			name:   ResourceCache,
			health: rt.pingCache,
		}
		if err := rt.Lifecycle.Register(cache); err != nil {
			return err
		}
	}
	if rt.stateClient != nil {
		states := &component{
			name:   ResourceStates,
			health: rt.pingStates,
		}
		if err := rt.Lifecycle.Register(states); err != nil {
			return err
		}
	}

	catalogDeps := make([]string, 0, 1)
	if rt.cacheClient != nil {
		catalogDeps = append(catalogDeps, ResourceCache)
	}
	cat := &component{
		name:   ResourceCatalog,
		health: rt.pingCatalog,
	}
	if err := rt.Lifecycle.Register(cat, catalogDeps...); err != nil {
		return err
	}

	eventBus := &component{
		name:   ResourceBus,
		stop:   func(context.Context) error { return rt.Bus.Close() },
		health: rt.Bus.Health,
	}
	if err := rt.Lifecycle.Register(eventBus, catalogDeps...); err != nil {
		return err
	}

	if rt.watcher != nil {
		watcher := &component{
			name:   ResourceWatcher,
			start:  rt.watcher.Start,
			stop:   rt.watcher.Stop,
			health: rt.watcher.Health,
		}
		if err := rt.Lifecycle.Register(watcher, ResourceCatalog); err != nil {
			return err
		}
	}

	if rt.Config.EnableMetricsEndpoint {
		server := &component{
			name: ResourceMetrics,
			start: func(context.Context) error {
				rt.metricsSrv = rt.Collector.Serve(rt.Config.MetricsAddr, rt.Log)
				return nil
			},
			stop: func(ctx context.Context) error {
				if rt.metricsSrv == nil {
					return nil
				}
				return rt.metricsSrv.Shutdown(ctx)
			},
			health: func() error {
				if rt.metricsSrv == nil {
					return fmt.Errorf("metrics server is not running")
				}
				return nil
			},
		}
		if err := rt.Lifecycle.Register(server); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) pingCache() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rt.cacheClient.IsAvailable(ctx)
}

func (rt *Runtime) pingStates() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rt.stateClient.IsAvailable(ctx)
}

func (rt *Runtime) pingCatalog() error {
	if rt.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rt.store.DB().PingContext(ctx)
}

var _ lifecycle.Resource = (*component)(nil)
