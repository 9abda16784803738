package bootstrap

import (
	"github.com/nmxmxh/loom/internal/actor"
	"github.com/nmxmxh/loom/pkg/lifecycle"
	"github.com/nmxmxh/loom/pkg/schema"
)

// ActorOptions prewires actor options with the runtime's bus, catalog,
// state store, and observability plumbing. Callers add their
// definitions, breakers, and validation overrides on top.
func (rt *Runtime) ActorOptions(name string) actor.Options {
	return actor.Options{
		Name:           name,
		Bus:            rt.Bus,
		Catalog:        rt.Catalog,
		States:         rt.States,
		Log:            rt.Log,
		Collector:      rt.Collector,
		ValidationMode: schema.Mode(rt.Config.ValidationMode),
		Security: actor.SecurityOptions{
			WebhookURL:    rt.Config.SecurityWebhookURL,
			WebhookSecret: rt.Config.SecurityWebhookSecret,
		},
		ExportMetricsOnShutdown:  rt.Config.ExportMetricsOnShutdown,
		ExportSecurityOnShutdown: rt.Config.ExportSecurityEventsOnShutdown,
	}
}

// Host registers an actor (or any resource) behind the bus and catalog,
// so it starts after the infrastructure and stops before it. Extra
// dependency names sequence actors against each other.
func (rt *Runtime) Host(res lifecycle.Resource, deps ...string) error {
	all := make([]string, 0, len(deps)+2)
	all = append(all, ResourceBus, ResourceCatalog)
	all = append(all, deps...)
	return rt.Lifecycle.Register(res, all...)
}
