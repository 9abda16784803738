package catalog

import (
	"context"
	"errors"
)

// ErrNotFound reports a catalog row that does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Repository is the persistence boundary of the catalog. Implementations
// must keep writes transactional: a definition change, its audit entry,
// and any schema history row commit together or not at all.
type Repository interface {
	// UpsertDefinition inserts or fully replaces a definition. A new
	// definition starts at version 1; replacing one with a different
	// payload schema bumps the version and appends a schema history row.
	UpsertDefinition(ctx context.Context, def *EventDefinition, changedBy string) (*EventDefinition, error)
	// UpdateDefinition applies a partial change. Returns ErrNotFound when
	// the event does not exist.
	UpdateDefinition(ctx context.Context, name string, update Update, changedBy string) (*EventDefinition, error)
	// GetDefinition returns ErrNotFound when the event does not exist.
	GetDefinition(ctx context.Context, name string) (*EventDefinition, error)
	// ListDefinitions returns definitions matching the filter, ordered by name.
	ListDefinitions(ctx context.Context, filter ListFilter) ([]*EventDefinition, error)

	// UpsertConsumer inserts or replaces a consumer keyed by
	// (eventName, consumerActor). Returns ErrNotFound when the event is
	// not in the catalog.
	UpsertConsumer(ctx context.Context, consumer *Consumer, changedBy string) error
	// RemoveConsumer deletes a consumer registration. Removing an absent
	// consumer is a no-op.
	RemoveConsumer(ctx context.Context, eventName, consumerActor, changedBy string) error
	// ListConsumers returns consumers of an event ordered by actor name.
	ListConsumers(ctx context.Context, eventName string) ([]*Consumer, error)

	// InsertMetric appends one delivery observation.
	InsertMetric(ctx context.Context, metric *Metric) error

	// InsertSchemaVersion appends a schema history row. When the version
	// is newer than the definition's current version the definition is
	// promoted to it in the same transaction. Returns ErrNotFound when
	// the event does not exist.
	InsertSchemaVersion(ctx context.Context, version *SchemaVersion, changedBy string) error
	// ListSchemaVersions returns an event's history ordered by version.
	ListSchemaVersions(ctx context.Context, eventName string) ([]*SchemaVersion, error)

	UpsertManifest(ctx context.Context, manifest *Manifest) (*Manifest, error)
	// GetManifest returns ErrNotFound when the actor is not registered.
	GetManifest(ctx context.Context, actorName string) (*Manifest, error)
	ListManifests(ctx context.Context) ([]*Manifest, error)

	// ProducedBy lists event names the actor is the producer of.
	ProducedBy(ctx context.Context, actorName string) ([]string, error)
	// ConsumedBy lists event names the actor consumes.
	ConsumedBy(ctx context.Context, actorName string) ([]string, error)

	ExportRows(ctx context.Context) ([]*ExportRow, error)
	DependencyEdges(ctx context.Context) ([]DependencyEdge, error)
	// AuditTrail returns the change log for one event, newest first.
	AuditTrail(ctx context.Context, eventName string, limit int) ([]*AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}
