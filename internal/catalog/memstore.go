package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/loom/pkg/json"
)

// MemStore is an in-memory Repository used by tests and single-process
// development runs. All returned records are copies.
type MemStore struct {
	mu          sync.RWMutex
	definitions map[string]*EventDefinition
	consumers   map[string]map[string]*Consumer
	metrics     []*Metric
	versions    map[string][]*SchemaVersion
	manifests   map[string]*Manifest
	audit       []*AuditEntry
	nextID      int64
}

// NewMemStore creates an empty in-memory repository.
func NewMemStore() *MemStore {
	return &MemStore{
		definitions: make(map[string]*EventDefinition),
		consumers:   make(map[string]map[string]*Consumer),
		versions:    make(map[string][]*SchemaVersion),
		manifests:   make(map[string]*Manifest),
	}
}

func (m *MemStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemStore) appendAudit(eventName, action string, oldValue, newValue any, changedBy string) {
	entry := &AuditEntry{
		ID:        m.id(),
		EventName: eventName,
		Action:    action,
		ChangedBy: changedBy,
		ChangedAt: time.Now().UTC(),
	}
	if oldValue != nil {
		if data, err := json.Marshal(oldValue); err == nil {
			entry.OldValue = data
		}
	}
	if newValue != nil {
		if data, err := json.Marshal(newValue); err == nil {
			entry.NewValue = data
		}
	}
	m.audit = append(m.audit, entry)
}

func (m *MemStore) appendVersion(v *SchemaVersion) {
	for _, existing := range m.versions[v.EventName] {
		if existing.Version == v.Version {
			return
		}
	}
	clone := *v
	clone.ID = m.id()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.versions[v.EventName] = append(m.versions[v.EventName], &clone)
	sort.Slice(m.versions[v.EventName], func(i, j int) bool {
		return m.versions[v.EventName][i].Version < m.versions[v.EventName][j].Version
	})
}

func cloneDefinition(def *EventDefinition) *EventDefinition {
	if def == nil {
		return nil
	}
	clone := *def
	if def.PayloadSchema != nil {
		clone.PayloadSchema = append(json.RawMessage(nil), def.PayloadSchema...)
	}
	return &clone
}

func cloneConsumer(c *Consumer) *Consumer {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// UpsertDefinition implements Repository.
func (m *MemStore) UpsertDefinition(_ context.Context, def *EventDefinition, changedBy string) (*EventDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	stored := cloneDefinition(def)
	prev, exists := m.definitions[def.Name]

	if !exists {
		stored.ID = m.id()
		stored.Version = 1
		stored.CreatedAt = now
		stored.UpdatedAt = now
		m.definitions[stored.Name] = stored
		if len(stored.PayloadSchema) > 0 {
			m.appendVersion(&SchemaVersion{
				EventName:         stored.Name,
				Version:           stored.Version,
				PayloadSchema:     stored.PayloadSchema,
				ChangeDescription: "initial registration",
				CreatedBy:         changedBy,
			})
		}
		m.appendAudit(stored.Name, ActionRegistered, nil, stored, changedBy)
		return cloneDefinition(stored), nil
	}

	stored.ID = prev.ID
	stored.Version = prev.Version
	stored.CreatedAt = prev.CreatedAt
	stored.UpdatedAt = now
	bumped := len(stored.PayloadSchema) > 0 && !schemaEqual(prev.PayloadSchema, stored.PayloadSchema)
	if bumped {
		stored.Version = prev.Version + 1
	}
	m.definitions[stored.Name] = stored
	if bumped {
		m.appendVersion(&SchemaVersion{
			EventName:         stored.Name,
			Version:           stored.Version,
			PayloadSchema:     stored.PayloadSchema,
			ChangeDescription: "schema replaced on re-registration",
			CreatedBy:         changedBy,
		})
	}
	m.appendAudit(stored.Name, ActionUpdated, prev, stored, changedBy)
	return cloneDefinition(stored), nil
}

// UpdateDefinition implements Repository.
func (m *MemStore) UpdateDefinition(_ context.Context, name string, update Update, changedBy string) (*EventDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.definitions[name]
	if !exists {
		return nil, ErrNotFound
	}

	next := cloneDefinition(prev)
	next.UpdatedAt = time.Now().UTC()
	bumped := false
	if update.Description != nil {
		next.Description = *update.Description
	}
	if len(update.PayloadSchema) > 0 && !schemaEqual(prev.PayloadSchema, update.PayloadSchema) {
		next.PayloadSchema = append(json.RawMessage(nil), update.PayloadSchema...)
		next.Version = prev.Version + 1
		bumped = true
	}
	if update.Deprecated != nil {
		next.Deprecated = *update.Deprecated
	}
	if update.ReplacedBy != nil {
		next.ReplacedBy = *update.ReplacedBy
	}
	m.definitions[name] = next

	if bumped {
		m.appendVersion(&SchemaVersion{
			EventName:         name,
			Version:           next.Version,
			PayloadSchema:     next.PayloadSchema,
			ChangeDescription: "schema updated",
			CreatedBy:         changedBy,
		})
	}
	action := ActionUpdated
	if update.Deprecated != nil && *update.Deprecated && !prev.Deprecated {
		action = ActionDeprecated
	}
	m.appendAudit(name, action, prev, next, changedBy)
	return cloneDefinition(next), nil
}

// GetDefinition implements Repository.
func (m *MemStore) GetDefinition(_ context.Context, name string) (*EventDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, exists := m.definitions[name]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneDefinition(def), nil
}

// ListDefinitions implements Repository.
func (m *MemStore) ListDefinitions(_ context.Context, filter ListFilter) ([]*EventDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	defs := make([]*EventDefinition, 0, len(m.definitions))
	for _, def := range m.definitions {
		if filter.Category != "" && def.Category != filter.Category {
			continue
		}
		if filter.Producer != "" && def.ProducerActor != filter.Producer {
			continue
		}
		if filter.Deprecated != nil && def.Deprecated != *filter.Deprecated {
			continue
		}
		defs = append(defs, cloneDefinition(def))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// UpsertConsumer implements Repository.
func (m *MemStore) UpsertConsumer(_ context.Context, consumer *Consumer, changedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.definitions[consumer.EventName]; !exists {
		return ErrNotFound
	}
	clone := cloneConsumer(consumer)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	byActor := m.consumers[consumer.EventName]
	if byActor == nil {
		byActor = make(map[string]*Consumer)
		m.consumers[consumer.EventName] = byActor
	}
	byActor[consumer.ConsumerActor] = clone
	m.appendAudit(consumer.EventName, ActionConsumerAdded, nil, clone, changedBy)
	return nil
}

// RemoveConsumer implements Repository.
func (m *MemStore) RemoveConsumer(_ context.Context, eventName, consumerActor, changedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byActor := m.consumers[eventName]
	removed, exists := byActor[consumerActor]
	if !exists {
		return nil
	}
	delete(byActor, consumerActor)
	m.appendAudit(eventName, ActionConsumerRemoved, removed, nil, changedBy)
	return nil
}

// ListConsumers implements Repository.
func (m *MemStore) ListConsumers(_ context.Context, eventName string) ([]*Consumer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byActor := m.consumers[eventName]
	consumers := make([]*Consumer, 0, len(byActor))
	for _, c := range byActor {
		consumers = append(consumers, cloneConsumer(c))
	}
	sort.Slice(consumers, func(i, j int) bool {
		return consumers[i].ConsumerActor < consumers[j].ConsumerActor
	})
	return consumers, nil
}

// InsertMetric implements Repository.
func (m *MemStore) InsertMetric(_ context.Context, metric *Metric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *metric
	clone.ID = m.id()
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	m.metrics = append(m.metrics, &clone)
	return nil
}

// InsertSchemaVersion implements Repository.
func (m *MemStore) InsertSchemaVersion(_ context.Context, version *SchemaVersion, changedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, exists := m.definitions[version.EventName]
	if !exists {
		return ErrNotFound
	}
	if version.CreatedBy == "" {
		version.CreatedBy = changedBy
	}
	m.appendVersion(version)
	if version.Version > def.Version {
		promoted := cloneDefinition(def)
		promoted.Version = version.Version
		if len(version.PayloadSchema) > 0 {
			promoted.PayloadSchema = append(json.RawMessage(nil), version.PayloadSchema...)
		}
		promoted.UpdatedAt = time.Now().UTC()
		m.definitions[def.Name] = promoted
		m.appendAudit(def.Name, ActionSchemaVersioned,
			map[string]any{"version": def.Version},
			map[string]any{"version": version.Version, "breakingChange": version.BreakingChange},
			changedBy)
	}
	return nil
}

// ListSchemaVersions implements Repository.
func (m *MemStore) ListSchemaVersions(_ context.Context, eventName string) ([]*SchemaVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := make([]*SchemaVersion, 0, len(m.versions[eventName]))
	for _, v := range m.versions[eventName] {
		clone := *v
		history = append(history, &clone)
	}
	return history, nil
}

// UpsertManifest implements Repository.
func (m *MemStore) UpsertManifest(_ context.Context, manifest *Manifest) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	stored := *manifest
	if prev, exists := m.manifests[manifest.ActorName]; exists {
		stored.ID = prev.ID
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.ID = m.id()
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.manifests[manifest.ActorName] = &stored
	clone := stored
	return &clone, nil
}

// GetManifest implements Repository.
func (m *MemStore) GetManifest(_ context.Context, actorName string) (*Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	manifest, exists := m.manifests[actorName]
	if !exists {
		return nil, ErrNotFound
	}
	clone := *manifest
	return &clone, nil
}

// ListManifests implements Repository.
func (m *MemStore) ListManifests(_ context.Context) ([]*Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	manifests := make([]*Manifest, 0, len(m.manifests))
	for _, manifest := range m.manifests {
		clone := *manifest
		manifests = append(manifests, &clone)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ActorName < manifests[j].ActorName
	})
	return manifests, nil
}

// ProducedBy implements Repository.
func (m *MemStore) ProducedBy(_ context.Context, actorName string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0)
	for name, def := range m.definitions {
		if def.ProducerActor == actorName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ConsumedBy implements Repository.
func (m *MemStore) ConsumedBy(_ context.Context, actorName string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0)
	for eventName, byActor := range m.consumers {
		if _, ok := byActor[actorName]; ok {
			names = append(names, eventName)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ExportRows implements Repository.
func (m *MemStore) ExportRows(_ context.Context) ([]*ExportRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	rows := make([]*ExportRow, 0, len(m.definitions))
	for name, def := range m.definitions {
		row := &ExportRow{EventDefinition: *cloneDefinition(def)}
		for actor := range m.consumers[name] {
			row.Consumers = append(row.Consumers, actor)
		}
		sort.Strings(row.Consumers)

		var total, failed int64
		for _, metric := range m.metrics {
			if metric.EventName != name || metric.Timestamp.Before(cutoff) {
				continue
			}
			total++
			if !metric.Success {
				failed++
			}
			switch metric.Direction {
			case DirectionProduced:
				row.Produced24h++
			case DirectionConsumed:
				row.Consumed24h++
			}
		}
		if total > 0 {
			row.FailureRate = float64(failed) / float64(total)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows, nil
}

// DependencyEdges implements Repository.
func (m *MemStore) DependencyEdges(_ context.Context) ([]DependencyEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type key struct{ source, target string }
	byPair := make(map[key][]string)
	for name, def := range m.definitions {
		if def.ProducerActor == "" {
			continue
		}
		for actor := range m.consumers[name] {
			k := key{source: def.ProducerActor, target: actor}
			byPair[k] = append(byPair[k], name)
		}
	}

	edges := make([]DependencyEdge, 0, len(byPair))
	for k, eventNames := range byPair {
		sort.Strings(eventNames)
		edges = append(edges, DependencyEdge{Source: k.source, Target: k.target, Events: eventNames})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
	return edges, nil
}

// AuditTrail implements Repository.
func (m *MemStore) AuditTrail(_ context.Context, eventName string, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	entries := make([]*AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		if m.audit[i].EventName != eventName {
			continue
		}
		clone := *m.audit[i]
		entries = append(entries, &clone)
	}
	return entries, nil
}

// Ping implements Repository.
func (m *MemStore) Ping(_ context.Context) error { return nil }

// Close implements Repository.
func (m *MemStore) Close() error { return nil }
