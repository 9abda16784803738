package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/json"
)

const definitionColumns = `id, name, category, description, payload_schema, producer_actor, version, deprecated, replaced_by, created_at, updated_at`

// Store is the Postgres-backed Repository.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// Open connects to Postgres with retries and pool tuning, then wraps the
// handle in a Store.
func Open(ctx context.Context, databaseURL string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	const maxRetries = 5
	var db *sql.DB
	var err error
	for i := 1; i <= maxRetries; i++ {
		log.Info("Attempting database connection", zap.Int("attempt", i))
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			log.Error("Failed to open database", zap.Error(err))
			time.Sleep(3 * time.Second)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
			log.Info("Database connection established")
			return NewStore(db, log), nil
		}
		log.Error("Database ping failed", zap.Error(err))
		_ = db.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d retries: %w", maxRetries, err)
}

// DB exposes the underlying handle for health checks and migrations.
func (s *Store) DB() *sql.DB { return s.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*EventDefinition, error) {
	def := &EventDefinition{}
	var payload []byte
	err := row.Scan(
		&def.ID, &def.Name, &def.Category, &def.Description, &payload,
		&def.ProducerActor, &def.Version, &def.Deprecated, &def.ReplacedBy,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		def.PayloadSchema = json.RawMessage(payload)
	}
	return def, nil
}

func (s *Store) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.log.Error("failed to rollback transaction", zap.Error(err))
	}
}

func auditJSON(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func insertAudit(ctx context.Context, tx *sql.Tx, eventName, action string, oldValue, newValue any, changedBy string) error {
	oldJSON, err := auditJSON(oldValue)
	if err != nil {
		return fmt.Errorf("failed to marshal audit old value: %w", err)
	}
	newJSON, err := auditJSON(newValue)
	if err != nil {
		return fmt.Errorf("failed to marshal audit new value: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO event_audit_log (event_name, action, old_value, new_value, changed_by)
		 VALUES ($1, $2, $3, $4, $5)`,
		eventName, action, oldJSON, newJSON, changedBy)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func insertSchemaVersionRow(ctx context.Context, tx *sql.Tx, v *SchemaVersion) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO event_schema_versions (event_name, version, payload_schema, migration_script, breaking_change, change_description, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_name, version) DO NOTHING`,
		v.EventName, v.Version, []byte(v.PayloadSchema), v.MigrationScript,
		v.BreakingChange, v.ChangeDescription, v.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to insert schema version: %w", err)
	}
	return nil
}

// UpsertDefinition implements Repository.
func (s *Store) UpsertDefinition(ctx context.Context, def *EventDefinition, changedBy string) (*EventDefinition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	prev, err := scanDefinition(tx.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM event_definitions WHERE name = $1 FOR UPDATE`,
		def.Name))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load event definition: %w", err)
	}

	stored := *def
	var action string
	var history *SchemaVersion

	if prev == nil {
		stored.Version = 1
		err = tx.QueryRowContext(ctx,
			`INSERT INTO event_definitions (name, category, description, payload_schema, producer_actor, version, deprecated, replaced_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, created_at, updated_at`,
			stored.Name, string(stored.Category), stored.Description, []byte(stored.PayloadSchema),
			stored.ProducerActor, stored.Version, stored.Deprecated, stored.ReplacedBy,
		).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert event definition: %w", err)
		}
		action = ActionRegistered
		if len(stored.PayloadSchema) > 0 {
			history = &SchemaVersion{
				EventName:         stored.Name,
				Version:           stored.Version,
				PayloadSchema:     stored.PayloadSchema,
				ChangeDescription: "initial registration",
				CreatedBy:         changedBy,
			}
		}
	} else {
		stored.ID = prev.ID
		stored.Version = prev.Version
		if len(stored.PayloadSchema) > 0 && !schemaEqual(prev.PayloadSchema, stored.PayloadSchema) {
			stored.Version = prev.Version + 1
			history = &SchemaVersion{
				EventName:         stored.Name,
				Version:           stored.Version,
				PayloadSchema:     stored.PayloadSchema,
				ChangeDescription: "schema replaced on re-registration",
				CreatedBy:         changedBy,
			}
		}
		err = tx.QueryRowContext(ctx,
			`UPDATE event_definitions
			 SET category = $2, description = $3, payload_schema = $4, producer_actor = $5,
			     version = $6, deprecated = $7, replaced_by = $8, updated_at = NOW()
			 WHERE name = $1
			 RETURNING created_at, updated_at`,
			stored.Name, string(stored.Category), stored.Description, []byte(stored.PayloadSchema),
			stored.ProducerActor, stored.Version, stored.Deprecated, stored.ReplacedBy,
		).Scan(&stored.CreatedAt, &stored.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to update event definition: %w", err)
		}
		action = ActionUpdated
	}

	if history != nil {
		if err := insertSchemaVersionRow(ctx, tx, history); err != nil {
			return nil, err
		}
	}
	var oldValue any
	if prev != nil {
		oldValue = prev
	}
	if err := insertAudit(ctx, tx, stored.Name, action, oldValue, &stored, changedBy); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &stored, nil
}

// UpdateDefinition implements Repository.
func (s *Store) UpdateDefinition(ctx context.Context, name string, update Update, changedBy string) (*EventDefinition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	prev, err := scanDefinition(tx.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM event_definitions WHERE name = $1 FOR UPDATE`,
		name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load event definition: %w", err)
	}

	next := *prev
	var history *SchemaVersion
	if update.Description != nil {
		next.Description = *update.Description
	}
	if len(update.PayloadSchema) > 0 && !schemaEqual(prev.PayloadSchema, update.PayloadSchema) {
		next.PayloadSchema = update.PayloadSchema
		next.Version = prev.Version + 1
		history = &SchemaVersion{
			EventName:         name,
			Version:           next.Version,
			PayloadSchema:     next.PayloadSchema,
			ChangeDescription: "schema updated",
			CreatedBy:         changedBy,
		}
	}
	if update.Deprecated != nil {
		next.Deprecated = *update.Deprecated
	}
	if update.ReplacedBy != nil {
		next.ReplacedBy = *update.ReplacedBy
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE event_definitions
		 SET description = $2, payload_schema = $3, version = $4, deprecated = $5, replaced_by = $6, updated_at = NOW()
		 WHERE name = $1
		 RETURNING updated_at`,
		name, next.Description, []byte(next.PayloadSchema), next.Version, next.Deprecated, next.ReplacedBy,
	).Scan(&next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update event definition: %w", err)
	}

	if history != nil {
		if err := insertSchemaVersionRow(ctx, tx, history); err != nil {
			return nil, err
		}
	}
	action := ActionUpdated
	if update.Deprecated != nil && *update.Deprecated && !prev.Deprecated {
		action = ActionDeprecated
	}
	if err := insertAudit(ctx, tx, name, action, prev, &next, changedBy); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &next, nil
}

// GetDefinition implements Repository.
func (s *Store) GetDefinition(ctx context.Context, name string) (*EventDefinition, error) {
	def, err := scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM event_definitions WHERE name = $1`,
		name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event definition: %w", err)
	}
	return def, nil
}

// ListDefinitions implements Repository.
func (s *Store) ListDefinitions(ctx context.Context, filter ListFilter) ([]*EventDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM event_definitions`
	var conds []string
	var args []any
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Producer != "" {
		args = append(args, filter.Producer)
		conds = append(conds, fmt.Sprintf("producer_actor = $%d", len(args)))
	}
	if filter.Deprecated != nil {
		args = append(args, *filter.Deprecated)
		conds = append(conds, fmt.Sprintf("deprecated = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list event definitions: %w", err)
	}
	defer s.closeRows(rows)

	var defs []*EventDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event definitions: %w", err)
	}
	return defs, nil
}

func (s *Store) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		s.log.Error("failed to close rows", zap.Error(err))
	}
}

// UpsertConsumer implements Repository.
func (s *Store) UpsertConsumer(ctx context.Context, consumer *Consumer, changedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	stored := *consumer
	err = tx.QueryRowContext(ctx,
		`INSERT INTO event_consumers (event_name, consumer_actor, required, pattern, timeout_ms, filter_expression)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (event_name, consumer_actor)
		 DO UPDATE SET required = EXCLUDED.required, pattern = EXCLUDED.pattern,
		               timeout_ms = EXCLUDED.timeout_ms, filter_expression = EXCLUDED.filter_expression
		 RETURNING created_at`,
		stored.EventName, stored.ConsumerActor, stored.Required, string(stored.Pattern),
		stored.TimeoutMS, stored.Filter,
	).Scan(&stored.CreatedAt)
	if err != nil {
		pqErr := &pq.Error{}
		if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
			return ErrNotFound
		}
		return fmt.Errorf("failed to upsert consumer: %w", err)
	}

	if err := insertAudit(ctx, tx, stored.EventName, ActionConsumerAdded, nil, &stored, changedBy); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RemoveConsumer implements Repository.
func (s *Store) RemoveConsumer(ctx context.Context, eventName, consumerActor, changedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	removed := Consumer{EventName: eventName, ConsumerActor: consumerActor}
	var pattern string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM event_consumers
		 WHERE event_name = $1 AND consumer_actor = $2
		 RETURNING required, pattern, timeout_ms, filter_expression, created_at`,
		eventName, consumerActor,
	).Scan(&removed.Required, &pattern, &removed.TimeoutMS, &removed.Filter, &removed.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to remove consumer: %w", err)
	}
	removed.Pattern = Pattern(pattern)

	if err := insertAudit(ctx, tx, eventName, ActionConsumerRemoved, &removed, nil, changedBy); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListConsumers implements Repository.
func (s *Store) ListConsumers(ctx context.Context, eventName string) ([]*Consumer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_name, consumer_actor, required, pattern, timeout_ms, filter_expression, created_at
		 FROM event_consumers
		 WHERE event_name = $1
		 ORDER BY consumer_actor`,
		eventName)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumers: %w", err)
	}
	defer s.closeRows(rows)

	consumers := make([]*Consumer, 0, 4)
	for rows.Next() {
		c := &Consumer{}
		var pattern string
		if err := rows.Scan(&c.EventName, &c.ConsumerActor, &c.Required, &pattern, &c.TimeoutMS, &c.Filter, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consumer: %w", err)
		}
		c.Pattern = Pattern(pattern)
		consumers = append(consumers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consumers: %w", err)
	}
	return consumers, nil
}

// InsertMetric implements Repository.
func (s *Store) InsertMetric(ctx context.Context, metric *Metric) error {
	timestamp := metric.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_metrics (event_name, actor_id, direction, success, duration_ms, error_message, correlation_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		metric.EventName, metric.ActorID, string(metric.Direction), metric.Success,
		metric.DurationMS, metric.ErrorMessage, metric.CorrelationID, timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event metric: %w", err)
	}
	return nil
}

// InsertSchemaVersion implements Repository.
func (s *Store) InsertSchemaVersion(ctx context.Context, version *SchemaVersion, changedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM event_definitions WHERE name = $1 FOR UPDATE`,
		version.EventName).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load event definition: %w", err)
	}

	v := *version
	if v.CreatedBy == "" {
		v.CreatedBy = changedBy
	}
	if err := insertSchemaVersionRow(ctx, tx, &v); err != nil {
		return err
	}

	if v.Version > current {
		_, err = tx.ExecContext(ctx,
			`UPDATE event_definitions SET payload_schema = $2, version = $3, updated_at = NOW() WHERE name = $1`,
			v.EventName, []byte(v.PayloadSchema), v.Version)
		if err != nil {
			return fmt.Errorf("failed to promote event definition: %w", err)
		}
		oldValue := map[string]any{"version": current}
		newValue := map[string]any{"version": v.Version, "breakingChange": v.BreakingChange}
		if err := insertAudit(ctx, tx, v.EventName, ActionSchemaVersioned, oldValue, newValue, changedBy); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListSchemaVersions implements Repository.
func (s *Store) ListSchemaVersions(ctx context.Context, eventName string) ([]*SchemaVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_name, version, payload_schema, migration_script, breaking_change, change_description, created_at, created_by
		 FROM event_schema_versions
		 WHERE event_name = $1
		 ORDER BY version`,
		eventName)
	if err != nil {
		return nil, fmt.Errorf("failed to list schema versions: %w", err)
	}
	defer s.closeRows(rows)

	versions := make([]*SchemaVersion, 0, 4)
	for rows.Next() {
		v := &SchemaVersion{}
		var payload []byte
		if err := rows.Scan(&v.ID, &v.EventName, &v.Version, &payload, &v.MigrationScript,
			&v.BreakingChange, &v.ChangeDescription, &v.CreatedAt, &v.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan schema version: %w", err)
		}
		if len(payload) > 0 {
			v.PayloadSchema = json.RawMessage(payload)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schema versions: %w", err)
	}
	return versions, nil
}

// UpsertManifest implements Repository.
func (s *Store) UpsertManifest(ctx context.Context, manifest *Manifest) (*Manifest, error) {
	stored := *manifest
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO actor_manifests (actor_name, description, version, health_endpoint)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (actor_name)
		 DO UPDATE SET description = EXCLUDED.description, version = EXCLUDED.version,
		               health_endpoint = EXCLUDED.health_endpoint, updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		stored.ActorName, stored.Description, stored.Version, stored.HealthEndpoint,
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert actor manifest: %w", err)
	}
	return &stored, nil
}

// GetManifest implements Repository.
func (s *Store) GetManifest(ctx context.Context, actorName string) (*Manifest, error) {
	manifest := &Manifest{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, actor_name, description, version, health_endpoint, created_at, updated_at
		 FROM actor_manifests
		 WHERE actor_name = $1`,
		actorName,
	).Scan(&manifest.ID, &manifest.ActorName, &manifest.Description, &manifest.Version,
		&manifest.HealthEndpoint, &manifest.CreatedAt, &manifest.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get actor manifest: %w", err)
	}
	return manifest, nil
}

// ListManifests implements Repository.
func (s *Store) ListManifests(ctx context.Context) ([]*Manifest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor_name, description, version, health_endpoint, created_at, updated_at
		 FROM actor_manifests
		 ORDER BY actor_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list actor manifests: %w", err)
	}
	defer s.closeRows(rows)

	manifests := make([]*Manifest, 0, 8)
	for rows.Next() {
		m := &Manifest{}
		if err := rows.Scan(&m.ID, &m.ActorName, &m.Description, &m.Version,
			&m.HealthEndpoint, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan actor manifest: %w", err)
		}
		manifests = append(manifests, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actor manifests: %w", err)
	}
	return manifests, nil
}

func (s *Store) listNames(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	names := make([]string, 0, 8)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ProducedBy implements Repository.
func (s *Store) ProducedBy(ctx context.Context, actorName string) ([]string, error) {
	names, err := s.listNames(ctx,
		`SELECT name FROM event_definitions WHERE producer_actor = $1 ORDER BY name`, actorName)
	if err != nil {
		return nil, fmt.Errorf("failed to list produced events: %w", err)
	}
	return names, nil
}

// ConsumedBy implements Repository.
func (s *Store) ConsumedBy(ctx context.Context, actorName string) ([]string, error) {
	names, err := s.listNames(ctx,
		`SELECT event_name FROM event_consumers WHERE consumer_actor = $1 ORDER BY event_name`, actorName)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumed events: %w", err)
	}
	return names, nil
}

// ExportRows implements Repository.
func (s *Store) ExportRows(ctx context.Context) ([]*ExportRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, description, payload_schema, producer_actor, version, deprecated, replaced_by,
		        created_at, updated_at, consumers, produced_24h, consumed_24h, failure_rate
		 FROM event_catalog_view
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to export catalog: %w", err)
	}
	defer s.closeRows(rows)

	export := make([]*ExportRow, 0, 16)
	for rows.Next() {
		row := &ExportRow{}
		var payload []byte
		err := rows.Scan(
			&row.ID, &row.Name, &row.Category, &row.Description, &payload,
			&row.ProducerActor, &row.Version, &row.Deprecated, &row.ReplacedBy,
			&row.CreatedAt, &row.UpdatedAt,
			pq.Array(&row.Consumers), &row.Produced24h, &row.Consumed24h, &row.FailureRate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		if len(payload) > 0 {
			row.PayloadSchema = json.RawMessage(payload)
		}
		export = append(export, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog rows: %w", err)
	}
	return export, nil
}

// DependencyEdges implements Repository.
func (s *Store) DependencyEdges(ctx context.Context) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, target, events FROM actor_dependencies_view ORDER BY source, target`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}
	defer s.closeRows(rows)

	edges := make([]DependencyEdge, 0, 16)
	for rows.Next() {
		var edge DependencyEdge
		if err := rows.Scan(&edge.Source, &edge.Target, pq.Array(&edge.Events)); err != nil {
			return nil, fmt.Errorf("failed to scan dependency edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependency edges: %w", err)
	}
	return edges, nil
}

// AuditTrail implements Repository.
func (s *Store) AuditTrail(ctx context.Context, eventName string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_name, action, old_value, new_value, changed_by, changed_at
		 FROM event_audit_log
		 WHERE event_name = $1
		 ORDER BY changed_at DESC, id DESC
		 LIMIT $2`,
		eventName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	defer s.closeRows(rows)

	entries := make([]*AuditEntry, 0, limit)
	for rows.Next() {
		entry := &AuditEntry{}
		var oldValue, newValue []byte
		if err := rows.Scan(&entry.ID, &entry.EventName, &entry.Action, &oldValue, &newValue,
			&entry.ChangedBy, &entry.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(oldValue) > 0 {
			entry.OldValue = json.RawMessage(oldValue)
		}
		if len(newValue) > 0 {
			entry.NewValue = json.RawMessage(newValue)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// Ping implements Repository.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Repository.
func (s *Store) Close() error {
	return s.db.Close()
}
