// Package catalog implements the event catalog: the registry of event
// definitions, payload schemas, consumers, and actor manifests that the
// rest of the runtime discovers events through.
package catalog

import (
	"reflect"
	"strings"
	"time"

	"github.com/nmxmxh/loom/pkg/events"
	"github.com/nmxmxh/loom/pkg/json"
)

// EventDefinition is the catalog record for one event type.
type EventDefinition struct {
	ID            int64           `json:"-"`
	Name          string          `json:"name"`
	Category      events.Category `json:"category"`
	Description   string          `json:"description,omitempty"`
	PayloadSchema json.RawMessage `json:"payloadSchema,omitempty"`
	ProducerActor string          `json:"producerActor,omitempty"`
	Version       int             `json:"version"`
	Deprecated    bool            `json:"deprecated"`
	ReplacedBy    string          `json:"replacedBy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Pattern names the delivery pattern a consumer expects.
type Pattern string

const (
	PatternAsk     Pattern = "ask"
	PatternTell    Pattern = "tell"
	PatternPublish Pattern = "publish"
)

// ParsePattern normalizes a pattern string from storage or seed files.
func ParsePattern(s string) (Pattern, bool) {
	switch Pattern(strings.ToLower(strings.TrimSpace(s))) {
	case PatternAsk:
		return PatternAsk, true
	case PatternTell:
		return PatternTell, true
	case PatternPublish:
		return PatternPublish, true
	}
	return "", false
}

// Consumer records one actor's interest in an event type. The filter, when
// set, is an expression evaluated against the payload before delivery.
type Consumer struct {
	EventName     string    `json:"eventName"`
	ConsumerActor string    `json:"consumerActor"`
	Required      bool      `json:"required"`
	Pattern       Pattern   `json:"pattern"`
	TimeoutMS     int       `json:"timeoutMs,omitempty"`
	Filter        string    `json:"filter,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

// Direction says whether a metric was observed on the producing or the
// consuming side of a delivery.
type Direction string

const (
	DirectionProduced Direction = "produced"
	DirectionConsumed Direction = "consumed"
)

// Metric is one append-only delivery observation.
type Metric struct {
	ID            int64     `json:"-"`
	EventName     string    `json:"eventName"`
	ActorID       string    `json:"actorId,omitempty"`
	Direction     Direction `json:"direction"`
	Success       bool      `json:"success"`
	DurationMS    int64     `json:"durationMs"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SchemaVersion is one row of an event's schema history. History is
// append-only; the migration script is stored for operators and never
// executed by the runtime.
type SchemaVersion struct {
	ID                int64           `json:"-"`
	EventName         string          `json:"eventName"`
	Version           int             `json:"version"`
	PayloadSchema     json.RawMessage `json:"payloadSchema,omitempty"`
	MigrationScript   string          `json:"migrationScript,omitempty"`
	BreakingChange    bool            `json:"breakingChange"`
	ChangeDescription string          `json:"changeDescription,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	CreatedBy         string          `json:"createdBy,omitempty"`
}

// Manifest describes a registered actor.
type Manifest struct {
	ID             int64     `json:"-"`
	ActorName      string    `json:"actorName"`
	Description    string    `json:"description,omitempty"`
	Version        string    `json:"version,omitempty"`
	HealthEndpoint string    `json:"healthEndpoint,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ActorEvents lists the event types an actor produces and consumes,
// derived from catalog rows rather than self-reported manifests.
type ActorEvents struct {
	Produces []string `json:"produces"`
	Consumes []string `json:"consumes"`
}

// ListFilter narrows a definition listing. Zero values match everything.
type ListFilter struct {
	Category   events.Category
	Producer   string
	Deprecated *bool
}

func (f ListFilter) empty() bool {
	return f.Category == "" && f.Producer == "" && f.Deprecated == nil
}

// Update describes a partial change to a definition. Nil fields are left
// untouched; a new payload schema bumps the definition version.
type Update struct {
	Description   *string
	PayloadSchema json.RawMessage
	Deprecated    *bool
	ReplacedBy    *string
}

// Audit actions recorded in the catalog change log.
const (
	ActionRegistered      = "registered"
	ActionUpdated         = "updated"
	ActionDeprecated      = "deprecated"
	ActionConsumerAdded   = "consumer_added"
	ActionConsumerRemoved = "consumer_removed"
	ActionSchemaVersioned = "schema_versioned"
)

// AuditEntry is one row of the catalog change log.
type AuditEntry struct {
	ID        int64           `json:"-"`
	EventName string          `json:"eventName"`
	Action    string          `json:"action"`
	OldValue  json.RawMessage `json:"oldValue,omitempty"`
	NewValue  json.RawMessage `json:"newValue,omitempty"`
	ChangedBy string          `json:"changedBy,omitempty"`
	ChangedAt time.Time       `json:"changedAt"`
}

// ExportRow pairs a definition with its consumers and the last 24 hours
// of delivery statistics.
type ExportRow struct {
	EventDefinition
	Consumers   []string `json:"consumers,omitempty"`
	Produced24h int64    `json:"produced24h"`
	Consumed24h int64    `json:"consumed24h"`
	FailureRate float64  `json:"failureRate"`
}

// Export is a point-in-time snapshot of the whole catalog.
type Export struct {
	GeneratedAt time.Time    `json:"generatedAt"`
	Events      []*ExportRow `json:"events"`
}

// DependencyEdge is one producer-to-consumer relation and the events
// flowing across it.
type DependencyEdge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Events []string `json:"events"`
}

// DependencyGraph describes which actors talk to which through what events.
type DependencyGraph struct {
	Nodes []string         `json:"nodes"`
	Edges []DependencyEdge `json:"edges"`
}

// schemaEqual compares two schema documents structurally, ignoring key
// order and whitespace.
func schemaEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
