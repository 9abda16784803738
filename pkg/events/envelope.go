// Package events defines the envelope carried between actors and the
// naming rules for event types and bus channels.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category classifies an event type.
type Category string

const (
	CategoryCommand      Category = "command"
	CategoryQuery        Category = "query"
	CategoryNotification Category = "notification"
)

// ParseCategory normalizes a category string from storage or seed files.
func ParseCategory(s string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryCommand:
		return CategoryCommand, true
	case CategoryQuery:
		return CategoryQuery, true
	case CategoryNotification:
		return CategoryNotification, true
	}
	return "", false
}

// Metadata carries optional origin information on an envelope.
type Metadata struct {
	Source        string `json:"source,omitempty"`
	SourceActorID string `json:"sourceActorId,omitempty"`
	UserID        string `json:"userId,omitempty"`
}

// Envelope is the unit of communication between actors. Envelopes are
// immutable once created; derivations copy.
type Envelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Metadata      Metadata       `json:"metadata"`
}

// Option configures a new envelope.
type Option func(*Envelope)

// New builds an envelope with a fresh id and timestamp.
func New(eventType string, payload map[string]any, opts ...Option) *Envelope {
	e := &Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithActor records the actor the envelope addresses or originates from.
func WithActor(actor string) Option {
	return func(e *Envelope) {
		e.Actor = actor
	}
}

// WithCorrelation sets the correlation id linking this envelope to its
// causal chain.
func WithCorrelation(id string) Option {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithSource records the originating subsystem.
func WithSource(source string) Option {
	return func(e *Envelope) {
		e.Metadata.Source = source
	}
}

// WithSourceActor records the emitting actor instance.
func WithSourceActor(actorID string) Option {
	return func(e *Envelope) {
		e.Metadata.SourceActorID = actorID
	}
}

// WithUserID records the acting user.
func WithUserID(userID string) Option {
	return func(e *Envelope) {
		e.Metadata.UserID = userID
	}
}

// Derive returns a copy of the envelope with the given correlation id.
// The original is left untouched.
func (e *Envelope) Derive(correlationID string) *Envelope {
	clone := *e
	clone.CorrelationID = correlationID
	return &clone
}

// NewCorrelationID mints a correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// queryPrefixes mark event names that read state without mutating it.
var queryPrefixes = []string{"GET_", "LIST_", "FIND_", "QUERY_", "COUNT_"}

// pastIrregulars are notification suffixes that do not end in ED.
var pastIrregulars = map[string]bool{
	"SENT":  true,
	"PAID":  true,
	"BUILT": true,
	"SOLD":  true,
	"DONE":  true,
}

// InferCategory derives the category from the naming convention:
// GET_NOUN reads as a query, NOUN_VERB_PAST as a notification, and
// VERB_NOUN as a command. Used only when the catalog has no definition
// for the type.
func InferCategory(name string) Category {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, prefix := range queryPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return CategoryQuery
		}
	}
	parts := strings.Split(upper, "_")
	last := parts[len(parts)-1]
	if len(parts) > 1 && (strings.HasSuffix(last, "ED") || pastIrregulars[last]) {
		return CategoryNotification
	}
	return CategoryCommand
}
