package events

import (
	"errors"
	"fmt"
	"regexp"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// EventNamePattern defines the canonical event name format:
// upper snake case, conventionally VERB_NOUN, GET_NOUN, or NOUN_VERB_PAST.
var EventNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*(_[A-Z0-9]+)*$`)

// actorNamePattern covers actor identifiers used in channel names.
var actorNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// correlationIDPattern covers minted and propagated correlation ids.
var correlationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateEventName validates the canonical event name format.
func ValidateEventName(name string) error {
	if name == "" {
		return ValidationError{Field: "type", Message: "event name is required", Value: name}
	}
	if !EventNamePattern.MatchString(name) {
		return ValidationError{
			Field:   "type",
			Message: "event name must be upper snake case, e.g. SEND_MAGIC_LINK",
			Value:   name,
		}
	}
	return nil
}

// ValidateActorName validates an actor identifier.
func ValidateActorName(name string) error {
	if name == "" {
		return ValidationError{Field: "actor", Message: "actor name is required", Value: name}
	}
	if !actorNamePattern.MatchString(name) {
		return ValidationError{
			Field:   "actor",
			Message: "actor name must start with a letter and contain only letters, digits, hyphens, and underscores",
			Value:   name,
		}
	}
	return nil
}

// ValidateCorrelationID validates correlation ID format.
func ValidateCorrelationID(correlationID string) error {
	if correlationID == "" {
		return ValidationError{Field: "correlation_id", Message: "correlation ID is required", Value: correlationID}
	}
	if !correlationIDPattern.MatchString(correlationID) {
		return ValidationError{
			Field:   "correlation_id",
			Message: "correlation ID must contain only alphanumeric characters, hyphens, and underscores",
			Value:   correlationID,
		}
	}
	if len(correlationID) < 8 {
		return ValidationError{
			Field:   "correlation_id",
			Message: "correlation ID must be at least 8 characters long",
			Value:   correlationID,
		}
	}
	return nil
}

// ValidateEnvelope performs structural validation of an envelope before
// it enters the bus. Payload shape validation is the catalog's job.
func ValidateEnvelope(e *Envelope) error {
	if e == nil {
		return errors.New("envelope cannot be nil")
	}
	if e.ID == "" {
		return ValidationError{Field: "id", Message: "envelope id is required", Value: e.ID}
	}
	if err := ValidateEventName(e.Type); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return ValidationError{Field: "timestamp", Message: "timestamp is required", Value: e.Timestamp}
	}
	if e.CorrelationID != "" {
		if err := ValidateCorrelationID(e.CorrelationID); err != nil {
			return err
		}
	}
	if e.Actor != "" {
		if err := ValidateActorName(e.Actor); err != nil {
			return err
		}
	}
	return nil
}
