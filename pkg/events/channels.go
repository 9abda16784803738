package events

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Channel and key formats shared by every transport.
const (
	actorChannelPrefix     = "actor:"
	broadcastChannelPrefix = "broadcast:"
	responseChannelPrefix  = "event:response:"
	pendingKeyPrefix       = "pending:"
	eventKeyPrefix         = "event:"
)

// ActorChannel names the directed delivery channel for a target actor
// and event type.
func ActorChannel(target, eventType string) string {
	return actorChannelPrefix + target + ":" + eventType
}

// BroadcastChannel names the publish channel for an event type.
func BroadcastChannel(eventType string) string {
	return broadcastChannelPrefix + eventType
}

// ResponseChannel names the reply channel for an ask correlation id.
func ResponseChannel(correlationID string) string {
	return responseChannelPrefix + correlationID
}

// PendingKey names the at-least-once tracking key for an envelope.
func PendingKey(envelopeID string) string {
	return pendingKeyPrefix + envelopeID
}

// EventKey names the persistence key for an envelope.
func EventKey(envelopeID string) string {
	return eventKeyPrefix + envelopeID
}

// ttlUnits maps TTL string units to durations.
var ttlUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

// ParseTTL parses a TTL string of the form "<number>_<unit>", unit one
// of seconds, minutes, hours, days.
func ParseTTL(s string) (time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "_", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed ttl %q: want <number>_<unit>", s)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed ttl %q: bad number", s)
	}
	unit, ok := ttlUnits[parts[1]]
	if !ok {
		return 0, fmt.Errorf("malformed ttl %q: unit must be seconds, minutes, hours, or days", s)
	}
	return time.Duration(n) * unit, nil
}

// FormatTTL renders a duration as a TTL string using the largest exact unit.
func FormatTTL(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%d_days", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d_hours", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%d_minutes", d/time.Minute)
	default:
		return fmt.Sprintf("%d_seconds", d/time.Second)
	}
}
