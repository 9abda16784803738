package actor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/json"
	"github.com/nmxmxh/loom/pkg/lifecycle"
	"github.com/nmxmxh/loom/pkg/metrics"
)

// Security event severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	defaultSecurityBuffer  = 10000
	defaultAnomalyWindow   = 5 * time.Minute
	defaultAnomalyCount    = 5
	defaultWebhookInterval = 30 * time.Second
	webhookTokenTTL        = 2 * time.Minute
)

// SecurityEvent is one recorded incident.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	UserID    string         `json:"userId,omitempty"`
	ActorID   string         `json:"actorId"`
	ActorName string         `json:"actorName"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SecurityOptions configures the capability.
type SecurityOptions struct {
	// BufferSize bounds the event buffer. Defaults to 10000; the
	// oldest events are evicted first.
	BufferSize int

	// AnomalyWindow and AnomalyThreshold escalate severity when the
	// same subject accumulates that many events inside the window.
	AnomalyWindow    time.Duration
	AnomalyThreshold int

	// WebhookURL enables the forwarder. Batches are posted as JSON
	// with an HS256 bearer signed by WebhookSecret.
	WebhookURL      string
	WebhookSecret   string
	WebhookInterval time.Duration
	HTTPClient      *http.Client

	Collector *metrics.Collector
	Log       *zap.Logger
}

// Security buffers security events for one actor and optionally forwards
// them to a webhook in the background.
type Security struct {
	actorID   string
	actorName string
	log       *zap.Logger
	collector *metrics.Collector

	bufferSize int
	window     time.Duration
	threshold  int

	webhookURL    string
	webhookSecret string
	client        *http.Client
	worker        *lifecycle.BackgroundWorker

	mu     sync.Mutex
	buffer []SecurityEvent
	recent map[string][]time.Time
	cursor int
}

// NewSecurity creates the capability for one actor.
func NewSecurity(actorID, actorName string, opts SecurityOptions) *Security {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultSecurityBuffer
	}
	if opts.AnomalyWindow <= 0 {
		opts.AnomalyWindow = defaultAnomalyWindow
	}
	if opts.AnomalyThreshold <= 0 {
		opts.AnomalyThreshold = defaultAnomalyCount
	}
	if opts.WebhookInterval <= 0 {
		opts.WebhookInterval = defaultWebhookInterval
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	s := &Security{
		actorID:       actorID,
		actorName:     actorName,
		log:           opts.Log,
		collector:     opts.Collector,
		bufferSize:    opts.BufferSize,
		window:        opts.AnomalyWindow,
		threshold:     opts.AnomalyThreshold,
		webhookURL:    opts.WebhookURL,
		webhookSecret: opts.WebhookSecret,
		client:        opts.HTTPClient,
		buffer:        make([]SecurityEvent, 0, opts.BufferSize),
		recent:        make(map[string][]time.Time),
	}

	if s.webhookURL != "" {
		s.worker = lifecycle.NewBackgroundWorker(
			fmt.Sprintf("security-webhook:%s", actorName),
			s.Flush,
			opts.WebhookInterval,
			opts.Log,
		)
	}
	return s
}

// Worker returns the webhook forwarder, or nil when no webhook is
// configured. The runtime owns its start and stop.
func (s *Security) Worker() *lifecycle.BackgroundWorker {
	return s.worker
}

// Record appends an event, filling in id, actor identity, timestamp and
// a default severity. Repeated events for the same subject inside the
// anomaly window escalate severity one level.
func (s *Security) Record(event SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.ActorID = s.actorID
	event.ActorName = s.actorName

	s.mu.Lock()
	if count := s.trackSubject(subjectKey(event), event.Timestamp); count >= s.threshold {
		event.Severity = escalate(event.Severity)
		if event.Details == nil {
			event.Details = make(map[string]any, 1)
		}
		event.Details["anomalyCount"] = count
	}
	if len(s.buffer) == s.bufferSize {
		copy(s.buffer, s.buffer[1:])
		s.buffer = s.buffer[:s.bufferSize-1]
		if s.cursor > 0 {
			s.cursor--
		}
	}
	s.buffer = append(s.buffer, event)
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.SecurityEvents.WithLabelValues(s.actorName, event.Severity).Inc()
	}
	s.log.Warn("security event recorded",
		zap.String("actor", s.actorName),
		zap.String("type", event.Type),
		zap.String("severity", event.Severity),
		zap.String("user_id", event.UserID),
	)
}

// trackSubject prunes stale timestamps and returns how many events the
// subject has accumulated inside the window, including this one.
func (s *Security) trackSubject(key string, now time.Time) int {
	cutoff := now.Add(-s.window)
	kept := s.recent[key][:0]
	for _, ts := range s.recent[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.recent[key] = kept
	return len(kept)
}

func subjectKey(event SecurityEvent) string {
	if event.UserID != "" {
		return "user:" + event.UserID
	}
	return "actor:" + event.ActorID
}

var severityOrder = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

var severityByRank = []string{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func escalate(severity string) string {
	rank, ok := severityOrder[severity]
	if !ok {
		return SeverityMedium
	}
	if rank < len(severityByRank)-1 {
		rank++
	}
	return severityByRank[rank]
}

// Events returns a copy of the buffered events, oldest first.
func (s *Security) Events() []SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SecurityEvent, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Len reports the number of buffered events.
func (s *Security) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flush posts every event recorded since the previous flush. Events stay
// in the buffer either way; only the forwarding cursor advances.
func (s *Security) Flush(ctx context.Context) error {
	if s.webhookURL == "" {
		return nil
	}

	s.mu.Lock()
	batch := make([]SecurityEvent, len(s.buffer)-s.cursor)
	copy(batch, s.buffer[s.cursor:])
	next := len(s.buffer)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := s.post(ctx, batch); err != nil {
		if s.collector != nil {
			s.collector.WebhookDeliveries.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("security webhook delivery failed: %w", err)
	}

	s.mu.Lock()
	if next > len(s.buffer) {
		next = len(s.buffer)
	}
	s.cursor = next
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.WebhookDeliveries.WithLabelValues("ok").Inc()
	}
	s.log.Debug("security events forwarded",
		zap.String("actor", s.actorName),
		zap.Int("count", len(batch)),
	)
	return nil
}

func (s *Security) post(ctx context.Context, batch []SecurityEvent) error {
	body, err := json.Marshal(map[string]any{
		"actorId":   s.actorID,
		"actorName": s.actorName,
		"events":    batch,
	})
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   s.actorName,
		"sub":   s.actorID,
		"iat":   now.Unix(),
		"exp":   now.Add(webhookTokenTTL).Unix(),
		"batch": len(batch),
	})
	signed, err := token.SignedString([]byte(s.webhookSecret))
	if err != nil {
		return fmt.Errorf("failed to sign webhook token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signed)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// ExportTable renders the buffered events, used by the shutdown export
// when EXPORT_SECURITY_EVENTS_ON_SHUTDOWN is set.
func (s *Security) ExportTable(w io.Writer) error {
	events := s.Events()

	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"Time", "Type", "Severity", "User", "Details"}); err != nil {
		return fmt.Errorf("failed to append header row: %w", err)
	}
	for _, event := range events {
		details := ""
		if len(event.Details) > 0 {
			if data, err := json.Marshal(event.Details); err == nil {
				details = string(data)
			}
		}
		row := []string{
			event.Timestamp.Format(time.RFC3339),
			event.Type,
			event.Severity,
			event.UserID,
			details,
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render security table: %w", err)
	}
	return nil
}
