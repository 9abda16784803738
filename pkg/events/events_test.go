package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/loom/pkg/json"
)

func TestNewEnvelope(t *testing.T) {
	e := New("SEND_MAGIC_LINK", map[string]any{"email": "u@x"},
		WithActor("auth"),
		WithCorrelation("corr-12345678"),
		WithSource("backend"),
		WithSourceActor("auth-1"),
		WithUserID("u1"),
	)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "SEND_MAGIC_LINK", e.Type)
	assert.Equal(t, "u@x", e.Payload["email"])
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "auth", e.Actor)
	assert.Equal(t, "corr-12345678", e.CorrelationID)
	assert.Equal(t, "backend", e.Metadata.Source)
	assert.Equal(t, "auth-1", e.Metadata.SourceActorID)
	assert.Equal(t, "u1", e.Metadata.UserID)

	// Ids are unique per envelope.
	assert.NotEqual(t, e.ID, New("SEND_MAGIC_LINK", nil).ID)
}

func TestEnvelopeWireFormat(t *testing.T) {
	e := &Envelope{
		ID:            "env-1",
		Type:          "MAGIC_LINK_SENT",
		Payload:       map[string]any{"email": "u@x"},
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Actor:         "auth",
		CorrelationID: "corr-12345678",
		Metadata:      Metadata{Source: "backend", SourceActorID: "auth-1"},
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"id":"env-1"`)
	assert.Contains(t, out, `"type":"MAGIC_LINK_SENT"`)
	assert.Contains(t, out, `"correlationId":"corr-12345678"`)
	assert.Contains(t, out, `"sourceActorId":"auth-1"`)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, e.CorrelationID, decoded.CorrelationID)
}

func TestDeriveCopies(t *testing.T) {
	e := New("CREATE_SESSION", map[string]any{"userId": "u1"})
	derived := e.Derive("corr-abcdefgh")

	assert.Equal(t, "corr-abcdefgh", derived.CorrelationID)
	assert.Empty(t, e.CorrelationID)
	assert.Equal(t, e.ID, derived.ID)
}

func TestInferCategory(t *testing.T) {
	tests := []struct {
		name string
		want Category
	}{
		{"SEND_MAGIC_LINK", CategoryCommand},
		{"CREATE_SESSION", CategoryCommand},
		{"VALIDATE_TOKEN", CategoryCommand},
		{"GET_SESSION", CategoryQuery},
		{"LIST_SESSIONS", CategoryQuery},
		{"FIND_USER", CategoryQuery},
		{"COUNT_EVENTS", CategoryQuery},
		{"MAGIC_LINK_SENT", CategoryNotification},
		{"SESSION_CREATED", CategoryNotification},
		{"PAYMENT_FAILED", CategoryNotification},
		{"ORDER_PAID", CategoryNotification},
		{"SENT", CategoryCommand}, // single token never reads as past tense
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferCategory(tt.name))
		})
	}
}

func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory(" Command ")
	require.True(t, ok)
	assert.Equal(t, CategoryCommand, c)

	_, ok = ParseCategory("broadcast")
	assert.False(t, ok)
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "actor:notification:MAGIC_LINK_SENT", ActorChannel("notification", "MAGIC_LINK_SENT"))
	assert.Equal(t, "broadcast:MAGIC_LINK_SENT", BroadcastChannel("MAGIC_LINK_SENT"))
	assert.Equal(t, "event:response:corr-1", ResponseChannel("corr-1"))
	assert.Equal(t, "pending:env-1", PendingKey("env-1"))
	assert.Equal(t, "event:env-1", EventKey("env-1"))
}

func TestParseTTL(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30_seconds", 30 * time.Second},
		{"5_minutes", 5 * time.Minute},
		{"2_hours", 2 * time.Hour},
		{"1_days", 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseTTL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}

	for _, bad := range []string{"", "30", "x_seconds", "30_fortnights", "-1_seconds"} {
		_, err := ParseTTL(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatTTL(t *testing.T) {
	assert.Equal(t, "30_seconds", FormatTTL(30*time.Second))
	assert.Equal(t, "5_minutes", FormatTTL(5*time.Minute))
	assert.Equal(t, "2_hours", FormatTTL(2*time.Hour))
	assert.Equal(t, "1_days", FormatTTL(24*time.Hour))
	assert.Equal(t, "90_seconds", FormatTTL(90*time.Second))
}

func TestValidateEventName(t *testing.T) {
	assert.NoError(t, ValidateEventName("SEND_MAGIC_LINK"))
	assert.NoError(t, ValidateEventName("GET_X"))

	for _, bad := range []string{"", "send_magic_link", "SEND__LINK", "_SEND", "SEND-"} {
		err := ValidateEventName(bad)
		require.Error(t, err, bad)
		var verr ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "type", verr.Field)
	}
}

func TestValidateCorrelationID(t *testing.T) {
	assert.NoError(t, ValidateCorrelationID("corr-12345678"))
	assert.Error(t, ValidateCorrelationID(""))
	assert.Error(t, ValidateCorrelationID("short"))
	assert.Error(t, ValidateCorrelationID("bad id with spaces"))
}

func TestValidateEnvelope(t *testing.T) {
	valid := New("SEND_MAGIC_LINK", map[string]any{"email": "u@x"}, WithActor("auth"))
	assert.NoError(t, ValidateEnvelope(valid))

	assert.Error(t, ValidateEnvelope(nil))

	missingID := *valid
	missingID.ID = ""
	assert.Error(t, ValidateEnvelope(&missingID))

	badType := *valid
	badType.Type = "lowercase"
	assert.Error(t, ValidateEnvelope(&badType))

	zeroTime := *valid
	zeroTime.Timestamp = time.Time{}
	assert.Error(t, ValidateEnvelope(&zeroTime))

	badCorr := *valid
	badCorr.CorrelationID = "nope"
	assert.Error(t, ValidateEnvelope(&badCorr))
}
