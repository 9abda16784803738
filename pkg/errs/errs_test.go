package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormattingIncludesContextAndCause(t *testing.T) {
	err := New(
		CodeCommandValidationFailed,
		WithMessage("command payload rejected"),
		WithField(FieldError{Path: "payload.email", Message: "required field missing", Expected: "string"}),
		WithField(FieldError{Path: "payload.device", Message: "required field missing", Expected: "object"}),
		WithContext(map[string]any{
			"actor": "session",
			"event": "CREATE_SESSION",
		}),
		WithCause(errors.New("schema evaluation failed")),
	)

	out := err.Error()
	assert.Contains(t, out, "code=COMMAND_VALIDATION_FAILED")
	assert.Contains(t, out, "status=400")
	assert.Contains(t, out, `message="command payload rejected"`)
	assert.Contains(t, out, "fields=payload.email,payload.device")
	assert.Contains(t, out, `context=actor="session",event="CREATE_SESSION"`)
	assert.Contains(t, out, `cause="schema evaluation failed"`)
}

func TestStatusDefaultsFromCode(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeInvalidEventDefinition, 400},
		{CodeEventNotFound, 404},
		{CodeEventRegistrationFailed, 500},
		{CodeRateLimitExceeded, 429},
		{CodeCircuitOpen, 503},
		{CodeRequestTimeout, 504},
		{CodeStateValidationFailed, 500},
		{CodeConfigValidationFailed, 500},
		{CodeUnknownCommand, 400},
		{CodeDBConnectionFailed, 503},
		{CodeBusClosed, 503},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, New(tt.code).StatusCode)
		})
	}

	// Unregistered codes fall back to 500.
	assert.Equal(t, 500, New(Code("SOMETHING_ELSE")).StatusCode)
	// Explicit status wins over the default.
	assert.Equal(t, 502, New(CodeUnknownError, WithStatus(502)).StatusCode)
}

func TestUnwrapIntegratesWithErrorsIs(t *testing.T) {
	root := errors.New("connection refused")
	err := New(CodeDBConnectionFailed, WithCause(root))

	require.ErrorIs(t, err, root)

	var e *E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CodeDBConnectionFailed, e.Code)
}

func TestCodeOfTraversesWrappedChains(t *testing.T) {
	inner := New(CodeRequestTimeout, WithMessage("no reply within deadline"))
	wrapped := fmt.Errorf("ask failed: %w", inner)

	assert.Equal(t, CodeRequestTimeout, CodeOf(wrapped))
	assert.Equal(t, 504, StatusOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeRequestTimeout))
	assert.False(t, IsCode(wrapped, CodeCircuitOpen))

	// Plain errors classify as unknown.
	plain := errors.New("boom")
	assert.Equal(t, CodeUnknownError, CodeOf(plain))
	assert.Equal(t, 500, StatusOf(plain))
	assert.Nil(t, FieldsOf(plain))
}

func TestFieldsOfReturnsAccumulatedDiagnostics(t *testing.T) {
	err := New(CodeStateValidationFailed, WithFields([]FieldError{
		{Path: "users", Message: "expected keyed mapping", Expected: "map", Received: "array"},
		{Path: "version", Message: "expected number", Expected: "number", Received: "string"},
	}))

	wrapped := fmt.Errorf("state load: %w", err)
	fields := FieldsOf(wrapped)
	require.Len(t, fields, 2)
	assert.Equal(t, "users", fields[0].Path)
	assert.Equal(t, "array", fields[0].Received)
}

func TestContextValueSkipsBlankKeys(t *testing.T) {
	err := New(CodeUnknownError, WithContextValue("  ", "dropped"), WithContextValue("actor", "cart"))
	require.Len(t, err.Context, 1)
	assert.Equal(t, "cart", err.Context["actor"])
}

func TestNilErrorString(t *testing.T) {
	var e *E
	assert.Equal(t, "<nil>", e.Error())
}
