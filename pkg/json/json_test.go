package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnvelope struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func TestMarshalUnmarshal(t *testing.T) {
	original := testEnvelope{
		ID:   "env-1",
		Type: "SEND_MAGIC_LINK",
		Payload: map[string]any{
			"email": "u@x",
		},
	}

	data, err := Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"env-1"`)
	assert.Contains(t, string(data), `"type":"SEND_MAGIC_LINK"`)
	assert.Contains(t, string(data), `"email":"u@x"`)

	var decoded testEnvelope
	err = Unmarshal(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	err = Unmarshal([]byte(`{"invalid`), &decoded)
	assert.Error(t, err)
}

func TestMarshalIndent(t *testing.T) {
	data, err := MarshalIndent(map[string]any{"name": "GET_SESSION"}, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n")
	assert.Contains(t, string(data), `"name": "GET_SESSION"`)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"type":"object"}`)))
	assert.False(t, Valid([]byte(`{"type":`)))
}

func TestEncoderDecoder(t *testing.T) {
	original := testEnvelope{
		ID:   "env-2",
		Type: "MAGIC_LINK_SENT",
		Payload: map[string]any{
			"email": "u@x",
		},
	}

	var buf bytes.Buffer
	encoder := NewEncoder(&buf)
	err := encoder.Encode(original)
	require.NoError(t, err)

	var decoded testEnvelope
	decoder := NewDecoder(bytes.NewReader(buf.Bytes()))
	err = decoder.Decode(&decoded)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	invalidDecoder := NewDecoder(bytes.NewReader([]byte(`{"invalid`)))
	err = invalidDecoder.Decode(&decoded)
	assert.Error(t, err)
}

func TestNilHandling(t *testing.T) {
	data, err := Marshal(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var result interface{}
	err = Unmarshal([]byte("null"), &result)
	require.NoError(t, err)
	assert.Nil(t, result)
}
