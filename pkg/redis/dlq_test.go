package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmitToDLQ(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	envelope := []byte(`{"id":"env-1","type":"SEND_MAGIC_LINK"}`)
	err := EmitToDLQ(ctx, client, zap.NewNop(), "SEND_MAGIC_LINK", "auth", envelope, 5, errors.New("no ack"))
	require.NoError(t, err)

	entries, err := client.XRange(ctx, StreamDeadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, "SEND_MAGIC_LINK", values["event_type"])
	assert.Equal(t, "auth", values["target"])
	assert.Equal(t, string(envelope), values["envelope"])
	assert.Equal(t, "5", values["attempts"])
	assert.Equal(t, "no ack", values["error"])
}
