package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EmitToDLQ appends an exhausted delivery to the dead-letter stream. The
// envelope is stored as raw JSON so operators can replay it.
func EmitToDLQ(ctx context.Context, client *Client, log *zap.Logger, eventType, target string, envelope []byte, attempts int, cause error) error {
	values := map[string]interface{}{
		"event_type": eventType,
		"target":     target,
		"envelope":   string(envelope),
		"attempts":   strconv.Itoa(attempts),
		"error":      fmt.Sprintf("%v", cause),
	}
	_, dlqErr := client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDeadLetter,
		Values: values,
	}).Result()
	if dlqErr != nil && log != nil {
		log.Error("Failed to emit to DLQ", zap.Error(dlqErr), zap.String("event_type", eventType))
	}
	return dlqErr
}
