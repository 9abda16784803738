package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/loom/pkg/errs"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "loom", cfg.ServiceName)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "strict", cfg.ValidationMode)
	assert.Equal(t, BusModeMemory, cfg.BusMode)
	assert.Equal(t, DeliveryAtLeastOnce, cfg.TellDelivery)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 5*time.Minute, cfg.CatalogCacheTTL)
	assert.Equal(t, 5*time.Second, cfg.AskTimeout)
	assert.Equal(t, 0, cfg.AskRetries)
	assert.Equal(t, 30*time.Second, cfg.PendingAckTTL)
	assert.Equal(t, 10*time.Second, cfg.RedeliveryInterval)
	assert.Equal(t, 5, cfg.MaxRedeliveries)
	assert.False(t, cfg.MigrateOnStart)
	assert.False(t, cfg.TracingEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVICE_NAME", "orders")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CACHE_URL", "redis://localhost:6379/1")
	t.Setenv("BUS_MODE", "redis")
	t.Setenv("ASK_TIMEOUT", "100ms")
	t.Setenv("ASK_RETRIES", "2")
	t.Setenv("MAX_REDELIVERIES", "3")
	t.Setenv("CATALOG_CACHE_TTL", "1m")
	t.Setenv("TELL_DELIVERY", "at-most-once")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.ServiceName)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, BusModeRedis, cfg.BusMode)
	assert.Equal(t, 100*time.Millisecond, cfg.AskTimeout)
	assert.Equal(t, 2, cfg.AskRetries)
	assert.Equal(t, 3, cfg.MaxRedeliveries)
	assert.Equal(t, time.Minute, cfg.CatalogCacheTTL)
	assert.Equal(t, DeliveryAtMostOnce, cfg.TellDelivery)
}

func TestLoadRedisBusRequiresCacheURL(t *testing.T) {
	t.Setenv("BUS_MODE", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHE_URL")
}

func TestLoadMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("MIGRATE_ON_START", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadWebhookRequiresSecret(t *testing.T) {
	t.Setenv("SECURITY_WEBHOOK_URL", "https://hooks.example.com/security")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECURITY_WEBHOOK_SECRET")
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("ASK_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ASK_TIMEOUT")
}

func TestLoadNegativeDuration(t *testing.T) {
	t.Setenv("REDELIVERY_INTERVAL", "-10s")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadInvalidBool(t *testing.T) {
	t.Setenv("CATALOG_WATCH", "yes please")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CATALOG_WATCH")
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	t.Setenv("VALIDATION_MODE", "paranoid")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeConfigValidationFailed))

	fields := errs.FieldsOf(err)
	require.NotEmpty(t, fields)
	assert.Equal(t, "validationMode", fields[0].Path)
}

func TestValidateRejectsUnknownBusMode(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.BusMode = "carrier-pigeon"
	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeConfigValidationFailed))
}

func TestValidateRejectsNegativeRetries(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.AskRetries = -1
	err = cfg.Validate()
	require.Error(t, err)

	fields := errs.FieldsOf(err)
	require.Len(t, fields, 1)
	assert.Equal(t, "askRetries", fields[0].Path)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeConfigValidationFailed))
}
