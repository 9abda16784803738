package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/schema"
)

// Config carries every runtime setting. All values come from environment
// variables; anything optional falls back to an in-process default so a bare
// `loomd` starts with memory stores and a memory bus.
type Config struct {
	ServiceName string
	Environment string
	LogLevel    string

	DatabaseURL    string
	MigrateOnStart bool

	StateStoreURL string
	CacheURL      string

	EnableMetricsEndpoint          bool
	MetricsAddr                    string
	ExportMetricsOnShutdown        bool
	ExportSecurityEventsOnShutdown bool

	SecurityWebhookURL    string
	SecurityWebhookSecret string

	ValidationMode  string
	CatalogCacheTTL time.Duration
	CatalogSeedDir  string
	CatalogWatch    bool

	BusMode            string
	AskTimeout         time.Duration
	AskRetries         int
	TellDelivery       string
	PendingAckTTL      time.Duration
	RedeliveryInterval time.Duration
	MaxRedeliveries    int

	TracingEnabled  bool
	TracingEndpoint string
}

// Bus modes.
const (
	BusModeMemory = "memory"
	BusModeRedis  = "redis"
)

// Tell delivery guarantees.
const (
	DeliveryAtMostOnce  = "at-most-once"
	DeliveryAtLeastOnce = "at-least-once"
)

// Load reads the configuration from the environment, applies defaults, and
// validates the result against the config schema.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "loom"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		StateStoreURL: os.Getenv("STATE_STORE_URL"),
		CacheURL:      os.Getenv("CACHE_URL"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		SecurityWebhookURL:    os.Getenv("SECURITY_WEBHOOK_URL"),
		SecurityWebhookSecret: os.Getenv("SECURITY_WEBHOOK_SECRET"),

		ValidationMode: getEnv("VALIDATION_MODE", "strict"),
		CatalogSeedDir: os.Getenv("CATALOG_SEED_DIR"),

		BusMode:      getEnv("BUS_MODE", BusModeMemory),
		TellDelivery: getEnv("TELL_DELIVERY", DeliveryAtLeastOnce),

		TracingEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.MigrateOnStart, err = parseBool("MIGRATE_ON_START", false); err != nil {
		return nil, err
	}
	if cfg.EnableMetricsEndpoint, err = parseBool("ENABLE_METRICS_ENDPOINT", false); err != nil {
		return nil, err
	}
	if cfg.ExportMetricsOnShutdown, err = parseBool("EXPORT_METRICS_ON_SHUTDOWN", false); err != nil {
		return nil, err
	}
	if cfg.ExportSecurityEventsOnShutdown, err = parseBool("EXPORT_SECURITY_EVENTS_ON_SHUTDOWN", false); err != nil {
		return nil, err
	}
	if cfg.CatalogWatch, err = parseBool("CATALOG_WATCH", false); err != nil {
		return nil, err
	}
	if cfg.TracingEnabled, err = parseBool("TRACING_ENABLED", false); err != nil {
		return nil, err
	}

	if cfg.CatalogCacheTTL, err = parseDuration("CATALOG_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AskTimeout, err = parseDuration("ASK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.PendingAckTTL, err = parseDuration("PENDING_ACK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RedeliveryInterval, err = parseDuration("REDELIVERY_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.AskRetries, err = parseInt("ASK_RETRIES", 0); err != nil {
		return nil, err
	}
	if cfg.MaxRedeliveries, err = parseInt("MAX_REDELIVERIES", 5); err != nil {
		return nil, err
	}

	if cfg.BusMode == BusModeRedis && cfg.CacheURL == "" {
		return nil, fmt.Errorf("BUS_MODE=redis requires CACHE_URL")
	}
	if cfg.MigrateOnStart && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("MIGRATE_ON_START requires DATABASE_URL")
	}
	if cfg.SecurityWebhookURL != "" && cfg.SecurityWebhookSecret == "" {
		return nil, fmt.Errorf("SECURITY_WEBHOOK_URL requires SECURITY_WEBHOOK_SECRET")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration against the config schema.
// Violations are reported as CONFIG_VALIDATION_FAILED with one field error
// per offending path.
func (c *Config) Validate() error {
	validator, err := configSchema.Compile(schema.Strict)
	if err != nil {
		return fmt.Errorf("config schema is invalid: %w", err)
	}

	result := validator.Validate(c.toMap())
	if !result.Valid {
		return errs.New(errs.CodeConfigValidationFailed,
			errs.WithMessage("configuration failed validation"),
			errs.WithFields(result.Errors),
		)
	}
	return nil
}

func (c *Config) toMap() map[string]any {
	return map[string]any{
		"serviceName":        c.ServiceName,
		"environment":        c.Environment,
		"logLevel":           c.LogLevel,
		"validationMode":     c.ValidationMode,
		"busMode":            c.BusMode,
		"tellDelivery":       c.TellDelivery,
		"metricsAddr":        c.MetricsAddr,
		"catalogCacheTTL":    c.CatalogCacheTTL.Seconds(),
		"askTimeout":         c.AskTimeout.Seconds(),
		"askRetries":         c.AskRetries,
		"pendingAckTTL":      c.PendingAckTTL.Seconds(),
		"redeliveryInterval": c.RedeliveryInterval.Seconds(),
		"maxRedeliveries":    c.MaxRedeliveries,
	}
}

var zero = 0.0

var configSchema = &schema.Schema{
	Type: "object",
	Properties: map[string]*schema.Schema{
		"serviceName":        {Type: "string", MinLength: intPtr(1)},
		"environment":        {Type: "string", MinLength: intPtr(1)},
		"logLevel":           {Type: "string", Enum: []any{"debug", "info", "warn", "error"}},
		"validationMode":     {Type: "string", Enum: []any{"strict", "loose"}},
		"busMode":            {Type: "string", Enum: []any{BusModeMemory, BusModeRedis}},
		"tellDelivery":       {Type: "string", Enum: []any{DeliveryAtMostOnce, DeliveryAtLeastOnce}},
		"metricsAddr":        {Type: "string", MinLength: intPtr(2)},
		"catalogCacheTTL":    {Type: "number", Minimum: &zero},
		"askTimeout":         {Type: "number", Minimum: &zero},
		"askRetries":         {Type: "integer", Minimum: &zero},
		"pendingAckTTL":      {Type: "number", Minimum: &zero},
		"redeliveryInterval": {Type: "number", Minimum: &zero},
		"maxRedeliveries":    {Type: "integer", Minimum: &zero},
	},
	Required: []string{
		"serviceName", "environment", "logLevel", "validationMode",
		"busMode", "tellDelivery", "metricsAddr",
	},
}

func intPtr(v int) *int { return &v }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func parseInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
