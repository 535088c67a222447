// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // Must exceed the longest tool deadline; streams disable it per-request.

	// Storage backends. Empty values select the in-memory implementations.
	DatabaseURL string // Postgres URL for the durable quota ledger.
	RedisURL    string // Redis URL for the rate limiter store.
	JournalPath string // SQLite file for the execution journal; empty disables.

	// Auth settings. With neither key source configured, auth is disabled
	// and the request body's userId is trusted (development mode).
	JWTPublicKeyPath string // Path to Ed25519 public key PEM file.
	APIKeys          string // Comma-separated keyID:userID:argon2 digest entries.

	// Quota settings.
	DailyQuota         int64
	QuotaTTL           time.Duration
	QuotaSweepInterval time.Duration

	// Rate limit settings, per action.
	RateToolLimit      int
	RateToolWindow     time.Duration
	RateWorkflowLimit  int
	RateWorkflowWindow time.Duration
	RateMaxBlock       time.Duration
	RateSweepInterval  time.Duration
	RateSweepBatch     int

	// Execution settings.
	ExecTimeout time.Duration // Default per-tool deadline.
	ExecRetries int           // Retry budget for retryable failures.

	// Stream settings.
	StreamChunkBytes int
	StreamKeepalive  time.Duration

	// Workflow settings.
	WorkflowMaxSteps int

	// Audit settings.
	AuditSink    string // "none", "log", or "kafka".
	KafkaBrokers string // Comma-separated broker list.
	KafkaTopic   string

	// MCP settings.
	MCPEnabled bool

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	LogFormat           string // "json" or "text".
	MaxRequestBodyBytes int64
	ShutdownTimeout     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("NAGARE_PORT", 8080),
		ReadTimeout:         envDuration("NAGARE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("NAGARE_WRITE_TIMEOUT", 5*time.Minute),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		RedisURL:            envStr("REDIS_URL", ""),
		JournalPath:         envStr("NAGARE_JOURNAL_PATH", "nagare.db"),
		JWTPublicKeyPath:    envStr("NAGARE_JWT_PUBLIC_KEY", ""),
		APIKeys:             envStr("NAGARE_API_KEYS", ""),
		DailyQuota:          envInt64("NAGARE_DAILY_QUOTA", 10000),
		QuotaTTL:            envDuration("NAGARE_QUOTA_TTL", 5*time.Minute),
		QuotaSweepInterval:  envDuration("NAGARE_QUOTA_SWEEP_INTERVAL", time.Minute),
		RateToolLimit:       envInt("NAGARE_RATE_TOOL_LIMIT", 60),
		RateToolWindow:      envDuration("NAGARE_RATE_TOOL_WINDOW", time.Minute),
		RateWorkflowLimit:   envInt("NAGARE_RATE_WORKFLOW_LIMIT", 20),
		RateWorkflowWindow:  envDuration("NAGARE_RATE_WORKFLOW_WINDOW", time.Minute),
		RateMaxBlock:        envDuration("NAGARE_RATE_MAX_BLOCK", 15*time.Minute),
		RateSweepInterval:   envDuration("NAGARE_RATE_SWEEP_INTERVAL", 5*time.Minute),
		RateSweepBatch:      envInt("NAGARE_RATE_SWEEP_BATCH", 1000),
		ExecTimeout:         envDuration("NAGARE_EXEC_TIMEOUT", 2*time.Minute),
		ExecRetries:         envInt("NAGARE_EXEC_RETRIES", 3),
		StreamChunkBytes:    envInt("NAGARE_STREAM_CHUNK_BYTES", 16*1024),
		StreamKeepalive:     envDuration("NAGARE_STREAM_KEEPALIVE", 15*time.Second),
		WorkflowMaxSteps:    envInt("NAGARE_WORKFLOW_MAX_STEPS", 10),
		AuditSink:           envStr("NAGARE_AUDIT_SINK", "log"),
		KafkaBrokers:        envStr("NAGARE_KAFKA_BROKERS", ""),
		KafkaTopic:          envStr("NAGARE_KAFKA_TOPIC", "nagare-audit"),
		MCPEnabled:          envBool("NAGARE_MCP_ENABLED", true),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "nagare"),
		LogLevel:            envStr("NAGARE_LOG_LEVEL", "info"),
		LogFormat:           envStr("NAGARE_LOG_FORMAT", "json"),
		MaxRequestBodyBytes: int64(envInt("NAGARE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		ShutdownTimeout:     envDuration("NAGARE_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: NAGARE_PORT must be in 1..65535")
	}
	if c.DailyQuota <= 0 {
		return fmt.Errorf("config: NAGARE_DAILY_QUOTA must be positive")
	}
	if c.QuotaTTL <= 0 {
		return fmt.Errorf("config: NAGARE_QUOTA_TTL must be positive")
	}
	if c.RateToolLimit <= 0 || c.RateWorkflowLimit <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	if c.RateToolWindow <= 0 || c.RateWorkflowWindow <= 0 {
		return fmt.Errorf("config: rate windows must be positive")
	}
	if c.RateMaxBlock <= 0 {
		return fmt.Errorf("config: NAGARE_RATE_MAX_BLOCK must be positive")
	}
	if c.ExecRetries < 0 {
		return fmt.Errorf("config: NAGARE_EXEC_RETRIES must not be negative")
	}
	if c.StreamChunkBytes <= 0 {
		return fmt.Errorf("config: NAGARE_STREAM_CHUNK_BYTES must be positive")
	}
	if c.WorkflowMaxSteps <= 0 {
		return fmt.Errorf("config: NAGARE_WORKFLOW_MAX_STEPS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: NAGARE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	switch c.AuditSink {
	case "none", "log", "kafka":
	default:
		return fmt.Errorf("config: NAGARE_AUDIT_SINK must be none, log, or kafka (got %q)", c.AuditSink)
	}
	if c.AuditSink == "kafka" && c.KafkaBrokers == "" {
		return fmt.Errorf("config: NAGARE_KAFKA_BROKERS is required when audit sink is kafka")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
