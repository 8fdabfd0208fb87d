// Package config loads engine configuration from environment variables and
// per-tenant YAML profiles.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the Postgres backends when set; empty runs the
	// in-memory backends.
	DatabaseURL string
	// RedisAddr selects Redis for the hot state tier when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Workers           int
	QueueSize         int
	DispatchTimeout   time.Duration
	IdempotencyWindow time.Duration
	CacheTTL          time.Duration

	OutboxInterval  time.Duration
	OutboxBatchSize int

	RateRPS   float64
	RateBurst int

	ProfilesDir  string
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		Workers:           envInt("ENGINE_WORKERS", 4),
		QueueSize:         envInt("ENGINE_QUEUE_SIZE", 64),
		DispatchTimeout:   envDuration("DISPATCH_TIMEOUT", 30*time.Second),
		IdempotencyWindow: envDuration("IDEMPOTENCY_WINDOW", 24*time.Hour),
		CacheTTL:          envDuration("ARTIFACT_CACHE_TTL", 5*time.Minute),

		OutboxInterval:  envDuration("OUTBOX_INTERVAL", time.Second),
		OutboxBatchSize: envInt("OUTBOX_BATCH_SIZE", 100),

		RateRPS:   envFloat("RATE_LIMIT_RPS", 20),
		RateBurst: envInt("RATE_LIMIT_BURST", 40),

		ProfilesDir:  envStr("TENANT_PROFILES_DIR", "profiles"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
