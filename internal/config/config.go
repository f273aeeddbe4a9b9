// Package config holds Bay's startup configuration, read once from the
// environment at startup; main hands its individual fields to the
// constructors that need them. There is no hot-reload story; that is a
// non-goal per the design notes.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the control plane's startup configuration.
type Config struct {
	Port        string
	DriverName  string
	DatabaseDSN string
	APIKey      string
	DevOwner    string // fallback owner for anonymous dev mode
	Production  bool

	// Timeouts
	ReadinessDeadline time.Duration
	DefaultCapTimeout time.Duration
	MaxCapTimeout     time.Duration

	// Idempotency
	IdempotencyTTL time.Duration
}

// FromEnv builds a Config from environment variables, applying the same
// defaults the teacher hard-codes inline in main.go/serve.go.
func FromEnv() *Config {
	cfg := &Config{
		Port:              envOr("PORT", "8080"),
		DriverName:        envOr("BAY_DRIVER", "docker"),
		DatabaseDSN:       envOr("BAY_DB_DSN", "bay.db"),
		APIKey:            os.Getenv("BAY_API_KEY"),
		DevOwner:          os.Getenv("BAY_DEV_OWNER"),
		Production:        os.Getenv("BAY_ENV") == "production",
		ReadinessDeadline: envDuration("BAY_READINESS_DEADLINE", 120*time.Second),
		DefaultCapTimeout: envDuration("BAY_CAP_TIMEOUT", 30*time.Second),
		MaxCapTimeout:     envDuration("BAY_CAP_TIMEOUT_MAX", 300*time.Second),
		IdempotencyTTL:    envDuration("BAY_IDEMPOTENCY_TTL", 24*time.Hour),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
