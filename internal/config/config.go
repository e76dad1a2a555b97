// Package config loads server configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Addr is the HTTP listen address (websocket, metrics, health).
	Addr string

	// DBPath is the SQLite database path.
	DBPath string

	// JWTSecret signs and verifies session tokens.
	JWTSecret string

	// TokenDuration is how long issued tokens stay valid.
	TokenDuration time.Duration

	// PresenceLiveness is the window after which a silent presence entry
	// is swept.
	PresenceLiveness time.Duration

	// PresenceSweepInterval is how often the sweeper runs.
	PresenceSweepInterval time.Duration

	// ReconcileTimeout is the optimistic update confirmation deadline.
	ReconcileTimeout time.Duration

	// SelfApprovalAllowed lets a requester vote on their own approval
	// request. Default false.
	SelfApprovalAllowed bool
}

// Load reads configuration from a .env file (when present) and the
// environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	return &Config{
		Addr:                  getEnv("ADDR", ":8080"),
		DBPath:                getEnv("DB_PATH", "./data/divvy.db"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret-change-me"),
		TokenDuration:         getDuration("TOKEN_DURATION", 24*time.Hour),
		PresenceLiveness:      getDuration("PRESENCE_LIVENESS", 30*time.Second),
		PresenceSweepInterval: getDuration("PRESENCE_SWEEP_INTERVAL", 5*time.Second),
		ReconcileTimeout:      getDuration("RECONCILE_TIMEOUT", 10*time.Second),
		SelfApprovalAllowed:   getBool("SELF_APPROVAL_ALLOWED", false),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", value)
		return fallback
	}
	return d
}

func getBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "value", value)
		return fallback
	}
	return b
}
