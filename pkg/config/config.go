// Package config loads engine configuration from the environment and the
// optional reward policy YAML file.
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

	// DatabaseURL selects Postgres. Empty means lite mode: an embedded
	// SQLite database and an in-memory external ledger.
	DatabaseURL string
	SQLitePath  string

	// External ledger service.
	AnchorURL     string
	AnchorAPIKey  string
	AnchorTimeout time.Duration

	// PROOF_SALT keys the worker pseudonymization HMAC. It must be stable
	// across deployments or worker refs on the external ledger change.
	ProofSalt string

	JWTSecret string

	SweepInterval time.Duration

	RedisAddr     string
	RedisPassword string

	NotifyWebhookURL string

	RewardPolicyPath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:             envOr("PORT", "8080"),
		LogLevel:         envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       envOr("SQLITE_PATH", "shiftproof.db"),
		AnchorURL:        os.Getenv("ANCHOR_URL"),
		AnchorAPIKey:     os.Getenv("ANCHOR_API_KEY"),
		AnchorTimeout:    envDuration("ANCHOR_TIMEOUT", 10*time.Second),
		ProofSalt:        os.Getenv("PROOF_SALT"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		SweepInterval:    envDuration("SWEEP_INTERVAL", 30*time.Second),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		RewardPolicyPath: os.Getenv("REWARD_POLICY_PATH"),
	}
}

// LiteMode reports whether the engine runs without Postgres and without a
// real external ledger.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
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
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
