// Package server implements the irrigo real-time server: the push channel, the
// device control API and the device webhooks.
package server

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string
	LogLevel   string

	// Authentication
	JWTSecret         string // verifies user access tokens
	WebhookSecretHash string // bcrypt hash of the webhook shared secret

	// Shadow service
	ShadowEndpoint string
	ShadowToken    string // optional
	ShadowTimeout  time.Duration

	// Rate limiting (API and webhooks)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Database
	DatabasePath string
	DataDir      string

	// Device event journal
	EventRetention       time.Duration
	EventCleanupInterval time.Duration

	// Security
	AllowedOrigins []string // optional, for CORS and WebSocket origin validation
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	dataDir := getEnv("IRRIGO_DATA_DIR", "/data")

	cfg := &Config{
		ListenAddr:        getEnv("IRRIGO_LISTEN", ":8000"),
		LogLevel:          getEnv("IRRIGO_LOG_LEVEL", "info"),
		JWTSecret:         os.Getenv("IRRIGO_JWT_SECRET"),
		WebhookSecretHash: os.Getenv("IRRIGO_WEBHOOK_SECRET_HASH"),
		ShadowEndpoint:    os.Getenv("IRRIGO_SHADOW_ENDPOINT"),
		ShadowToken:       os.Getenv("IRRIGO_SHADOW_TOKEN"),
		ShadowTimeout:     parseDuration("IRRIGO_SHADOW_TIMEOUT", 10*time.Second),
		RateLimitRequests: parseInt("IRRIGO_RATE_LIMIT", 120),
		RateLimitWindow:   parseDuration("IRRIGO_RATE_WINDOW", 1*time.Minute),
		DatabasePath:      getEnv("IRRIGO_DB_PATH", dataDir+"/irrigo.db"),
		DataDir:           dataDir,
		AllowedOrigins:    parseOrigins("IRRIGO_ALLOWED_ORIGINS"),

		EventRetention:       parseDuration("IRRIGO_EVENT_RETENTION", 7*24*time.Hour),
		EventCleanupInterval: parseDuration("IRRIGO_EVENT_CLEANUP_INTERVAL", 1*time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.JWTSecret == "" {
		errs = append(errs, "IRRIGO_JWT_SECRET is required")
	}
	if c.WebhookSecretHash == "" {
		errs = append(errs, "IRRIGO_WEBHOOK_SECRET_HASH is required")
	}
	if c.ShadowEndpoint == "" {
		errs = append(errs, "IRRIGO_SHADOW_ENDPOINT is required")
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, "IRRIGO_RATE_LIMIT must be positive")
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, "IRRIGO_RATE_WINDOW must be positive")
	}
	if c.ShadowTimeout <= 0 {
		errs = append(errs, "IRRIGO_SHADOW_TIMEOUT must be positive")
	}
	if c.EventRetention <= 0 {
		errs = append(errs, "IRRIGO_EVENT_RETENTION must be positive")
	}
	// the cleanup ticker panics on a non-positive interval
	if c.EventCleanupInterval <= 0 {
		errs = append(errs, "IRRIGO_EVENT_CLEANUP_INTERVAL must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
