// Package config handles watch client configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all watch client configuration.
type Config struct {
	// Connection
	ServerURL string // push channel URL (ws:// or wss://)
	Token     string // user access token
	UserID    int64  // user to bind the connection to

	// Behavior
	CheckInterval time.Duration // how often to re-check the binding while connected
	LogLevel      string        // Logging level (debug, info, warn, error)
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 5 * time.Minute,
		LogLevel:      "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.ServerURL = os.Getenv("IRRIGO_URL")
	if cfg.ServerURL == "" {
		return nil, errors.New("IRRIGO_URL is required")
	}

	cfg.Token = os.Getenv("IRRIGO_TOKEN")
	if cfg.Token == "" {
		return nil, errors.New("IRRIGO_TOKEN is required")
	}

	userID := os.Getenv("IRRIGO_USER_ID")
	if userID == "" {
		return nil, errors.New("IRRIGO_USER_ID is required")
	}
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil || id <= 0 {
		return nil, errors.New("IRRIGO_USER_ID must be a positive number")
	}
	cfg.UserID = id

	// Optional
	if interval := os.Getenv("IRRIGO_CHECK_INTERVAL"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil {
			return nil, errors.New("IRRIGO_CHECK_INTERVAL must be a number (seconds)")
		}
		cfg.CheckInterval = time.Duration(seconds) * time.Second
	}

	if level := os.Getenv("IRRIGO_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.UserID <= 0 {
		return errors.New("user id is required")
	}
	if c.CheckInterval < time.Second {
		return errors.New("check interval must be at least 1 second")
	}
	return nil
}
