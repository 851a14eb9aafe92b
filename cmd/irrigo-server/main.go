package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/markus-barta/irrigo/internal/metrics"
	"github.com/markus-barta/irrigo/internal/server"
	"github.com/markus-barta/irrigo/internal/store"
	"github.com/rs/zerolog"
)

func main() {
	// Optional .env for local runs; real environment wins
	_ = godotenv.Load()

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	metrics.MustRegister()

	// Initialize database
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data directory")
	}
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create server
	srv := server.New(cfg, db, log)
	go srv.Store().StartRetentionCleanup(ctx, cfg.EventCleanupInterval, cfg.EventRetention)

	// Run server
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server error")
		return
	}
	log.Info().Msg("server stopped")
}
