// irrigo-watch binds a user to the irrigo push channel and logs every device
// event pushed to them.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/markus-barta/irrigo/internal/client"
	"github.com/markus-barta/irrigo/internal/config"
	"github.com/markus-barta/irrigo/internal/protocol"
	"github.com/rs/zerolog"
)

// Version is the watch client version.
const Version = "1.0.0"

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")
	logout := flag.Bool("logout", false, "unbind the user from every connection on exit")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("irrigo-watch %s\n", Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	_ = godotenv.Load()

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", Version).
		Int64("user", cfg.UserID).
		Str("url", cfg.ServerURL).
		Msg("irrigo watch starting")

	w := client.New(cfg, log, func(msg *protocol.Message) { logEvent(log, msg) })

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		if *logout {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Logout(ctx); err != nil {
				log.Warn().Err(err).Msg("logout failed")
			}
			cancel()
		}
		w.Shutdown()
	}()

	if err := w.Run(); err != nil {
		log.Fatal().Err(err).Msg("watcher failed")
	}
}

func logEvent(log zerolog.Logger, msg *protocol.Message) {
	switch msg.Type {
	case protocol.EventShadowUpdateAuto:
		var ev protocol.ShadowAutoEvent
		if err := msg.ParsePayload(&ev); err != nil {
			log.Error().Err(err).Msg("failed to parse auto event")
			return
		}
		log.Info().Str("thing", ev.ThingName).Bool("auto", ev.ShadowAuto).Msg("auto mode changed")

	case protocol.EventShadowUpdatePump:
		var ev protocol.ShadowPumpEvent
		if err := msg.ParsePayload(&ev); err != nil {
			log.Error().Err(err).Msg("failed to parse pump event")
			return
		}
		log.Info().Str("thing", ev.ThingName).Bool("pump", ev.ShadowPump).Msg("pump changed")

	case protocol.EventPresenceConnection:
		var ev protocol.PresenceEvent
		if err := msg.ParsePayload(&ev); err != nil {
			log.Error().Err(err).Msg("failed to parse presence event")
			return
		}
		log.Info().Str("thing", ev.ThingName).Bool("connected", ev.PresenceConnection).Msg("device presence changed")

	default:
		log.Warn().Str("type", msg.Type).RawJSON("payload", msg.Payload).Msg("unknown event")
	}
}

func printUsage() {
	fmt.Printf(`Usage: irrigo-watch [options]

irrigo watch %s - binds a user to the irrigo push channel and logs device events.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity
  --logout        Unbind the user from every connection on exit

Environment variables:
  IRRIGO_URL              Push channel URL, e.g. wss://irrigo.example.com/ws (required)
  IRRIGO_TOKEN            User access token (required)
  IRRIGO_USER_ID          User id to bind (required)
  IRRIGO_CHECK_INTERVAL   Binding re-check interval in seconds (default: 300)
  IRRIGO_LOG_LEVEL        Log level: debug, info, warn, error
`, Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		return 1
	}

	fmt.Println("Config OK")
	fmt.Printf("  Server:  %s\n", cfg.ServerURL)
	fmt.Printf("  User:    %d\n", cfg.UserID)
	fmt.Println()

	fmt.Print("Testing server connectivity... ")

	// Convert WebSocket URL to HTTP for health check
	httpURL := cfg.ServerURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/ws") + "/health"

	hc := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := hc.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
