package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/markus-barta/irrigo/internal/auth"
	"github.com/markus-barta/irrigo/internal/metrics"
	"github.com/markus-barta/irrigo/internal/session"
	"github.com/markus-barta/irrigo/internal/shadow"
	"github.com/markus-barta/irrigo/internal/store"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

// Server is the irrigo real-time server.
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	store    *store.Store
	devices  DeviceStore
	registry *session.Registry
	bridge   *shadow.Bridge
	hub      *Hub
	verifier *auth.Verifier
	webhooks *auth.WebhookGuard
	router   *chi.Mux
}

// New creates a server on an opened database.
func New(cfg *Config, db *sql.DB, log zerolog.Logger) *Server {
	st := store.New(log, db)

	// Clear stored transport ids on startup - no transport of a previous
	// instance survives a restart, clients re-register when they reconnect
	if rows, err := st.ClearAllSocketIDs(context.Background()); err != nil {
		log.Warn().Err(err).Msg("failed to clear socket ids on startup")
	} else if rows > 0 {
		log.Info().Int64("count", rows).Msg("cleared stale socket ids on startup")
	}

	svc := shadow.NewHTTPService(shadow.ServiceConfig{
		Endpoint: cfg.ShadowEndpoint,
		Token:    cfg.ShadowToken,
		Timeout:  cfg.ShadowTimeout,
	})
	registry := session.NewRegistry(log, st)

	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		store:    st,
		devices:  st,
		registry: registry,
		bridge:   shadow.NewBridge(log, svc),
		hub:      NewHub(log, NewCommands(log, registry), cfg.AllowedOrigins),
		verifier: auth.NewVerifier(cfg.JWTSecret),
		webhooks: auth.NewWebhookGuard(cfg.WebhookSecretHash),
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	// Push channel; authenticates itself before the upgrade
	r.Get("/ws", s.handleWebSocket)

	// Device control API
	r.Route("/api", func(r chi.Router) {
		r.Use(metrics.Middleware)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.allowedOrigins(),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow))
		r.Use(s.verifier.Middleware)

		r.Get("/devices/{thingName}/shadow", s.handleGetShadow)
		r.Get("/devices/{thingName}/events", s.handleGetEvents)
		r.Post("/devices/{thingName}/auto", s.handleSetAuto)
		r.Post("/devices/{thingName}/pump", s.handleSetPump)
	})

	// Device webhooks
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(metrics.Middleware)
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow))
		r.Use(s.webhooks.Middleware)

		r.Post("/shadow/auto", s.handleAutoWebhook)
		r.Post("/shadow/pump", s.handlePumpWebhook)
		r.Post("/presence", s.handlePresenceWebhook)
	})

	s.router = r
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.Len(),
	})
}

// handleWebSocket authenticates the bearer token and upgrades to the push channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("unauthorized").Inc()
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("push channel rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.hub.Accept(w, r, userID)
}

// Run serves until ctx is cancelled, then closes every push channel connection
// and drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting irrigo server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server
	if err := s.hub.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("hub shutdown incomplete")
	}
	return srv.Shutdown(shutdownCtx)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Store returns the server's Identity Store.
func (s *Server) Store() *store.Store {
	return s.store
}
