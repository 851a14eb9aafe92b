// Package metrics holds the Prometheus collectors of the irrigo server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "irrigo_sessions_active",
			Help: "Transports currently joined to a user group.",
		},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "irrigo_ws_connections_total",
			Help: "WebSocket connection attempts.",
		},
		[]string{"result"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "irrigo_commands_total",
			Help: "Push channel commands handled.",
		},
		[]string{"command", "result"},
	)

	EmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "irrigo_emits_total",
			Help: "Events pushed to user sessions.",
		},
		[]string{"event", "result"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "irrigo_webhooks_total",
			Help: "Device webhooks received.",
		},
		[]string{"kind", "status"},
	)

	ShadowRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "irrigo_shadow_requests_total",
			Help: "Requests to the device shadow service.",
		},
		[]string{"op", "result"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "irrigo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// MustRegister registers all collectors with the default registry.
func MustRegister() {
	prometheus.MustRegister(
		SessionsActive,
		ConnectionsTotal,
		CommandsTotal,
		EmitsTotal,
		WebhooksTotal,
		ShadowRequestsTotal,
		HTTPRequestDurationSeconds,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware records request durations labelled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestDurationSeconds.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
