package api

import (
	"log/slog"
	"net/http"

	"osfleet/internal/health"
	"osfleet/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Run            *RunState
	HealthChecker  *health.Checker
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Token          string
	Logger         *slog.Logger
}

// NewRouter creates the status router.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Run, cfg.HealthChecker)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "status")

	mux := http.NewServeMux()

	// Probes and scrape - no auth
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	// Run progress - token required when configured
	auth := RequireToken(cfg.Token)
	mux.Handle("GET /v1/run", auth(http.HandlerFunc(handler.Run)))
	mux.Handle("GET /v1/run/{kind}", auth(http.HandlerFunc(handler.RunKind)))

	// Innermost first; Recover wraps everything.
	var h http.Handler = mux
	if cfg.Metrics != nil {
		h = RecordRequests(cfg.Metrics)(h)
	}
	h = LogRequests(logger)(h)
	h = Recover(logger)(h)

	return h
}
