package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"slowquery-agent/internal/config"
	"slowquery-agent/internal/monitor"
	"slowquery-agent/internal/registrar"
	"slowquery-agent/internal/storage"
)

// Server is the HTTP server for the record API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	store      storage.Store
	guard      *RunGuard
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, store storage.Store, guard *RunGuard, merger registrar.Merger, hub *LogHub, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(store, guard, merger, hub)

	s := &Server{
		handlers:  handlers,
		store:     store,
		guard:     guard,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /pull-requests", handlers.HandleListPullRequests)
	mux.HandleFunc("POST /pull-requests", handlers.HandleCreatePullRequest)
	mux.HandleFunc("GET /pull-requests/{id}", handlers.HandleGetPullRequest)
	mux.HandleFunc("DELETE /pull-requests/{id}", handlers.HandleDiscardPullRequest)
	mux.HandleFunc("POST /pull-requests/{id}/merge", handlers.HandleMergePullRequest)

	mux.HandleFunc("GET /incidents", handlers.HandleListIncidents)
	mux.HandleFunc("POST /incidents", handlers.HandleCreateIncident)
	mux.HandleFunc("DELETE /incidents/{id}", handlers.HandleDeleteIncident)
	mux.HandleFunc("POST /incidents/detect", handlers.HandleDetect)

	mux.HandleFunc("GET /logs", handlers.HandleListLogs)
	mux.HandleFunc("GET /logs/stream", handlers.HandleLogStream)
	mux.HandleFunc("GET /detection-runs", handlers.HandleListDetectionRuns)

	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Apply middleware chain (innermost first)
	var handler http.Handler = mux
	if metrics != nil {
		handler = MetricsMiddleware(metrics)(handler)
	}
	handler = RateLimitMiddleware(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "record-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store == nil || s.store.Healthy(r.Context())

	resp := HealthResponse{
		Status:           "ok",
		Database:         dbOK,
		DetectionRunning: s.guard != nil && s.guard.Running(),
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
	}
	if d, ok := s.store.(interface{ Driver() string }); ok {
		resp.DatabaseDriver = d.Driver()
	}

	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
