// Package server exposes the run history and the log archive over HTTP.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/corvohq/dagbench/internal/archive"
	"github.com/corvohq/dagbench/internal/results"
)

// Config holds server configuration.
type Config struct {
	Addr string

	// AuthPublicKey enables bearer-token auth on /api/* when set.
	AuthPublicKey ed25519.PublicKey

	RateLimit RateLimitConfig

	ReadHeaderTimeout time.Duration
	ScrapeTimeout     time.Duration // bound on the history query behind /metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		ScrapeTimeout:     5 * time.Second,
	}
}

// Server is the results HTTP server.
type Server struct {
	history    *results.DB
	archive    *archive.Archive
	config     Config
	registry   *prometheus.Registry
	requests   *requestMetrics
	limiter    *rateLimiter
	router     chi.Router
	httpServer *http.Server
	now        func() time.Time
}

// New creates a Server. arc may be nil when no archive is configured.
func New(history *results.DB, arc *archive.Archive, config Config) *Server {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadHeaderTimeout == 0 {
		config.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if config.ScrapeTimeout == 0 {
		config.ScrapeTimeout = def.ScrapeTimeout
	}

	srv := &Server{
		history:  history,
		archive:  arc,
		config:   config,
		registry: prometheus.NewRegistry(),
		now:      time.Now,
	}
	srv.requests = newRequestMetrics()
	srv.limiter = newRateLimiter(config.RateLimit, func() time.Time { return srv.now() })
	srv.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		srv.requests,
		&runCollector{history: history, timeout: config.ScrapeTimeout},
	)
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           h2c.NewHandler(srv.router, &http2.Server{}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.requests.middleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Use(s.authMiddleware)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/logs", s.handleRunManifest)
		r.Get("/runs/{id}/logs/{file}", s.handleRunLogFile)
		r.Get("/aggregate", s.handleAggregate)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

// Start begins listening for HTTP requests. Clients may speak HTTP/1.1 or
// cleartext HTTP/2.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr, "auth", s.config.AuthPublicKey != nil)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Read.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error(), "HISTORY_UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "archive": s.archive != nil})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"proto", r.Proto,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
