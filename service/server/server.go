package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP read API for settlements.
type Server struct {
	addr         string
	store        StoreInterface
	scheduler    temporal.ReplayScheduler
	replayBatch  int
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler is optional - if nil, the replay endpoint answers 503.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, store StoreInterface, scheduler temporal.ReplayScheduler, replayBatch int, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if replayBatch <= 0 {
		replayBatch = 100
	}
	return &Server{
		addr:         addr,
		store:        store,
		scheduler:    scheduler,
		replayBatch:  replayBatch,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed handler. Start uses it; tests call it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/settlements", "/api/v1/settlements", handleListSettlements(s.store, s.logger))
	route("GET /api/v1/settlements/failed", "/api/v1/settlements/failed", handleListFailed(s.store, s.logger))
	route("GET /api/v1/settlements/{hash}", "/api/v1/settlements/{hash}", handleGetSettlement(s.store, s.logger))
	route("POST /api/v1/settlements/failed/replay", "/api/v1/settlements/failed/replay", handleReplayFailed(s.scheduler, s.replayBatch, s.logger))
	route("GET /api/v1/stats", "/api/v1/stats", handleStats(s.store, s.logger))

	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/settlements/{address}", handleStreamSettlements(s.ssePublisher, s.logger))
		mux.Handle("GET /api/v1/stream/settlements", handleStreamSettlements(s.ssePublisher, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	}

	mux.Handle("GET /health", handleHealth(s.store, s.logger))

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
