package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coopernetes/github-event-router/pkg/config"
	"github.com/coopernetes/github-event-router/pkg/queue"
	"github.com/coopernetes/github-event-router/pkg/store"
	"github.com/coopernetes/github-event-router/pkg/telemetry"
)

const (
	readinessTimeout  = 2 * time.Second
	failureRateWindow = time.Hour
)

// Server wires the webhook receiver and the health and metrics endpoints
// onto one HTTP listener.
type Server struct {
	httpServer *http.Server
	repo       store.Repository
	q          queue.Queue
	monitoring config.MonitoringSettings
	logger     *slog.Logger
}

func New(cfg *config.Settings, receiver http.Handler, repo store.Repository, q queue.Queue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		repo:       repo,
		q:          q,
		monitoring: cfg.Monitoring,
		logger:     logger.With(slog.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /webhook/github", receiver)
	mux.HandleFunc("GET /healthz/live", s.handleLive)
	mux.HandleFunc("GET /healthz/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "up"})
}

// handleReady runs the readiness checks in order and reports the first
// failure: store reachable, at least one subscriber, queue depth below
// threshold, one-hour failure rate below threshold.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "down", "check": "store", "error": err.Error(),
		})
		return
	}

	subs, err := s.repo.ListSubscribers(ctx)
	if err != nil || len(subs) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "down", "check": "subscribers", "error": "no active subscribers",
		})
		return
	}

	stats, err := s.q.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "down", "check": "queue", "error": err.Error(),
		})
		return
	}
	telemetry.QueueDepth.Set(float64(stats.Approximate))
	if s.monitoring.QueueDepthThreshold > 0 && stats.Approximate > s.monitoring.QueueDepthThreshold {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "down", "check": "queue", "error": "queue depth above threshold",
			"depth": stats.Approximate,
		})
		return
	}

	failureRate, err := s.repo.FailureRate(ctx, failureRateWindow)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "down", "check": "failure_rate", "error": err.Error(),
		})
		return
	}
	if s.monitoring.FailureRateThreshold > 0 && failureRate > s.monitoring.FailureRateThreshold {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "down", "check": "failure_rate", "error": "failure rate above threshold",
			"failure_rate": failureRate,
		})
		return
	}

	eventStats, err := s.repo.EventStats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "down", "check": "store", "error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "up",
		"subscribers":  len(subs),
		"queue":        stats,
		"failure_rate": failureRate,
		"events":       eventStats,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
