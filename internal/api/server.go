// ABOUTME: HTTP API server wiring for crewd
// ABOUTME: Routes run streaming, steering, task, channel, and admin endpoints

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/crewd/internal/channel"
	"github.com/2389/crewd/internal/scheduler"
	"github.com/2389/crewd/internal/steering"
	"github.com/2389/crewd/internal/store"
	"github.com/2389/crewd/internal/stream"
)

// Server exposes the crewd HTTP API. Any worker process can serve every
// endpoint; operations that need the leader or a run's owning worker
// degrade the way the channel manager and steering transport dictate.
type Server struct {
	store     *store.SQLiteStore
	streams   *stream.Registry
	steering  *steering.Transport
	manager   *channel.Manager
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	httpServer *http.Server
}

// Options configures a Server.
type Options struct {
	Addr string

	// MetricsPath, when set, serves Prometheus metrics at that path.
	MetricsPath string
}

// NewServer wires the API against its collaborators.
func NewServer(st *store.SQLiteStore, streams *stream.Registry, steer *steering.Transport, mgr *channel.Manager, sched *scheduler.Scheduler, opts Options) *Server {
	s := &Server{
		store:     st,
		streams:   streams,
		steering:  steer,
		manager:   mgr,
		scheduler: sched,
		logger:    slog.Default().With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:    opts.Addr,
		Handler: s.routes(opts.MetricsPath),
	}
	return s
}

// routes builds the request mux.
func (s *Server) routes(metricsPath string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /api/v1/runs/{id}/steer", s.handleSteerRun)

	mux.HandleFunc("POST /api/v1/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)

	mux.HandleFunc("POST /api/v1/bindings", s.handleCreateBinding)
	mux.HandleFunc("GET /api/v1/bindings", s.handleListBindings)
	mux.HandleFunc("GET /api/v1/bindings/{id}", s.handleGetBinding)
	mux.HandleFunc("PUT /api/v1/bindings/{id}", s.handleUpdateBinding)
	mux.HandleFunc("DELETE /api/v1/bindings/{id}", s.handleDeleteBinding)
	mux.HandleFunc("GET /api/v1/bindings/{id}/messages", s.handleBindingMessages)

	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PUT /api/v1/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/run", s.handleRunTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/pause", s.handlePauseTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/logs", s.handleTaskLogs)

	mux.HandleFunc("GET /api/v1/channels/status", s.handleChannelStatus)
	mux.HandleFunc("POST /api/v1/channels/{key}/restart", s.handleChannelRestart)

	if metricsPath != "" {
		mux.Handle("GET "+metricsPath, promhttp.Handler())
	}

	return mux
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
