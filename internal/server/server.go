// Package server exposes the operator HTTP surface: health, status,
// worker and task listings, forced sync, and a websocket event feed.
// The server is optional; it only runs when a listen address is
// configured.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/randalmurphal/boardflow/internal/events"
	"github.com/randalmurphal/boardflow/internal/planner"
	"github.com/randalmurphal/boardflow/internal/task"
	"github.com/randalmurphal/boardflow/internal/worker"
)

// Backend is the slice of the orchestrator the server reads from.
type Backend interface {
	Running() bool
	PlannerStatus() planner.Status
	PoolStatus() worker.PoolStatus
	Tasks(ctx context.Context) ([]task.Task, error)
	ForceSync(ctx context.Context)
}

// Server serves the operator API.
type Server struct {
	listen  string
	backend Backend
	ws      *WSHandler
	logger  *slog.Logger

	httpServer *http.Server
}

// New creates a Server. pub feeds the websocket event stream.
func New(listen string, backend Backend, pub events.Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		listen:  listen,
		backend: backend,
		ws:      NewWSHandler(pub, logger),
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/workers", s.handleWorkers)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.Handle("GET /ws/events", s.ws)

	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listen, err)
	}
	s.logger.Info("operator server listening", "addr", ln.Addr().String())

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops the server and closes websocket connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.backend.Running(),
		"planner": s.backend.PlannerStatus(),
		"pool":    s.backend.PoolStatus(),
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	st := s.backend.PoolStatus()
	workers := st.Workers
	if workers == nil {
		workers = []worker.Record{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.backend.Tasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.backend.ForceSync(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"synced": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
