// Package http exposes the runtime over a small REST surface plus a
// websocket stream of task updates.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrun/internal/events"
	"github.com/nextlevelbuilder/agentrun/internal/executor"
	"github.com/nextlevelbuilder/agentrun/internal/planner"
	"github.com/nextlevelbuilder/agentrun/internal/scheduler"
	"github.com/nextlevelbuilder/agentrun/internal/task"
)

// Server wires the runtime's components behind HTTP handlers.
type Server struct {
	manager    *task.Manager
	planner    *planner.Planner
	exec       *executor.Executor
	log        events.Log
	lanes      *scheduler.LaneManager
	authToken  string
	instanceID string

	srv *http.Server
}

func NewServer(addr string, manager *task.Manager, pl *planner.Planner, exec *executor.Executor, log events.Log, lanes *scheduler.LaneManager, authToken string) *Server {
	s := &Server{
		manager:    manager,
		planner:    pl,
		exec:       exec,
		log:        log,
		lanes:      lanes,
		authToken:  authToken,
		instanceID: uuid.NewString(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /tasks/plan", s.handlePlan)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PUT /tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("GET /tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /tasks/{id}/stream", s.handleTaskStream)
	return s.auth(mux)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.srv.Addr, "instance", s.instanceID)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// auth enforces a bearer token on everything except /health. An empty
// configured token disables the check.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
