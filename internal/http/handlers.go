package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/events"
	"github.com/nextlevelbuilder/agentrun/internal/scheduler"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"instanceId": s.instanceID,
	})
}

type planRequest struct {
	Description string `json:"description"`
	Context     string `json:"context,omitempty"`
}

// handlePlan runs the planner synchronously and kicks off execution in
// the background on the exec lane. The response is the main task as it
// stands after planning.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	main, err := s.planner.Plan(r.Context(), req.Description, req.Context)
	if err != nil {
		if main != nil {
			// Planning failed; the record carries the error.
			writeJSON(w, http.StatusUnprocessableEntity, main)
			return
		}
		s.writeTaskError(w, err)
		return
	}

	mainID := main.ID
	lane := s.lanes.Get(scheduler.LaneExec)
	if err := lane.Submit(context.WithoutCancel(r.Context()), func() {
		if err := s.exec.Execute(context.Background(), mainID); err != nil {
			slog.Error("plan execution failed", "task", mainID, "error", err)
		}
	}); err != nil {
		slog.Error("failed to schedule plan execution", "task", mainID, "error", err)
	}

	writeJSON(w, http.StatusOK, main)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in task.CreateTaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := s.manager.CreateTask(r.Context(), in)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parentId")
	status := r.URL.Query().Get("status")

	var tasks []*store.Task
	switch {
	case parentID != "":
		tasks = s.manager.GetSubtasks(parentID)
		if status != "" {
			filtered := tasks[:0]
			for _, t := range tasks {
				if t.Status == status {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
	case status != "":
		tasks = s.manager.GetTasksByStatus(status)
	default:
		tasks = s.manager.GetAllTasks()
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t := s.manager.GetTask(r.PathValue("id"))
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var changes map[string]any
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := s.manager.UpdateTask(r.Context(), r.PathValue("id"), changes)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		s.writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.manager.GetTask(id) == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	envelopes, err := s.log.Drain(r.Context(), id)
	if err != nil {
		slog.Error("failed to read event log", "task", id, "error", err)
		writeError(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	if envelopes == nil {
		envelopes = []events.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": envelopes})
}

// writeTaskError maps manager errors onto status codes: validation
// failures are the caller's fault, missing tasks are 404, the rest are
// server-side.
func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
