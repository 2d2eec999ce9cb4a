// ABOUTME: Scheduled task endpoints
// ABOUTME: Schedule descriptors are validated synchronously before anything is stored

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crewd/internal/scheduler"
	"github.com/2389/crewd/internal/store"
)

// TaskRequest is the JSON request body for task create and update.
type TaskRequest struct {
	Name          string `json:"name"`
	AgentID       string `json:"agent_id"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	BindingID     string `json:"binding_id,omitempty"`
	MaxRuns       int    `json:"max_runs,omitempty"`
}

// TaskResponse is the JSON shape of one scheduled task.
type TaskResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	AgentID       string `json:"agent_id"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	SessionID     string `json:"session_id,omitempty"`
	BindingID     string `json:"binding_id,omitempty"`
	Status        string `json:"status"`
	NextRun       string `json:"next_run,omitempty"`
	LastRun       string `json:"last_run,omitempty"`
	RunCount      int    `json:"run_count"`
	MaxRuns       int    `json:"max_runs,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func taskResponse(t *store.ScheduledTask) TaskResponse {
	resp := TaskResponse{
		ID:            t.ID,
		Name:          t.Name,
		AgentID:       t.AgentID,
		Prompt:        t.Prompt,
		ScheduleType:  t.ScheduleType,
		ScheduleValue: t.ScheduleValue,
		ContextMode:   t.ContextMode,
		SessionID:     t.SessionID,
		BindingID:     t.BindingID,
		Status:        t.Status,
		RunCount:      t.RunCount,
		MaxRuns:       t.MaxRuns,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     t.UpdatedAt.Format(time.RFC3339),
	}
	if t.NextRun != nil {
		resp.NextRun = t.NextRun.Format(time.RFC3339)
	}
	if t.LastRun != nil {
		resp.LastRun = t.LastRun.Format(time.RFC3339)
	}
	return resp
}

// handleCreateTask handles POST /api/v1/tasks.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.AgentID == "" || req.Prompt == "" {
		s.sendJSONError(w, http.StatusBadRequest, "name, agent_id, and prompt are required")
		return
	}
	if err := scheduler.ValidateSchedule(req.ScheduleType, req.ScheduleValue); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	next, err := scheduler.NextRun(req.ScheduleType, req.ScheduleValue, time.Now())
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := &store.ScheduledTask{
		ID:            uuid.NewString(),
		Name:          req.Name,
		AgentID:       req.AgentID,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   req.ContextMode,
		SessionID:     req.SessionID,
		BindingID:     req.BindingID,
		MaxRuns:       req.MaxRuns,
		NextRun:       &next,
	}

	if err := s.store.CreateTask(r.Context(), t); err != nil {
		s.taskWriteError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, taskResponse(t))
}

// handleListTasks handles GET /api/v1/tasks with an optional status
// filter.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.logger.Error("listing tasks failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]TaskResponse, len(tasks))
	for i := range tasks {
		out[i] = taskResponse(&tasks[i])
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetTask handles GET /api/v1/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrTaskNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("getting task failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, taskResponse(t))
}

// handleUpdateTask handles PUT /api/v1/tasks/{id}. Fields absent from
// the body keep their stored values; a changed schedule recomputes the
// next occurrence.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrTaskNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("getting task failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != "" {
		t.Name = req.Name
	}
	if req.AgentID != "" {
		t.AgentID = req.AgentID
	}
	if req.Prompt != "" {
		t.Prompt = req.Prompt
	}
	if req.ContextMode != "" {
		t.ContextMode = req.ContextMode
	}
	if req.SessionID != "" {
		t.SessionID = req.SessionID
	}
	if req.BindingID != "" {
		t.BindingID = req.BindingID
	}
	if req.MaxRuns != 0 {
		t.MaxRuns = req.MaxRuns
	}

	if req.ScheduleType != "" || req.ScheduleValue != "" {
		if req.ScheduleType != "" {
			t.ScheduleType = req.ScheduleType
		}
		if req.ScheduleValue != "" {
			t.ScheduleValue = req.ScheduleValue
		}
		if err := scheduler.ValidateSchedule(t.ScheduleType, t.ScheduleValue); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		next, err := scheduler.NextRun(t.ScheduleType, t.ScheduleValue, time.Now())
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		t.NextRun = &next
	}

	if err := s.store.UpdateTask(r.Context(), t); err != nil {
		s.taskWriteError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskResponse(t))
}

// handleDeleteTask handles DELETE /api/v1/tasks/{id}.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrTaskNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("deleting task failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunTask handles POST /api/v1/tasks/{id}/run.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.scheduler.RunNow(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.sendJSONError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "dispatched"})
}

// handlePauseTask handles POST /api/v1/tasks/{id}/pause.
func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.scheduler.Pause(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("pausing task failed", "task", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": store.TaskPaused})
}

// handleResumeTask handles POST /api/v1/tasks/{id}/resume.
func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.scheduler.Resume(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if errors.Is(err, scheduler.ErrInvalidSchedule) {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("resuming task failed", "task", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": store.TaskActive})
}

// RunLogResponse is the JSON shape of one task run log entry.
type RunLogResponse struct {
	ID            string `json:"id"`
	TaskID        string `json:"task_id"`
	StartedAt     string `json:"started_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
	Status        string `json:"status"`
	ResultSummary string `json:"result_summary,omitempty"`
	Error         string `json:"error,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// handleTaskLogs handles GET /api/v1/tasks/{id}/logs, newest first.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("getting task failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	logs, err := s.store.ListRunLogs(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing run logs failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]RunLogResponse, len(logs))
	for i, l := range logs {
		out[i] = RunLogResponse{
			ID:            l.ID,
			TaskID:        l.TaskID,
			StartedAt:     l.StartedAt.Format(time.RFC3339),
			DurationMS:    l.DurationMS,
			Status:        l.Status,
			ResultSummary: l.ResultSummary,
			Error:         l.Error,
			TraceID:       l.TraceID,
		}
		if l.CompletedAt != nil {
			out[i].CompletedAt = l.CompletedAt.Format(time.RFC3339)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// taskWriteError maps store task errors onto HTTP statuses.
func (s *Server) taskWriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrAgentNotFound):
		s.sendJSONError(w, http.StatusBadRequest, "agent not found")
	case errors.Is(err, store.ErrDuplicateTaskName):
		s.sendJSONError(w, http.StatusConflict, "task name already exists")
	case errors.Is(err, store.ErrTaskNotFound):
		s.sendJSONError(w, http.StatusNotFound, "task not found")
	default:
		s.logger.Error("task write failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
