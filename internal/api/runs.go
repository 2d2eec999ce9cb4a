// ABOUTME: Run event streaming and steering endpoints
// ABOUTME: Streams a local run over SSE; steers local runs directly, remote ones through the filesystem queue

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/crewd/internal/store"
	"github.com/2389/crewd/internal/stream"
)

// SteerRequest is the JSON request body for POST /api/v1/runs/{id}/steer.
type SteerRequest struct {
	Text string `json:"text"`
}

// SteerResponse reports how a steering message was delivered.
type SteerResponse struct {
	RunID    string `json:"run_id"`
	Delivery string `json:"delivery"` // "local" or "queued"
}

// handleRunEvents handles GET /api/v1/runs/{id}/events.
// Streams the run's events as SSE until the stream closes. Only the
// worker owning the run holds its stream; a watcher landing elsewhere
// gets a JSON error telling it so.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	st, ok := s.streams.Get(runID)
	if !ok {
		s.rejectAbsentRun(w, r, runID, "run not owned by this worker")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for ev := range st.Consume(r.Context()) {
		s.writeSSEEvent(w, ev)
		flusher.Flush()
	}
}

// writeSSEEvent writes a single run event in SSE framing.
func (s *Server) writeSSEEvent(w http.ResponseWriter, ev stream.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshaling event failed", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", ev.Kind)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleSteerRun handles POST /api/v1/runs/{id}/steer.
// A run executing in this process gets the text injected directly; a run
// owned by another worker gets it through the steering directory, where
// that worker's drain loop picks it up.
func (s *Server) handleSteerRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var req SteerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		s.sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	if st, ok := s.streams.Get(runID); ok {
		st.Inject(req.Text)
		s.writeJSON(w, http.StatusAccepted, SteerResponse{RunID: runID, Delivery: "local"})
		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "no active run")
		return
	}
	if err != nil {
		s.logger.Error("run lookup failed", "run", runID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if run.Status != store.RunActive {
		s.sendJSONError(w, http.StatusConflict, "already completed")
		return
	}

	if err := s.steering.Submit(runID, req.Text); err != nil {
		s.logger.Error("queueing steering message failed", "run", runID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusAccepted, SteerResponse{RunID: runID, Delivery: "queued"})
}

// rejectAbsentRun answers a request for a run this worker does not hold,
// distinguishing runs that never existed, runs that already finished, and
// runs live on another worker.
func (s *Server) rejectAbsentRun(w http.ResponseWriter, r *http.Request, runID, activeElsewhereMsg string) {
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "no active run")
		return
	}
	if err != nil {
		s.logger.Error("run lookup failed", "run", runID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if run.Status != store.RunActive {
		s.sendJSONError(w, http.StatusConflict, "already completed")
		return
	}
	s.sendJSONError(w, http.StatusNotFound, activeElsewhereMsg)
}
