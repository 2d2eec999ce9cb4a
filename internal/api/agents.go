// ABOUTME: Agent configuration endpoints
// ABOUTME: Create, list, and fetch the agent presets runs are dispatched against

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crewd/internal/store"
)

// CreateAgentRequest is the JSON request body for POST /api/v1/agents.
type CreateAgentRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTurns     int    `json:"max_turns,omitempty"`
}

// AgentResponse is the JSON shape of one agent.
type AgentResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTurns     int    `json:"max_turns"`
	CreatedAt    string `json:"created_at"`
}

func agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:           a.ID,
		Name:         a.Name,
		SystemPrompt: a.SystemPrompt,
		MaxTurns:     a.MaxTurns,
		CreatedAt:    a.CreatedAt.Format(time.RFC3339),
	}
}

// handleCreateAgent handles POST /api/v1/agents.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	a := &store.Agent{
		ID:           req.ID,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		MaxTurns:     req.MaxTurns,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	if err := s.store.CreateAgent(r.Context(), a); err != nil {
		s.logger.Error("creating agent failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusCreated, agentResponse(a))
}

// handleListAgents handles GET /api/v1/agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("listing agents failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]AgentResponse, len(agents))
	for i := range agents {
		out[i] = agentResponse(&agents[i])
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetAgent handles GET /api/v1/agents/{id}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrAgentNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.logger.Error("getting agent failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, agentResponse(a))
}
