// ABOUTME: Channel binding endpoints
// ABOUTME: Binding writes notify the channel manager so adapters follow the configuration

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/crewd/internal/store"
)

// BindingRequest is the JSON request body for binding create and update.
type BindingRequest struct {
	ChannelType    string            `json:"channel_type"`
	ExternalID     string            `json:"external_id"`
	Name           string            `json:"name"`
	AgentID        string            `json:"agent_id"`
	TriggerPattern string            `json:"trigger_pattern,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
}

// BindingResponse is the JSON shape of one binding.
type BindingResponse struct {
	ID             string            `json:"id"`
	ChannelType    string            `json:"channel_type"`
	ExternalID     string            `json:"external_id"`
	Name           string            `json:"name"`
	AgentID        string            `json:"agent_id"`
	TriggerPattern string            `json:"trigger_pattern,omitempty"`
	Enabled        bool              `json:"enabled"`
	Config         map[string]string `json:"config,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

func bindingResponse(b *store.Binding) BindingResponse {
	return BindingResponse{
		ID:             b.ID,
		ChannelType:    b.ChannelType,
		ExternalID:     b.ExternalID,
		Name:           b.Name,
		AgentID:        b.AgentID,
		TriggerPattern: b.TriggerPattern,
		Enabled:        b.Enabled,
		Config:         b.Config,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      b.UpdatedAt.Format(time.RFC3339),
	}
}

// handleCreateBinding handles POST /api/v1/bindings.
func (s *Server) handleCreateBinding(w http.ResponseWriter, r *http.Request) {
	var req BindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelType == "" || req.ExternalID == "" || req.AgentID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "channel_type, external_id, and agent_id are required")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	b := &store.Binding{
		ID:             uuid.NewString(),
		ChannelType:    req.ChannelType,
		ExternalID:     req.ExternalID,
		Name:           req.Name,
		AgentID:        req.AgentID,
		TriggerPattern: req.TriggerPattern,
		Enabled:        enabled,
		Config:         req.Config,
	}

	if err := s.store.CreateBinding(r.Context(), b); err != nil {
		s.bindingWriteError(w, err)
		return
	}

	if err := s.manager.OnBindingCreated(r.Context(), b); err != nil {
		s.logger.Error("adapter bring-up failed", "binding", b.ID, "error", err)
	}
	s.writeJSON(w, http.StatusCreated, bindingResponse(b))
}

// handleListBindings handles GET /api/v1/bindings with optional
// channel_type, agent_id, and enabled filters.
func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	var filter store.BindingFilter
	if ct := r.URL.Query().Get("channel_type"); ct != "" {
		filter.ChannelType = &ct
	}
	if aid := r.URL.Query().Get("agent_id"); aid != "" {
		filter.AgentID = &aid
	}
	if r.URL.Query().Get("enabled") == "true" {
		filter.EnabledOnly = true
	}

	bindings, err := s.store.ListBindings(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing bindings failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]BindingResponse, len(bindings))
	for i := range bindings {
		out[i] = bindingResponse(&bindings[i])
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetBinding handles GET /api/v1/bindings/{id}.
func (s *Server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBinding(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrBindingNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "binding not found")
		return
	}
	if err != nil {
		s.logger.Error("getting binding failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, bindingResponse(b))
}

// handleUpdateBinding handles PUT /api/v1/bindings/{id}. Fields absent
// from the body keep their stored values.
func (s *Server) handleUpdateBinding(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBinding(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrBindingNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "binding not found")
		return
	}
	if err != nil {
		s.logger.Error("getting binding failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var req BindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != "" {
		b.Name = req.Name
	}
	if req.AgentID != "" {
		b.AgentID = req.AgentID
	}
	if req.TriggerPattern != "" {
		b.TriggerPattern = req.TriggerPattern
	}
	if req.Config != nil {
		b.Config = req.Config
	}
	if req.Enabled != nil {
		b.Enabled = *req.Enabled
	}

	if err := s.store.UpdateBinding(r.Context(), b); err != nil {
		s.bindingWriteError(w, err)
		return
	}

	if err := s.manager.OnBindingChanged(r.Context(), b); err != nil {
		s.logger.Error("adapter reconcile failed", "binding", b.ID, "error", err)
	}
	s.writeJSON(w, http.StatusOK, bindingResponse(b))
}

// handleDeleteBinding handles DELETE /api/v1/bindings/{id}.
func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.store.GetBinding(r.Context(), id)
	if errors.Is(err, store.ErrBindingNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "binding not found")
		return
	}
	if err != nil {
		s.logger.Error("getting binding failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := s.store.DeleteBinding(r.Context(), id); err != nil {
		s.logger.Error("deleting binding failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := s.manager.OnBindingDeleted(r.Context(), b); err != nil {
		s.logger.Error("adapter teardown failed", "binding", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// MessageResponse is the JSON shape of one recorded channel message.
type MessageResponse struct {
	ID                string `json:"id"`
	Direction         string `json:"direction"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	SenderID          string `json:"sender_id,omitempty"`
	SenderName        string `json:"sender_name,omitempty"`
	Content           string `json:"content"`
	MessageType       string `json:"message_type"`
	CreatedAt         string `json:"created_at"`
}

// handleBindingMessages handles GET /api/v1/bindings/{id}/messages.
// Returns the newest messages first, optionally limited by ?limit=N.
func (s *Server) handleBindingMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetBinding(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrBindingNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "binding not found")
			return
		}
		s.logger.Error("getting binding failed", "error", err)
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

	messages, err := s.store.ListChannelMessages(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing messages failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]MessageResponse, len(messages))
	for i, m := range messages {
		out[i] = MessageResponse{
			ID:                m.ID,
			Direction:         m.Direction,
			ExternalMessageID: m.ExternalMessageID,
			SenderID:          m.SenderID,
			SenderName:        m.SenderName,
			Content:           m.Content,
			MessageType:       m.MessageType,
			CreatedAt:         m.CreatedAt.Format(time.RFC3339),
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// bindingWriteError maps store binding errors onto HTTP statuses.
func (s *Server) bindingWriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrAgentNotFound):
		s.sendJSONError(w, http.StatusBadRequest, "agent not found")
	case errors.Is(err, store.ErrInvalidTriggerExpr):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicateChannel), errors.Is(err, store.ErrDuplicateWildcard):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrBindingNotFound):
		s.sendJSONError(w, http.StatusNotFound, "binding not found")
	default:
		s.logger.Error("binding write failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
