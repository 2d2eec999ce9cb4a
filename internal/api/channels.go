// ABOUTME: Channel adapter status and restart endpoints
// ABOUTME: A follower answers with assumed state rather than errors; ownership is topology, not failure

package api

import (
	"errors"
	"net/http"

	"github.com/2389/crewd/internal/channel"
)

// ChannelStatusResponse is the JSON response for GET /api/v1/channels/status.
type ChannelStatusResponse struct {
	Leader   bool                    `json:"leader"`
	Adapters []channel.AdapterStatus `json:"adapters"`
}

// handleChannelStatus handles GET /api/v1/channels/status.
func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	adapters := s.manager.Status()
	if adapters == nil {
		adapters = []channel.AdapterStatus{}
	}
	s.writeJSON(w, http.StatusOK, ChannelStatusResponse{
		Leader:   s.manager.IsLeader(),
		Adapters: adapters,
	})
}

// handleChannelRestart handles POST /api/v1/channels/{key}/restart.
// On the leader the adapter is reconnected before answering. A follower
// cannot touch the connection, so it acknowledges the request instead of
// failing it.
func (s *Server) handleChannelRestart(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	err := s.manager.RestartAdapter(r.Context(), key)
	if errors.Is(err, channel.ErrNotLeader) {
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"adapter": key,
			"status":  "acknowledged",
			"detail":  "adapter is owned by the leader process",
		})
		return
	}
	if errors.Is(err, channel.ErrAdapterNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "no adapter for channel")
		return
	}
	if err != nil {
		s.logger.Error("adapter restart failed", "adapter", key, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"adapter": key, "status": "restarted"})
}
