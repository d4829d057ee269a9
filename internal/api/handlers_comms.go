package api

import (
	"net/http"

	"github.com/agenticmail/engine/internal/comms"
	"github.com/agenticmail/engine/internal/store"
)

// handleObserveMessage feeds one tool call through the communication
// observer without metering it. Used by runtimes that report usage out
// of band.
func (s *Server) handleObserveMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID   string         `json:"orgId"`
		AgentID string         `json:"agentId"`
		ToolID  string         `json:"toolId"`
		Params  map[string]any `json:"params"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrgID == "" || req.AgentID == "" || req.ToolID == "" {
		writeError(w, http.StatusBadRequest, "orgId, agentId and toolId are required")
		return
	}
	msgs, err := s.comms.ObserveToolCall(req.OrgID, req.AgentID, req.ToolID, req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeStatusJSON(w, http.StatusCreated, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.comms.Messages(store.MessageFilter{
		OrgID:     r.URL.Query().Get("orgId"),
		AgentID:   r.URL.Query().Get("agentId"),
		Direction: store.MessageDirection(r.URL.Query().Get("direction")),
		Channel:   r.URL.Query().Get("channel"),
		Since:     querySince(r),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"messages": messages})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.comms.GetTopology(comms.TopologyFilter{
		OrgID:   r.URL.Query().Get("orgId"),
		AgentID: r.URL.Query().Get("agentId"),
		Since:   querySince(r),
	}))
}
