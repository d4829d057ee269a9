package api

import (
	"net/http"

	"github.com/agenticmail/engine/internal/lifecycle"
	"github.com/agenticmail/engine/internal/store"
)

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	agent := s.agents.GetAgent(r.PathValue("id"))
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, map[string]any{"agentId": agent.ID, "budget": agent.Config.Budget})
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Budget *store.AgentBudget `json:"budget"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	agent, err := s.agents.SetBudget(r.PathValue("id"), req.Budget)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]any{"agentId": agent.ID, "budget": agent.Config.Budget})
}

// handleRecordToolCall is the runtime's usage-report entry point. Budget
// checks and tool-call events happen inside the lifecycle manager.
func (s *Server) handleRecordToolCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolID string         `json:"toolId"`
		Params map[string]any `json:"params,omitempty"`
		lifecycle.UsageReport
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ToolID == "" {
		writeError(w, http.StatusBadRequest, "toolId is required")
		return
	}
	agentID := r.PathValue("id")
	agent := s.agents.GetAgent(agentID)
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err := s.agents.RecordToolCall(agentID, req.ToolID, req.UsageReport); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Communication tools also feed the message graph.
	if s.comms != nil {
		if _, err := s.comms.ObserveToolCall(agent.OrgID, agentID, req.ToolID, req.Params); err != nil {
			s.logger.Warn("tool call not observable", "tool_id", req.ToolID, "error", err)
		}
	}
	writeJSON(w, map[string]string{"status": "recorded"})
}

func (s *Server) handleListBudgetAlerts(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "orgId query parameter is required")
		return
	}
	alerts, err := s.store.ListBudgetAlerts(orgID, r.URL.Query().Get("unacknowledged") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"alerts": alerts})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.store.AcknowledgeBudgetAlert(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleBudgetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.agents.GetOrgUsage(r.PathValue("orgId")))
}
