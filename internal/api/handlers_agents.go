package api

import (
	"net/http"

	"github.com/agenticmail/engine/internal/lifecycle"
	"github.com/agenticmail/engine/internal/store"
)

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID     string            `json:"orgId"`
		Config    store.AgentConfig `json:"config"`
		CreatedBy string            `json:"createdBy"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	agent, err := s.agents.CreateAgent(req.OrgID, req.Config, actor(r, req.CreatedBy))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeStatusJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.GetAgentsByOrg(r.URL.Query().Get("orgId"))
	writeJSON(w, map[string]any{"agents": agents, "total": len(agents)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.agents.GetAgent(r.PathValue("id"))
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, agent)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		lifecycle.ConfigPatch
		Actor string `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	agent, err := s.agents.UpdateConfig(r.PathValue("id"), req.ConfigPatch, actor(r, req.Actor))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, agent)
}

func (s *Server) handleDeployAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Deploy(r.Context(), r.PathValue("id"), actor(r, ""))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, agent)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	// Body is optional on stop.
	_ = decodeLoose(r, &req)
	agent, err := s.agents.Stop(r.PathValue("id"), actor(r, req.Actor), req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, agent)
}

func (s *Server) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Restart(r.Context(), r.PathValue("id"), actor(r, ""))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, agent)
}

func (s *Server) handleHotUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		lifecycle.ConfigPatch
		Actor string `json:"actor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	agent, err := s.agents.HotUpdate(r.Context(), r.PathValue("id"), req.ConfigPatch, actor(r, req.Actor))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, agent)
}

func (s *Server) handlePauseAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Pause(r.PathValue("id"), actor(r, "")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Resume(r.PathValue("id"), actor(r, "")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "resumed"})
}

func (s *Server) handleDestroyAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Destroy(r.PathValue("id"), actor(r, "")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "destroyed"})
}

func (s *Server) handleStateHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.agents.StateHistory(r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"history": history})
}

func (s *Server) handleAgentUsage(w http.ResponseWriter, r *http.Request) {
	agent := s.agents.GetAgent(r.PathValue("id"))
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, map[string]any{"agentId": agent.ID, "usage": agent.Usage})
}

func (s *Server) handleOrgUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.agents.GetOrgUsage(r.PathValue("orgId")))
}
