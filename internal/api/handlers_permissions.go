package api

import (
	"net/http"
	"time"

	"github.com/agenticmail/engine/internal/permission"
	"github.com/agenticmail/engine/internal/store"
)

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"names":   permission.PresetNames(),
		"presets": permission.Presets(),
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile := s.permissions.Profile(r.PathValue("agentId"))
	if profile == nil {
		writeError(w, http.StatusNotFound, "no profile for agent")
		return
	}
	writeJSON(w, profile)
}

func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	var profile store.PermissionProfile
	if !decodeBody(w, r, &profile) {
		return
	}
	agentID := r.PathValue("agentId")
	if err := s.permissions.SetProfile(agentID, &profile); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, s.permissions.Profile(agentID))
}

func (s *Server) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Preset string `json:"preset"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	profile, err := s.permissions.ApplyPreset(r.PathValue("agentId"), req.Preset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, profile)
}

func (s *Server) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
		ToolID  string `json:"toolId"`
		Context struct {
			Time string `json:"time,omitempty"`
			IP   string `json:"ip,omitempty"`
		} `json:"context"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.ToolID == "" {
		writeError(w, http.StatusBadRequest, "agentId and toolId are required")
		return
	}
	ctx := permission.Context{IP: req.Context.IP}
	if req.Context.Time != "" {
		t, err := time.Parse(time.RFC3339, req.Context.Time)
		if err != nil {
			writeError(w, http.StatusBadRequest, "context.time must be RFC 3339")
			return
		}
		ctx.Time = &t
	}
	writeJSON(w, s.permissions.Check(req.AgentID, req.ToolID, ctx))
}

func (s *Server) handleAllowedTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.permissions.AllowedToolsFor(r.PathValue("agentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]any{"tools": tools})
}

func (s *Server) handleToolPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.permissions.GenerateToolPolicy(r.PathValue("agentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, policy)
}
