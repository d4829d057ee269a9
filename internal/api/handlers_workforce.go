package api

import (
	"encoding/json"
	"net/http"

	"github.com/agenticmail/engine/internal/store"
)

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	sched := s.workforce.GetSchedule(agentID)
	if sched == nil {
		writeError(w, http.StatusNotFound, "no schedule for agent")
		return
	}
	writeJSON(w, s.workforce.AgentStatus(agentID))
}

func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request) {
	var sched store.WorkSchedule
	if !decodeBody(w, r, &sched) {
		return
	}
	sched.AgentID = r.PathValue("id")
	if agent := s.agents.GetAgent(sched.AgentID); agent != nil && sched.OrgID == "" {
		sched.OrgID = agent.OrgID
	}
	saved, err := s.workforce.SetSchedule(&sched)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, saved)
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.workforce.RemoveSchedule(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "removed"})
}

func (s *Server) handleClockIn(w http.ResponseWriter, r *http.Request) {
	if err := s.workforce.ClockIn(r.PathValue("id"), actor(r, "")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, s.workforce.AgentStatus(r.PathValue("id")))
}

func (s *Server) handleClockOut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeLoose(r, &req)
	if err := s.workforce.ClockOut(r.PathValue("id"), actor(r, ""), req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, s.workforce.AgentStatus(r.PathValue("id")))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.workforce.Tasks(r.PathValue("id"), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"tasks": tasks})
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string             `json:"title"`
		Description string             `json:"description"`
		Priority    store.TaskPriority `json:"priority"`
		Context     json.RawMessage    `json:"context"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	agentID := r.PathValue("id")
	orgID := ""
	if agent := s.agents.GetAgent(agentID); agent != nil {
		orgID = agent.OrgID
	}
	task, err := s.workforce.EnqueueTask(&store.QueuedTask{
		AgentID:     agentID,
		OrgID:       orgID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Context:     req.Context,
		Source:      actor(r, ""),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeStatusJSON(w, http.StatusCreated, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.workforce.CompleteTask(r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "completed"})
}

func (s *Server) handleWorkforceStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.workforce.OrgStatus(r.PathValue("orgId"))
	writeJSON(w, map[string]any{"agents": statuses, "total": len(statuses)})
}

func (s *Server) handleClockRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListClockRecords(store.ClockFilter{
		OrgID:   r.PathValue("orgId"),
		AgentID: r.URL.Query().Get("agentId"),
		Since:   querySince(r),
		Limit:   queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"records": records})
}
