package api

import (
	"net/http"

	"github.com/agenticmail/engine/internal/approval"
	"github.com/agenticmail/engine/internal/store"
)

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var req approval.RequestInput
	if !decodeBody(w, r, &req) {
		return
	}
	ar, err := s.approvals.Request(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeStatusJSON(w, http.StatusCreated, ar)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.approvals.GetPending(r.URL.Query().Get("agentId"))
	writeJSON(w, map[string]any{"approvals": pending, "total": len(pending)})
}

func (s *Server) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.approvals.GetHistory(store.ApprovalFilter{
		OrgID:   r.URL.Query().Get("orgId"),
		AgentID: r.URL.Query().Get("agentId"),
		Status:  store.ApprovalStatus(r.URL.Query().Get("status")),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"approvals": history})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	ar, err := s.approvals.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ar == nil {
		writeError(w, http.StatusNotFound, "approval request not found")
		return
	}
	writeJSON(w, ar)
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve bool   `json:"approve"`
		By      string `json:"by"`
		Reason  string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ar, err := s.approvals.Decide(r.PathValue("id"), req.Approve, actor(r, req.By), req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, ar)
}

func (s *Server) handleListApprovalPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"policies": s.approvals.ListPolicies(r.URL.Query().Get("orgId"))})
}

func (s *Server) handleSetApprovalPolicy(w http.ResponseWriter, r *http.Request) {
	var policy store.ApprovalPolicy
	if !decodeBody(w, r, &policy) {
		return
	}
	if err := s.approvals.SetPolicy(&policy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeStatusJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleDeleteApprovalPolicy(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if err := s.approvals.DeletePolicy(orgID, r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}
