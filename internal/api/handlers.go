package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/agenticmail/engine/internal/tenant"
)

// --- Organizations ---

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req tenant.CreateOrgRequest
	if !decodeBody(w, r, &req) {
		return
	}
	org, err := s.orgs.CreateOrg(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeStatusJSON(w, http.StatusCreated, org)
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"orgs": s.orgs.ListOrgs()})
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	org := s.orgs.GetOrg(r.PathValue("id"))
	if org == nil {
		org = s.orgs.GetOrgBySlug(r.PathValue("id"))
	}
	if org == nil {
		writeError(w, http.StatusNotFound, "organization not found")
		return
	}
	writeJSON(w, org)
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeStatusJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeBody parses the JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeLoose parses a JSON body, tolerating an absent one.
func decodeLoose(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}

func querySince(r *http.Request) *time.Time {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// actor resolves the acting user: explicit body field first, then the
// X-User-Id header, then "admin".
func actor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	return "admin"
}
