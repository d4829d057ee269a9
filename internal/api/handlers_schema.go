package api

import (
	"net/http"
)

// handleRegisterTable creates a namespaced ext_ extension table.
func (s *Server) handleRegisterTable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Columns string `json:"columns"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	table, err := s.store.RegisterTable(req.Name, req.Columns)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeStatusJSON(w, http.StatusCreated, map[string]string{"table": table})
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.store.ListExtTables()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"tables": tables})
}

// handleSchemaQuery runs raw SQL. SELECTs may read anything; mutations
// are restricted to ext_ tables by the store.
func (s *Server) handleSchemaQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query   string `json:"query"`
		Args    []any  `json:"args"`
		Execute bool   `json:"execute"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Execute {
		affected, err := s.store.Execute(req.Query, req.Args...)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, map[string]any{"rowsAffected": affected})
		return
	}
	rows, err := s.store.Query(req.Query, req.Args...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]any{"rows": rows})
}
