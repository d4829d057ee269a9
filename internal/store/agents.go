package store

import (
	"database/sql"
	"time"
)

func (s *SQLStore) UpsertAgent(a *ManagedAgent) error {
	_, err := s.exec(`INSERT INTO managed_agents (id, org_id, config, state, state_history,
		health, `+"`usage`"+`, version, created_at, updated_at, last_deployed_at, last_health_check_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+
		s.dialect.upsertClause("id", "org_id", "config", "state", "state_history",
			"health", "`usage`", "version", "updated_at", "last_deployed_at", "last_health_check_at"),
		a.ID, a.OrgID, marshalJSON(a.Config), string(a.State), marshalJSON(a.StateHistory),
		marshalJSON(a.Health), marshalJSON(a.Usage), a.Version,
		isoTime(a.CreatedAt), isoTime(a.UpdatedAt),
		isoTimePtr(a.LastDeployedAt), isoTimePtr(a.LastHealthCheckAt),
	)
	return err
}

func (s *SQLStore) GetAgent(id string) (*ManagedAgent, error) {
	a := &ManagedAgent{}
	var state, createdAt, updatedAt string
	var config, history, health, usage, deployedAt, checkedAt sql.NullString

	err := s.queryRow(`SELECT id, org_id, config, state, state_history, health, `+"`usage`"+`,
		version, created_at, updated_at, last_deployed_at, last_health_check_at
		FROM managed_agents WHERE id = ?`, id).Scan(
		&a.ID, &a.OrgID, &config, &state, &history, &health, &usage,
		&a.Version, &createdAt, &updatedAt, &deployedAt, &checkedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.State = AgentState(state)
	unmarshalJSON(config, &a.Config)
	unmarshalJSON(history, &a.StateHistory)
	unmarshalJSON(health, &a.Health)
	unmarshalJSON(usage, &a.Usage)
	a.CreatedAt = parseISO(createdAt)
	a.UpdatedAt = parseISO(updatedAt)
	a.LastDeployedAt = parseISOPtr(deployedAt)
	a.LastHealthCheckAt = parseISOPtr(checkedAt)
	return a, nil
}

func (s *SQLStore) ListAgents(orgID string) ([]*ManagedAgent, error) {
	q := `SELECT id FROM managed_agents ORDER BY created_at`
	var args []any
	if orgID != "" {
		q = `SELECT id FROM managed_agents WHERE org_id = ? ORDER BY created_at`
		args = append(args, orgID)
	}
	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*ManagedAgent, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAgent(id)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *SQLStore) DeleteAgent(id string) error {
	if _, err := s.exec(`DELETE FROM agent_state_history WHERE agent_id = ?`, id); err != nil {
		return err
	}
	_, err := s.exec(`DELETE FROM managed_agents WHERE id = ?`, id)
	return err
}

func (s *SQLStore) InsertStateTransition(agentID string, tr StateTransition) error {
	_, err := s.exec(`INSERT INTO agent_state_history (agent_id, from_state, to_state,
		reason, triggered_by, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agentID, string(tr.From), string(tr.To),
		nullStr(tr.Reason), tr.TriggeredBy, nullStr(tr.Error), isoTime(tr.Timestamp),
	)
	return err
}

func (s *SQLStore) ListStateTransitions(agentID string, limit int) ([]StateTransition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(`SELECT from_state, to_state, reason, triggered_by, error, timestamp
		FROM agent_state_history WHERE agent_id = ? ORDER BY seq DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateTransition
	for rows.Next() {
		var tr StateTransition
		var from, to, triggeredBy, ts string
		var reason, trErr sql.NullString
		if err := rows.Scan(&from, &to, &reason, &triggeredBy, &trErr, &ts); err != nil {
			return nil, err
		}
		tr.From = AgentState(from)
		tr.To = AgentState(to)
		tr.Reason = reason.String
		tr.TriggeredBy = triggeredBy
		tr.Error = trErr.String
		tr.Timestamp = parseISO(ts)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows come newest-first; callers want chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// --- Permission profiles ---

func (s *SQLStore) UpsertProfile(agentID string, p *PermissionProfile) error {
	_, err := s.exec(`INSERT INTO permission_profiles (agent_id, profile, updated_at)
		VALUES (?, ?, ?)`+
		s.dialect.upsertClause("agent_id", "profile", "updated_at"),
		agentID, marshalJSON(p), isoTime(time.Now()),
	)
	return err
}

func (s *SQLStore) GetProfile(agentID string) (*PermissionProfile, error) {
	var blob string
	err := s.queryRow(`SELECT profile FROM permission_profiles WHERE agent_id = ?`, agentID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := &PermissionProfile{}
	unmarshalJSON(sql.NullString{String: blob, Valid: true}, p)
	return p, nil
}

func (s *SQLStore) DeleteProfile(agentID string) error {
	_, err := s.exec(`DELETE FROM permission_profiles WHERE agent_id = ?`, agentID)
	return err
}
