package store

import (
	"database/sql"
	"strings"
)

func (s *SQLStore) InsertToolCall(r *ToolCallRecord) error {
	_, err := s.exec(`INSERT INTO tool_calls (id, org_id, agent_id, tool_id, timestamp,
		tokens_used, cost_usd, external, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrgID, r.AgentID, r.ToolID, isoTime(r.Timestamp),
		r.TokensUsed, r.CostUSD, boolInt(r.External), nullStr(r.Error),
	)
	return err
}

func (s *SQLStore) ListToolCalls(filter ActivityFilter) ([]*ToolCallRecord, error) {
	var conds []string
	var args []any
	if filter.OrgID != "" {
		conds = append(conds, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, isoTime(*filter.Since))
	}
	q := `SELECT id, org_id, agent_id, tool_id, timestamp, tokens_used, cost_usd, external, error
		FROM tool_calls`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ToolCallRecord
	for rows.Next() {
		r := &ToolCallRecord{}
		var ts string
		var external int
		var callErr sql.NullString
		if err := rows.Scan(&r.ID, &r.OrgID, &r.AgentID, &r.ToolID, &ts,
			&r.TokensUsed, &r.CostUSD, &external, &callErr); err != nil {
			return nil, err
		}
		r.Timestamp = parseISO(ts)
		r.External = external != 0
		r.Error = callErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertActivityEvent(e *ActivityEvent) error {
	_, err := s.exec(`INSERT INTO activity_events (id, type, org_id, agent_id, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, nullStr(e.OrgID), nullStr(e.AgentID), isoTime(e.Timestamp),
		nullableJSON(e.Data),
	)
	return err
}

func (s *SQLStore) ListActivityEvents(filter ActivityFilter) ([]*ActivityEvent, error) {
	var conds []string
	var args []any
	if filter.OrgID != "" {
		conds = append(conds, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, isoTime(*filter.Since))
	}
	q := `SELECT id, type, org_id, agent_id, timestamp, data FROM activity_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActivityEvent
	for rows.Next() {
		e := &ActivityEvent{}
		var ts string
		var orgID, agentID, data sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &orgID, &agentID, &ts, &data); err != nil {
			return nil, err
		}
		e.OrgID = orgID.String
		e.AgentID = agentID.String
		e.Timestamp = parseISO(ts)
		e.Data = jsonOrNil(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Budget alerts ---

func (s *SQLStore) InsertBudgetAlert(a *BudgetAlert) error {
	_, err := s.exec(`INSERT INTO budget_alerts (id, org_id, agent_id, kind, counter,
		period_key, message, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrgID, nullStr(a.AgentID), a.Kind, a.Counter,
		a.PeriodKey, nullStr(a.Message), boolInt(a.Acknowledged), isoTime(a.CreatedAt),
	)
	return err
}

func (s *SQLStore) HasBudgetAlert(agentID, kind, periodKey string) (bool, error) {
	var n int
	err := s.queryRow(`SELECT COUNT(*) FROM budget_alerts
		WHERE agent_id = ? AND kind = ? AND period_key = ?`,
		agentID, kind, periodKey).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ListBudgetAlerts(orgID string, unacknowledgedOnly bool) ([]*BudgetAlert, error) {
	q := `SELECT id, org_id, agent_id, kind, counter, period_key, message, acknowledged, created_at
		FROM budget_alerts WHERE org_id = ?`
	if unacknowledgedOnly {
		q += ` AND acknowledged = 0`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.query(q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BudgetAlert
	for rows.Next() {
		a := &BudgetAlert{}
		var createdAt string
		var agentID, message sql.NullString
		var ack int
		if err := rows.Scan(&a.ID, &a.OrgID, &agentID, &a.Kind, &a.Counter,
			&a.PeriodKey, &message, &ack, &createdAt); err != nil {
			return nil, err
		}
		a.AgentID = agentID.String
		a.Message = message.String
		a.Acknowledged = ack != 0
		a.CreatedAt = parseISO(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) AcknowledgeBudgetAlert(id string) error {
	_, err := s.exec(`UPDATE budget_alerts SET acknowledged = 1 WHERE id = ?`, id)
	return err
}
