package store

import (
	"database/sql"
	"strings"
)

func (s *SQLStore) UpsertApproval(a *ApprovalRequest) error {
	var decision any
	if a.Decision != nil {
		decision = marshalJSON(a.Decision)
	}
	_, err := s.exec(`INSERT INTO approval_requests (id, agent_id, agent_name, org_id, tool_id,
		tool_name, reason, risk_level, side_effects, parameters, context, status, decision,
		expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+
		s.dialect.upsertClause("id", "status", "decision"),
		a.ID, a.AgentID, nullStr(a.AgentName), a.OrgID, a.ToolID,
		nullStr(a.ToolName), nullStr(a.Reason), string(a.RiskLevel),
		marshalJSON(a.SideEffects), nullableJSON(a.Parameters), nullableJSON(a.Context),
		string(a.Status), decision, isoTime(a.ExpiresAt), isoTime(a.CreatedAt),
	)
	return err
}

func (s *SQLStore) GetApproval(id string) (*ApprovalRequest, error) {
	row := s.queryRow(`SELECT id, agent_id, agent_name, org_id, tool_id, tool_name, reason,
		risk_level, side_effects, parameters, context, status, decision, expires_at, created_at
		FROM approval_requests WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	a := &ApprovalRequest{}
	var riskLevel, status, expiresAt, createdAt string
	var agentName, toolName, reason, sideEffects, params, ctx, decision sql.NullString

	err := row.Scan(&a.ID, &a.AgentID, &agentName, &a.OrgID, &a.ToolID, &toolName, &reason,
		&riskLevel, &sideEffects, &params, &ctx, &status, &decision, &expiresAt, &createdAt)
	if err != nil {
		return nil, err
	}

	a.AgentName = agentName.String
	a.ToolName = toolName.String
	a.Reason = reason.String
	a.RiskLevel = RiskLevel(riskLevel)
	unmarshalJSON(sideEffects, &a.SideEffects)
	a.Parameters = jsonOrNil(params)
	a.Context = jsonOrNil(ctx)
	a.Status = ApprovalStatus(status)
	if decision.Valid && decision.String != "" {
		a.Decision = &ApprovalDecision{}
		unmarshalJSON(decision, a.Decision)
	}
	a.ExpiresAt = parseISO(expiresAt)
	a.CreatedAt = parseISO(createdAt)
	return a, nil
}

func (s *SQLStore) ListApprovals(filter ApprovalFilter) ([]*ApprovalRequest, error) {
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
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	q := `SELECT id, agent_id, agent_name, org_id, tool_id, tool_name, reason,
		risk_level, side_effects, parameters, context, status, decision, expires_at, created_at
		FROM approval_requests`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Approval policies ---

func (s *SQLStore) UpsertApprovalPolicy(p *ApprovalPolicy) error {
	autoDeny := 0
	if p.AutoDenyOnTimeout {
		autoDeny = 1
	}
	_, err := s.exec(`INSERT INTO approval_policies (id, org_id, name, priority, tool_patterns,
		risk_levels, side_effects, condition_expr, approvers, timeout_minutes, auto_deny_on_timeout)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+
		s.dialect.upsertClause("id", "org_id", "name", "priority", "tool_patterns",
			"risk_levels", "side_effects", "condition_expr", "approvers",
			"timeout_minutes", "auto_deny_on_timeout"),
		p.ID, p.OrgID, p.Name, p.Priority, marshalJSON(p.ToolPatterns),
		marshalJSON(p.RiskLevels), marshalJSON(p.SideEffects), nullStr(p.Condition),
		marshalJSON(p.Approvers), p.TimeoutMinutes, autoDeny,
	)
	return err
}

func (s *SQLStore) ListApprovalPolicies(orgID string) ([]*ApprovalPolicy, error) {
	q := `SELECT id, org_id, name, priority, tool_patterns, risk_levels,
		side_effects, condition_expr, approvers, timeout_minutes, auto_deny_on_timeout
		FROM approval_policies`
	var args []any
	if orgID != "" {
		q += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	rows, err := s.query(q+` ORDER BY priority DESC, name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApprovalPolicy
	for rows.Next() {
		p := &ApprovalPolicy{}
		var patterns, risks, effects, cond, approvers sql.NullString
		var autoDeny int
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Priority, &patterns, &risks,
			&effects, &cond, &approvers, &p.TimeoutMinutes, &autoDeny); err != nil {
			return nil, err
		}
		unmarshalJSON(patterns, &p.ToolPatterns)
		unmarshalJSON(risks, &p.RiskLevels)
		unmarshalJSON(effects, &p.SideEffects)
		p.Condition = cond.String
		unmarshalJSON(approvers, &p.Approvers)
		p.AutoDenyOnTimeout = autoDeny != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteApprovalPolicy(id string) error {
	_, err := s.exec(`DELETE FROM approval_policies WHERE id = ?`, id)
	return err
}
