package store

import (
	"database/sql"
	"strings"
)

func (s *SQLStore) UpsertMessage(m *AgentMessage) error {
	_, err := s.exec(`INSERT INTO agent_messages (id, org_id, from_agent_id, to_agent_id, type,
		subject, content, metadata, status, priority, direction, channel, deadline,
		claimed_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+
		s.dialect.upsertClause("id", "status", "claimed_at", "completed_at", "metadata", "updated_at"),
		m.ID, m.OrgID, m.FromAgentID, m.ToAgentID, m.Type,
		nullStr(m.Subject), nullStr(m.Content), nullableJSON(m.Metadata),
		nullStr(m.Status), nullStr(m.Priority), string(m.Direction), m.Channel,
		isoTimePtr(m.Deadline), isoTimePtr(m.ClaimedAt), isoTimePtr(m.CompletedAt),
		isoTime(m.CreatedAt), isoTime(m.UpdatedAt),
	)
	return err
}

func (s *SQLStore) ListMessages(filter MessageFilter) ([]*AgentMessage, error) {
	var conds []string
	var args []any
	if filter.OrgID != "" {
		conds = append(conds, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "(from_agent_id = ? OR to_agent_id = ?)")
		args = append(args, filter.AgentID, filter.AgentID)
	}
	if filter.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, string(filter.Direction))
	}
	if filter.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, filter.Channel)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, isoTime(*filter.Since))
	}
	q := `SELECT id, org_id, from_agent_id, to_agent_id, type, subject, content, metadata,
		status, priority, direction, channel, deadline, claimed_at, completed_at,
		created_at, updated_at FROM agent_messages`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AgentMessage
	for rows.Next() {
		m := &AgentMessage{}
		var direction, createdAt, updatedAt string
		var subject, content, metadata, status, priority sql.NullString
		var deadline, claimedAt, completedAt sql.NullString
		if err := rows.Scan(&m.ID, &m.OrgID, &m.FromAgentID, &m.ToAgentID, &m.Type,
			&subject, &content, &metadata, &status, &priority, &direction, &m.Channel,
			&deadline, &claimedAt, &completedAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		m.Subject = subject.String
		m.Content = content.String
		m.Metadata = jsonOrNil(metadata)
		m.Status = status.String
		m.Priority = priority.String
		m.Direction = MessageDirection(direction)
		m.Deadline = parseISOPtr(deadline)
		m.ClaimedAt = parseISOPtr(claimedAt)
		m.CompletedAt = parseISOPtr(completedAt)
		m.CreatedAt = parseISO(createdAt)
		m.UpdatedAt = parseISO(updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
