package store

import (
	"database/sql"
	"strings"
)

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) UpsertSchedule(w *WorkSchedule) error {
	_, err := s.exec(`INSERT INTO work_schedules (id, agent_id, org_id, timezone, schedule_type,
		config, enforce_clock_in, enforce_clock_out, auto_wake_enabled, off_hours_action,
		grace_period_minutes, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+
		s.dialect.upsertClause("id", "timezone", "schedule_type", "config",
			"enforce_clock_in", "enforce_clock_out", "auto_wake_enabled", "off_hours_action",
			"grace_period_minutes", "enabled", "updated_at"),
		w.ID, w.AgentID, w.OrgID, w.Timezone, string(w.ScheduleType),
		marshalJSON(w.Config), boolInt(w.EnforceClockIn), boolInt(w.EnforceClockOut),
		boolInt(w.AutoWakeEnabled), string(w.OffHoursAction),
		w.GracePeriodMinutes, boolInt(w.Enabled),
		isoTime(w.CreatedAt), isoTime(w.UpdatedAt),
	)
	return err
}

func scanSchedule(row rowScanner) (*WorkSchedule, error) {
	w := &WorkSchedule{}
	var schedType, offHours, createdAt, updatedAt string
	var config sql.NullString
	var clockIn, clockOut, autoWake, enabled int

	err := row.Scan(&w.ID, &w.AgentID, &w.OrgID, &w.Timezone, &schedType, &config,
		&clockIn, &clockOut, &autoWake, &offHours, &w.GracePeriodMinutes, &enabled,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	w.ScheduleType = ScheduleType(schedType)
	unmarshalJSON(config, &w.Config)
	w.EnforceClockIn = clockIn != 0
	w.EnforceClockOut = clockOut != 0
	w.AutoWakeEnabled = autoWake != 0
	w.OffHoursAction = OffHoursAction(offHours)
	w.Enabled = enabled != 0
	w.CreatedAt = parseISO(createdAt)
	w.UpdatedAt = parseISO(updatedAt)
	return w, nil
}

const scheduleCols = `id, agent_id, org_id, timezone, schedule_type, config,
	enforce_clock_in, enforce_clock_out, auto_wake_enabled, off_hours_action,
	grace_period_minutes, enabled, created_at, updated_at`

func (s *SQLStore) GetScheduleByAgent(agentID string) (*WorkSchedule, error) {
	row := s.queryRow(`SELECT `+scheduleCols+` FROM work_schedules WHERE agent_id = ?`, agentID)
	w, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *SQLStore) ListSchedules(orgID string) ([]*WorkSchedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM work_schedules`
	var args []any
	if orgID != "" {
		q += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	q += ` ORDER BY created_at`
	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkSchedule
	for rows.Next() {
		w, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSchedule(id string) error {
	_, err := s.exec(`DELETE FROM work_schedules WHERE id = ?`, id)
	return err
}

// --- Clock records ---

func (s *SQLStore) InsertClockRecord(r *ClockRecord) error {
	_, err := s.exec(`INSERT INTO clock_records (id, agent_id, org_id, type, triggered_by,
		scheduled_at, actual_at, reason, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, r.OrgID, string(r.Type), r.TriggeredBy,
		isoTimePtr(r.ScheduledAt), isoTime(r.ActualAt), nullStr(r.Reason),
		nullableJSON(r.Metadata),
	)
	return err
}

func (s *SQLStore) ListClockRecords(filter ClockFilter) ([]*ClockRecord, error) {
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
		conds = append(conds, "actual_at >= ?")
		args = append(args, isoTime(*filter.Since))
	}
	q := `SELECT id, agent_id, org_id, type, triggered_by, scheduled_at, actual_at, reason, metadata
		FROM clock_records`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY actual_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ClockRecord
	for rows.Next() {
		r := &ClockRecord{}
		var typ, triggeredBy, actualAt string
		var scheduledAt, reason, metadata sql.NullString
		if err := rows.Scan(&r.ID, &r.AgentID, &r.OrgID, &typ, &triggeredBy,
			&scheduledAt, &actualAt, &reason, &metadata); err != nil {
			return nil, err
		}
		r.Type = ClockEventType(typ)
		r.TriggeredBy = triggeredBy
		r.ScheduledAt = parseISOPtr(scheduledAt)
		r.ActualAt = parseISO(actualAt)
		r.Reason = reason.String
		r.Metadata = jsonOrNil(metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Task queue ---

func (s *SQLStore) UpsertTask(t *QueuedTask) error {
	_, err := s.exec(`INSERT INTO task_queue (id, agent_id, org_id, type, title, description,
		context, priority, status, source, scheduled_for, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+
		s.dialect.upsertClause("id", "title", "description", "context", "priority",
			"status", "scheduled_for", "started_at", "completed_at"),
		t.ID, t.AgentID, t.OrgID, t.Type, t.Title, nullStr(t.Description),
		nullableJSON(t.Context), string(t.Priority), t.Status, nullStr(t.Source),
		isoTimePtr(t.ScheduledFor), isoTimePtr(t.StartedAt), isoTimePtr(t.CompletedAt),
		isoTime(t.CreatedAt),
	)
	return err
}

const taskCols = `id, agent_id, org_id, type, title, description, context, priority,
	status, source, scheduled_for, started_at, completed_at, created_at`

func scanTask(row rowScanner) (*QueuedTask, error) {
	t := &QueuedTask{}
	var priority, createdAt string
	var description, taskCtx, source, scheduledFor, startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &t.AgentID, &t.OrgID, &t.Type, &t.Title, &description,
		&taskCtx, &priority, &t.Status, &source, &scheduledFor, &startedAt, &completedAt,
		&createdAt)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.Context = jsonOrNil(taskCtx)
	t.Priority = TaskPriority(priority)
	t.Source = source.String
	t.ScheduledFor = parseISOPtr(scheduledFor)
	t.StartedAt = parseISOPtr(startedAt)
	t.CompletedAt = parseISOPtr(completedAt)
	t.CreatedAt = parseISO(createdAt)
	return t, nil
}

func (s *SQLStore) GetTask(id string) (*QueuedTask, error) {
	row := s.queryRow(`SELECT `+taskCols+` FROM task_queue WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTasks returns an agent's tasks. Ordering by priority is done by the
// caller since priorities are ordinal names, not numbers.
func (s *SQLStore) ListTasks(agentID, status string) ([]*QueuedTask, error) {
	var conds []string
	var args []any
	if agentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, agentID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	q := `SELECT ` + taskCols + ` FROM task_queue`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at"

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueuedTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteTasksByAgent(agentID string) error {
	_, err := s.exec(`DELETE FROM task_queue WHERE agent_id = ?`, agentID)
	return err
}
