package store

import (
	"fmt"
	"strings"
	"time"
)

// migration is one schema step. DDL is written in SQLite flavor and
// rewritten per dialect before execution.
type migration struct {
	Version int
	Name    string
	DDL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "core tables",
		DDL: `
		CREATE TABLE IF NOT EXISTS organizations (
			id              TEXT PRIMARY KEY,
			slug            TEXT NOT NULL,
			name            TEXT NOT NULL,
			plan            TEXT NOT NULL,
			limits          TEXT NOT NULL,
			` + "`usage`" + ` TEXT NOT NULL,
			settings        TEXT,
			allowed_domains TEXT,
			billing         TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_orgs_slug ON organizations(slug);

		CREATE TABLE IF NOT EXISTS managed_agents (
			id                   TEXT PRIMARY KEY,
			org_id               TEXT NOT NULL,
			config               TEXT NOT NULL,
			state                TEXT NOT NULL,
			state_history        TEXT,
			health               TEXT,
			` + "`usage`" + ` TEXT,
			version              INTEGER NOT NULL DEFAULT 1,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,
			last_deployed_at     TEXT,
			last_health_check_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_agents_org ON managed_agents(org_id);
		CREATE INDEX IF NOT EXISTS idx_agents_state ON managed_agents(state);

		CREATE TABLE IF NOT EXISTS agent_state_history (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id     TEXT NOT NULL,
			from_state   TEXT NOT NULL,
			to_state     TEXT NOT NULL,
			reason       TEXT,
			triggered_by TEXT NOT NULL,
			error        TEXT,
			timestamp    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_state_history_agent ON agent_state_history(agent_id);

		CREATE TABLE IF NOT EXISTS permission_profiles (
			agent_id   TEXT PRIMARY KEY,
			profile    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS approval_requests (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			agent_name   TEXT,
			org_id       TEXT NOT NULL,
			tool_id      TEXT NOT NULL,
			tool_name    TEXT,
			reason       TEXT,
			risk_level   TEXT NOT NULL,
			side_effects TEXT,
			parameters   TEXT,
			context      TEXT,
			status       TEXT NOT NULL DEFAULT 'pending',
			decision     TEXT,
			expires_at   TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_approvals_org_status ON approval_requests(org_id, status);
		CREATE INDEX IF NOT EXISTS idx_approvals_agent ON approval_requests(agent_id);

		CREATE TABLE IF NOT EXISTS approval_policies (
			id                   TEXT PRIMARY KEY,
			org_id               TEXT NOT NULL,
			name                 TEXT NOT NULL,
			priority             INTEGER NOT NULL DEFAULT 0,
			tool_patterns        TEXT,
			risk_levels          TEXT,
			side_effects         TEXT,
			condition_expr       TEXT,
			approvers            TEXT,
			timeout_minutes      INTEGER NOT NULL DEFAULT 0,
			auto_deny_on_timeout INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_approval_policies_org ON approval_policies(org_id);

		CREATE TABLE IF NOT EXISTS work_schedules (
			id                   TEXT PRIMARY KEY,
			agent_id             TEXT NOT NULL,
			org_id               TEXT NOT NULL,
			timezone             TEXT NOT NULL,
			schedule_type        TEXT NOT NULL,
			config               TEXT NOT NULL,
			enforce_clock_in     INTEGER NOT NULL DEFAULT 0,
			enforce_clock_out    INTEGER NOT NULL DEFAULT 0,
			auto_wake_enabled    INTEGER NOT NULL DEFAULT 0,
			off_hours_action     TEXT NOT NULL DEFAULT 'pause',
			grace_period_minutes INTEGER NOT NULL DEFAULT 0,
			enabled              INTEGER NOT NULL DEFAULT 1,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_agent ON work_schedules(agent_id);

		CREATE TABLE IF NOT EXISTS clock_records (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			org_id       TEXT NOT NULL,
			type         TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			scheduled_at TEXT,
			actual_at    TEXT NOT NULL,
			reason       TEXT,
			metadata     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_clock_agent ON clock_records(agent_id);

		CREATE TABLE IF NOT EXISTS task_queue (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			org_id        TEXT NOT NULL,
			type          TEXT NOT NULL,
			title         TEXT NOT NULL,
			description   TEXT,
			context       TEXT,
			priority      TEXT NOT NULL DEFAULT 'normal',
			status        TEXT NOT NULL DEFAULT 'queued',
			source        TEXT,
			scheduled_for TEXT,
			started_at    TEXT,
			completed_at  TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON task_queue(agent_id, status);

		CREATE TABLE IF NOT EXISTS agent_messages (
			id            TEXT PRIMARY KEY,
			org_id        TEXT NOT NULL,
			from_agent_id TEXT NOT NULL,
			to_agent_id   TEXT NOT NULL,
			type          TEXT NOT NULL,
			subject       TEXT,
			content       TEXT,
			metadata      TEXT,
			status        TEXT,
			priority      TEXT,
			direction     TEXT NOT NULL,
			channel       TEXT NOT NULL,
			deadline      TEXT,
			claimed_at    TEXT,
			completed_at  TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_org ON agent_messages(org_id);
		CREATE INDEX IF NOT EXISTS idx_messages_from ON agent_messages(from_agent_id);
		CREATE INDEX IF NOT EXISTS idx_messages_to ON agent_messages(to_agent_id)
		`,
	},
	{
		Version: 2,
		Name:    "activity and budget tables",
		DDL: `
		CREATE TABLE IF NOT EXISTS tool_calls (
			id          TEXT PRIMARY KEY,
			org_id      TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			tool_id     TEXT NOT NULL,
			timestamp   TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_usd    REAL NOT NULL DEFAULT 0,
			external    INTEGER NOT NULL DEFAULT 0,
			error       TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_agent ON tool_calls(agent_id);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);

		CREATE TABLE IF NOT EXISTS activity_events (
			id        TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			org_id    TEXT,
			agent_id  TEXT,
			timestamp TEXT NOT NULL,
			data      TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_activity_org ON activity_events(org_id);
		CREATE INDEX IF NOT EXISTS idx_activity_type ON activity_events(type);

		CREATE TABLE IF NOT EXISTS budget_alerts (
			id           TEXT PRIMARY KEY,
			org_id       TEXT NOT NULL,
			agent_id     TEXT,
			kind         TEXT NOT NULL,
			counter      TEXT NOT NULL,
			period_key   TEXT NOT NULL,
			message      TEXT,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_budget_alerts_org ON budget_alerts(org_id)
		`,
	},
	{
		Version: 3,
		Name:    "extension table registry",
		DDL: `
		CREATE TABLE IF NOT EXISTS engine_ext_tables (
			name       TEXT PRIMARY KEY,
			ddl        TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
		`,
	},
}

// migrate applies pending migrations, each inside its own transaction, and
// records them in engine_migrations.
func (s *SQLStore) migrate() error {
	ledger := `CREATE TABLE IF NOT EXISTS engine_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`
	if _, err := s.db.Exec(s.dialect.RewriteDDL(ledger)); err != nil {
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.Query("SELECT version FROM engine_migrations")
	if err != nil {
		return fmt.Errorf("failed to read migration ledger: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (s *SQLStore) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(s.dialect.RewriteDDL(m.DDL)) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("statement %q: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.Exec(s.dialect.Rebind("INSERT INTO engine_migrations (version, name, applied_at) VALUES (?, ?, ?)"),
		m.Version, m.Name, isoTime(time.Now())); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements breaks a DDL block into individual statements. The
// shipped DDL never embeds semicolons in literals.
func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// appliedVersions lists the migration versions currently recorded.
func (s *SQLStore) appliedVersions() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM engine_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
