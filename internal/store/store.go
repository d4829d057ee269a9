package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Store defines the persistence contract for the control plane. A single
// SQL implementation backs all three supported engines; the dialect is
// fixed when the store is opened.
type Store interface {
	// Initialize applies pending migrations.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// Dialect reports which SQL engine backs the store.
	Dialect() Dialect

	// Organizations
	UpsertOrg(o *Organization) error
	GetOrg(id string) (*Organization, error)
	GetOrgBySlug(slug string) (*Organization, error)
	ListOrgs() ([]*Organization, error)
	DeleteOrg(id string) error

	// Agents
	UpsertAgent(a *ManagedAgent) error
	GetAgent(id string) (*ManagedAgent, error)
	ListAgents(orgID string) ([]*ManagedAgent, error)
	DeleteAgent(id string) error
	InsertStateTransition(agentID string, tr StateTransition) error
	ListStateTransitions(agentID string, limit int) ([]StateTransition, error)

	// Permission profiles
	UpsertProfile(agentID string, p *PermissionProfile) error
	GetProfile(agentID string) (*PermissionProfile, error)
	DeleteProfile(agentID string) error

	// Approvals
	UpsertApproval(a *ApprovalRequest) error
	GetApproval(id string) (*ApprovalRequest, error)
	ListApprovals(filter ApprovalFilter) ([]*ApprovalRequest, error)
	UpsertApprovalPolicy(p *ApprovalPolicy) error
	ListApprovalPolicies(orgID string) ([]*ApprovalPolicy, error)
	DeleteApprovalPolicy(id string) error

	// Workforce
	UpsertSchedule(s *WorkSchedule) error
	GetScheduleByAgent(agentID string) (*WorkSchedule, error)
	ListSchedules(orgID string) ([]*WorkSchedule, error)
	DeleteSchedule(id string) error
	InsertClockRecord(r *ClockRecord) error
	ListClockRecords(filter ClockFilter) ([]*ClockRecord, error)
	UpsertTask(t *QueuedTask) error
	GetTask(id string) (*QueuedTask, error)
	ListTasks(agentID, status string) ([]*QueuedTask, error)
	DeleteTasksByAgent(agentID string) error

	// Communications
	UpsertMessage(m *AgentMessage) error
	ListMessages(filter MessageFilter) ([]*AgentMessage, error)

	// Activity
	InsertToolCall(r *ToolCallRecord) error
	ListToolCalls(filter ActivityFilter) ([]*ToolCallRecord, error)
	InsertActivityEvent(e *ActivityEvent) error
	ListActivityEvents(filter ActivityFilter) ([]*ActivityEvent, error)

	// Budget alerts
	InsertBudgetAlert(a *BudgetAlert) error
	HasBudgetAlert(agentID, kind, periodKey string) (bool, error)
	ListBudgetAlerts(orgID string, unacknowledgedOnly bool) ([]*BudgetAlert, error)
	AcknowledgeBudgetAlert(id string) error

	// Dynamic extension tables
	RegisterTable(name, ddl string) (string, error)
	ListExtTables() ([]string, error)
	Query(query string, args ...any) ([]map[string]any, error)
	Execute(stmt string, args ...any) (int64, error)
}

// Options configures Open.
type Options struct {
	Driver string // sqlite, postgres, mysql
	Path   string // sqlite file path
	DSN    string // postgres/mysql connection string
}

// SQLStore implements Store over database/sql for SQLite, Postgres and
// MySQL. All statements are authored in SQLite flavor and rewritten per
// dialect at execution time.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the configured backend. The database is not migrated
// until Initialize is called.
func Open(opts Options) (*SQLStore, error) {
	var (
		db  *sql.DB
		d   Dialect
		err error
	)
	switch opts.Driver {
	case "", "sqlite", "sqlite3":
		path := opts.Path
		if path == "" {
			path = "engine.db"
		}
		db, err = sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
		d = DialectSQLite
	case "postgres", "postgresql", "pgx":
		db, err = sql.Open("pgx", opts.DSN)
		d = DialectPostgres
	case "mysql":
		db, err = sql.Open("mysql", opts.DSN)
		d = DialectMySQL
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", opts.Driver, err)
	}
	if d == DialectSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func (s *SQLStore) Initialize() error {
	return s.migrate()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// exec runs a SQLite-flavored statement after dialect rewriting.
func (s *SQLStore) exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(s.dialect.Rebind(query), args...)
}

func (s *SQLStore) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(s.dialect.Rebind(query), args...)
}

func (s *SQLStore) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.dialect.Rebind(query), args...)
}

// --- scan/format helpers ---

// isoTime formats timestamps the way every TEXT column stores them.
func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isoTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return isoTime(*t)
}

func parseISO(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

func parseISOPtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseISO(ns.String)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// marshalJSON serializes v for a TEXT column, returning "{}" style zero
// values rather than SQL NULL so scans stay uniform.
func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalJSON(ns sql.NullString, v any) {
	if !ns.Valid || ns.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(ns.String), v)
}
