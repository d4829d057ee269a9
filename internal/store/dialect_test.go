package store

import (
	"strings"
	"testing"
)

func TestRebind_Postgres(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "numbers placeholders",
			input: "SELECT * FROM t WHERE a = ? AND b = ?",
			want:  "SELECT * FROM t WHERE a = $1 AND b = $2",
		},
		{
			name:  "leaves literals alone",
			input: "SELECT * FROM t WHERE a = '?' AND b = ?",
			want:  "SELECT * FROM t WHERE a = '?' AND b = $1",
		},
		{
			name:  "converts backtick identifiers",
			input: "SELECT `usage` FROM t WHERE id = ?",
			want:  `SELECT "usage" FROM t WHERE id = $1`,
		},
		{
			name:  "no placeholders",
			input: "SELECT 1",
			want:  "SELECT 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DialectPostgres.Rebind(tt.input)
			if got != tt.want {
				t.Errorf("Rebind(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRebind_SQLitePassthrough(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ?"
	if got := DialectSQLite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind changed query: %q", got)
	}
	if got := DialectMySQL.Rebind(q); got != q {
		t.Errorf("mysql Rebind changed query: %q", got)
	}
}

func TestRewriteDDL_Postgres(t *testing.T) {
	ddl := "CREATE TABLE t (seq INTEGER PRIMARY KEY AUTOINCREMENT, `usage` TEXT, data BLOB)"
	got := DialectPostgres.RewriteDDL(ddl)

	if !strings.Contains(got, "BIGSERIAL PRIMARY KEY") {
		t.Errorf("missing BIGSERIAL: %q", got)
	}
	if !strings.Contains(got, `"usage"`) {
		t.Errorf("backticks not converted: %q", got)
	}
	if !strings.Contains(got, "BYTEA") {
		t.Errorf("BLOB not converted: %q", got)
	}
	if strings.Contains(got, "AUTOINCREMENT") {
		t.Errorf("AUTOINCREMENT survived: %q", got)
	}
}

func TestRewriteDDL_MySQL(t *testing.T) {
	ddl := "CREATE TABLE t (\n" +
		"id TEXT PRIMARY KEY,\n" +
		"seq INTEGER PRIMARY KEY AUTOINCREMENT\n" +
		");\n" +
		"CREATE INDEX IF NOT EXISTS idx_t_a ON t(a, b);"
	got := DialectMySQL.RewriteDDL(ddl)

	if !strings.Contains(got, "VARCHAR(191) PRIMARY KEY") {
		t.Errorf("TEXT primary key not converted: %q", got)
	}
	if !strings.Contains(got, "BIGINT PRIMARY KEY AUTO_INCREMENT") {
		t.Errorf("autoincrement not converted: %q", got)
	}
	if !strings.Contains(got, "ON t(a(191), b(191))") {
		t.Errorf("index prefixes not applied: %q", got)
	}
	if strings.Contains(got, "CREATE INDEX IF NOT EXISTS") {
		t.Errorf("IF NOT EXISTS survived on index: %q", got)
	}
}

func TestRewriteDDL_SQLiteIdentity(t *testing.T) {
	ddl := "CREATE TABLE t (id TEXT PRIMARY KEY)"
	if got := DialectSQLite.RewriteDDL(ddl); got != ddl {
		t.Errorf("sqlite rewrite changed DDL: %q", got)
	}
}

func TestMutationTarget(t *testing.T) {
	tests := []struct {
		stmt    string
		want    string
		wantErr bool
	}{
		{stmt: "INSERT INTO ext_leads (a) VALUES (?)", want: "ext_leads"},
		{stmt: "UPDATE ext_leads SET a = 1", want: "ext_leads"},
		{stmt: "DELETE FROM ext_leads WHERE a = 1", want: "ext_leads"},
		{stmt: "DROP TABLE IF EXISTS ext_leads", want: "ext_leads"},
		{stmt: "ALTER TABLE ext_leads ADD COLUMN b TEXT", want: "ext_leads"},
		{stmt: "insert into managed_agents (id) values (?)", want: "managed_agents"},
		{stmt: "SELECT * FROM t", wantErr: true},
		{stmt: "PRAGMA journal_mode", wantErr: true},
	}
	for _, tt := range tests {
		got, err := mutationTarget(tt.stmt)
		if tt.wantErr {
			if err == nil {
				t.Errorf("mutationTarget(%q) expected error, got %q", tt.stmt, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("mutationTarget(%q) error: %v", tt.stmt, err)
			continue
		}
		if got != tt.want {
			t.Errorf("mutationTarget(%q) = %q, want %q", tt.stmt, got, tt.want)
		}
	}
}
