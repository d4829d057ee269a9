package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ExtPrefix is forced onto every dynamically registered table so raw SQL
// from skill packs can never touch core tables.
const ExtPrefix = "ext_"

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// RegisterTable creates a dynamic extension table. name is normalized to
// carry the ext_ prefix; columns is the column-definition body of a
// CREATE TABLE, in SQLite flavor. Returns the final table name.
func (s *SQLStore) RegisterTable(name, columns string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, ExtPrefix)
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	table := ExtPrefix + name

	columns = strings.TrimSpace(columns)
	if columns == "" {
		return "", fmt.Errorf("empty column definition for table %q", table)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, columns)
	if _, err := s.db.Exec(s.dialect.RewriteDDL(ddl)); err != nil {
		return "", fmt.Errorf("failed to create table %s: %w", table, err)
	}
	if _, err := s.exec(`INSERT INTO engine_ext_tables (name, ddl, created_at) VALUES (?, ?, ?)`+
		s.dialect.upsertClause("name", "ddl"),
		table, ddl, isoTime(time.Now())); err != nil {
		return "", err
	}
	return table, nil
}

func (s *SQLStore) ListExtTables() ([]string, error) {
	rows, err := s.query(`SELECT name FROM engine_ext_tables ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// Query runs raw SQL and returns generic rows. Only SELECT statements are
// accepted; use Execute for mutations.
func (s *SQLStore) Query(query string, args ...any) ([]map[string]any, error) {
	if verb := statementVerb(query); verb != "SELECT" && verb != "WITH" {
		return nil, fmt.Errorf("query must be a SELECT, got %s", verb)
	}
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Execute runs a raw mutation. Mutations are permitted only against ext_
// tables; core tables go through the typed accessors.
func (s *SQLStore) Execute(stmt string, args ...any) (int64, error) {
	table, err := mutationTarget(stmt)
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(table, ExtPrefix) {
		return 0, fmt.Errorf("raw mutations are restricted to %s* tables, got %q", ExtPrefix, table)
	}
	res, err := s.exec(stmt, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func statementVerb(stmt string) string {
	fields := strings.Fields(strings.TrimSpace(stmt))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// mutationTarget extracts the table a mutation statement addresses.
func mutationTarget(stmt string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(stmt))
	if len(fields) < 2 {
		return "", fmt.Errorf("unparseable statement")
	}
	verb := strings.ToUpper(fields[0])
	clean := func(s string) string {
		return strings.ToLower(strings.Trim(s, "`\"(;"))
	}
	switch verb {
	case "INSERT", "REPLACE":
		// INSERT INTO <table>
		for i, f := range fields[1:] {
			if strings.ToUpper(f) == "INTO" && i+2 < len(fields) {
				return clean(fields[i+2]), nil
			}
		}
		return "", fmt.Errorf("missing INTO clause")
	case "UPDATE":
		return clean(fields[1]), nil
	case "DELETE":
		// DELETE FROM <table>
		if strings.ToUpper(fields[1]) == "FROM" && len(fields) > 2 {
			return clean(fields[2]), nil
		}
		return "", fmt.Errorf("missing FROM clause")
	case "DROP", "ALTER", "TRUNCATE":
		// DROP TABLE [IF EXISTS] <table>
		rest := fields[1:]
		for len(rest) > 0 {
			up := strings.ToUpper(rest[0])
			if up == "IF" || up == "EXISTS" || up == "TABLE" {
				rest = rest[1:]
				continue
			}
			return clean(rest[0]), nil
		}
		return "", fmt.Errorf("missing table name")
	default:
		return "", fmt.Errorf("statement verb %s not permitted", verb)
	}
}
