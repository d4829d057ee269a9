package store

import (
	"fmt"
	"strings"
)

// Dialect identifies the SQL engine behind the store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// RewriteDDL translates SQLite-flavored DDL into the dialect's own. The
// rewrite is textual; all shipped DDL is written to survive it.
func (d Dialect) RewriteDDL(ddl string) string {
	switch d {
	case DialectPostgres:
		return sqliteToPostgres(ddl)
	case DialectMySQL:
		return sqliteToMySQL(ddl)
	default:
		return ddl
	}
}

// Rebind rewrites `?` placeholders for engines that number them, and
// converts backtick-quoted identifiers to the dialect's quoting. Question
// marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for _, r := range query {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			b.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			fmt.Fprintf(&b, "$%d", n)
		case r == '`' && !inLiteral:
			b.WriteRune('"')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sqliteToPostgres(ddl string) string {
	out := ddl
	out = strings.ReplaceAll(out, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	out = strings.ReplaceAll(out, "AUTOINCREMENT", "")
	out = strings.ReplaceAll(out, "BLOB", "BYTEA")
	out = strings.ReplaceAll(out, "DATETIME", "TIMESTAMPTZ")
	out = strings.ReplaceAll(out, "`", `"`)
	return out
}

func sqliteToMySQL(ddl string) string {
	out := ddl
	out = strings.ReplaceAll(out, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT PRIMARY KEY AUTO_INCREMENT")
	out = strings.ReplaceAll(out, "AUTOINCREMENT", "AUTO_INCREMENT")
	out = strings.ReplaceAll(out, "BLOB", "LONGBLOB")
	out = strings.ReplaceAll(out, "DATETIME", "DATETIME(6)")
	// MySQL cannot key unbounded TEXT columns. Primary keys become a fixed
	// VARCHAR; secondary indexes get a prefix length (all indexed columns
	// in the shipped schema are TEXT).
	out = strings.ReplaceAll(out, "TEXT PRIMARY KEY", "VARCHAR(191) PRIMARY KEY")
	return mysqlIndexPrefixes(out)
}

// mysqlIndexPrefixes appends (191) to every column in a CREATE INDEX
// column list.
func mysqlIndexPrefixes(ddl string) string {
	lines := strings.Split(ddl, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "CREATE INDEX") && !strings.HasPrefix(trimmed, "CREATE UNIQUE INDEX") {
			continue
		}
		// CREATE INDEX has no IF NOT EXISTS form in MySQL; migrations are
		// version-gated so the guard is redundant anyway.
		line = strings.Replace(line, "IF NOT EXISTS ", "", 1)
		open := strings.IndexByte(line, '(')
		close := strings.LastIndexByte(line, ')')
		if open < 0 || close < open {
			continue
		}
		cols := strings.Split(line[open+1:close], ",")
		for j, c := range cols {
			cols[j] = strings.TrimSpace(c) + "(191)"
		}
		lines[i] = line[:open+1] + strings.Join(cols, ", ") + line[close:]
	}
	return strings.Join(lines, "\n")
}

// upsertClause renders the dialect's conflict-update suffix. key is the
// conflict column, cols the columns overwritten on conflict.
func (d Dialect) upsertClause(key string, cols ...string) string {
	var b strings.Builder
	switch d {
	case DialectMySQL:
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = VALUES(%s)", c, c)
		}
	default:
		fmt.Fprintf(&b, " ON CONFLICT(%s) DO UPDATE SET ", key)
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = excluded.%s", c, c)
		}
	}
	return b.String()
}
