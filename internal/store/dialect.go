package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
)

type dialect struct {
	driver string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return dialect{driver: DriverSQLite}, nil
	case DriverPgx, "postgres":
		return dialect{driver: DriverPgx}, nil
	}
	return dialect{}, fmt.Errorf("unsupported store driver %q", driver)
}

// rebind turns ? placeholders into $n for postgres.
func (d dialect) rebind(q string) string {
	if d.driver != DriverPgx {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) createTable(c Collection) []string {
	idType, textType, intType := "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT", "INTEGER"
	if d.driver == DriverPgx {
		idType, intType = "BIGSERIAL PRIMARY KEY", "BIGINT"
	}
	cols := []string{"id " + idType, "doc " + textType + " NOT NULL"}
	for _, idx := range c.Indexes {
		typ := textType
		if idx.Numeric {
			typ = intType
		}
		cols = append(cols, column(idx)+" "+typ)
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", c.Name, strings.Join(cols, ", "))}
	for _, idx := range c.Indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s_%s ON %s(%s)",
			unique, c.Name, column(idx), c.Name, column(idx)))
	}
	return stmts
}

func (d dialect) metaTable() string {
	return "CREATE TABLE IF NOT EXISTS store_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)"
}

// resetSequence realigns a postgres serial after rows were inserted with
// explicit ids. SQLite AUTOINCREMENT tracks this itself.
func (d dialect) resetSequence(ctx context.Context, q queryer, c Collection) error {
	if d.driver != DriverPgx {
		return nil
	}
	_, err := q.ExecContext(ctx, fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE(MAX(id), 0) + 1, false) FROM %s",
		c.Name, c.Name))
	return err
}

func column(idx Index) string { return "idx_" + idx.Name }
