package sqlstore

import (
	"strconv"
	"strings"

	"uowcore/pkg/domain"
)

// Dialect captures the SQL differences between backends.
type Dialect interface {
	// Name identifies the dialect in errors and logs.
	Name() string
	// Placeholder returns the bind marker of the n-th argument, starting at 1.
	Placeholder(n int) string
	// QuoteIdent quotes a table or column name.
	QuoteIdent(name string) string
	// ColumnType returns the column type used by CreateTables.
	ColumnType(kind domain.Kind) string
}

// SQLite is the dialect of modernc.org/sqlite.
type SQLite struct{}

// Name implements Dialect.
func (SQLite) Name() string { return "sqlite" }

// Placeholder implements Dialect.
func (SQLite) Placeholder(int) string { return "?" }

// QuoteIdent implements Dialect.
func (SQLite) QuoteIdent(name string) string { return quoteDouble(name) }

// ColumnType implements Dialect.
func (SQLite) ColumnType(kind domain.Kind) string {
	switch kind {
	case domain.KindBool, domain.KindInt:
		return "INTEGER"
	case domain.KindFloat:
		return "REAL"
	case domain.KindTime:
		return "TIMESTAMP"
	case domain.KindBytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// Postgres is the dialect of the pgx database/sql driver.
type Postgres struct{}

// Name implements Dialect.
func (Postgres) Name() string { return "postgres" }

// Placeholder implements Dialect.
func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// QuoteIdent implements Dialect.
func (Postgres) QuoteIdent(name string) string { return quoteDouble(name) }

// ColumnType implements Dialect.
func (Postgres) ColumnType(kind domain.Kind) string {
	switch kind {
	case domain.KindBool:
		return "BOOLEAN"
	case domain.KindInt:
		return "BIGINT"
	case domain.KindFloat:
		return "DOUBLE PRECISION"
	case domain.KindTime:
		return "TIMESTAMPTZ"
	case domain.KindBytes:
		return "BYTEA"
	case domain.KindList, domain.KindMap:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func quoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
