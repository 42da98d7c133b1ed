// Package driver abstracts the SQL backends the state store can run
// on: embedded SQLite for single-node installs, PostgreSQL for shared
// deployments.
package driver

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
)

// Dialect identifies the database flavor.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Driver abstracts connection handling and the dialect differences
// the store cares about.
type Driver interface {
	Open(dsn string) error
	Close() error

	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row

	// Migrate applies every pending .sql file under schemaFS's
	// schema/ directory, ordered by name, tracked in _migrations.
	Migrate(ctx context.Context, schemaFS embed.FS) error

	Dialect() Dialect
	// Placeholder returns the positional parameter marker: $N for
	// Postgres, ? for SQLite.
	Placeholder(index int) string
	// Now is the dialect's current-timestamp expression.
	Now() string

	DB() *sql.DB
}

// New creates a driver for the dialect.
func New(dialect Dialect) (Driver, error) {
	switch dialect {
	case DialectSQLite, "":
		return NewSQLite(), nil
	case DialectPostgres:
		return NewPostgres(), nil
	default:
		return nil, fmt.Errorf("unsupported state dialect %q", dialect)
	}
}
