// Package db provides the thin transactional-store seam: the database
// is either an embedded local file or an external endpoint. The
// database engine itself is an external collaborator; this package only
// opens a *sql.DB against one of the two supported drivers and runs
// goose migrations, and is not meant to be a durable interface this
// module builds abstractions on.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	// Drivers registered with database/sql: modernc.org/sqlite for the
	// embedded local-file form, pgx's stdlib shim for the external
	// Postgres endpoint form.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Backend selects which of the two database forms to use.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Open opens the database and applies any pending migrations. dsn is a
// filesystem path for BackendSQLite, or a libpq connection string for
// BackendPostgres.
func Open(ctx context.Context, backend Backend, dsn string) (*sql.DB, error) {
	var driver string
	switch backend {
	case BackendSQLite:
		driver = "sqlite"
	case BackendPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("db: unknown backend %q", backend)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", backend, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: ping %s: %w", backend, err)
	}

	goose.SetBaseFS(migrations)
	dialect := "sqlite3"
	if backend == BackendPostgres {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: set dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: migrate: %w", err)
	}
	return sqlDB, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Transactions are kept short: no suspension
// point is crossed while the transaction is open other than the query
// itself.
func WithTx(ctx context.Context, sqlDB *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}
