// Package store is the schema-agnostic persistence layer (spec.md §3,
// §5): one set of entity queries runs against either Postgres (via
// pgx/v5's database/sql driver) or SQLite (via modernc.org/sqlite),
// selected from the DATABASE_URL scheme, grounded on the teacher's
// appliance/internal/checkin/db.go pgx usage and generalized the way
// Aureuma-si's backend/internal/store/store.go wraps modernc.org/sqlite
// behind database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL variant in use, since the two backends differ
// in placeholder syntax and a handful of pragmas.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// dbConn is the subset of *sql.DB / *sql.Tx that exec/query/queryRow
// need, letting the same query code run against either a bare
// connection or an in-flight transaction.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store wraps a *sql.DB for either backend plus the dialect needed to
// rebind '?' placeholders for Postgres.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

type txKey struct{}

// WithTx runs fn with a transaction active on ctx: every store call fn
// makes with the returned context participates in the same
// transaction, and either all of them commit or none do. Satisfies
// spec.md §6's "ingest endpoints are transactional: a partially-applied
// scan is never persisted."
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// conn resolves to the transaction on ctx, if WithTx started one, and
// falls back to the plain connection pool otherwise.
func (s *Store) conn(ctx context.Context) dbConn {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Open connects to dsn, inferring the dialect from its scheme:
// "postgres://" or "postgresql://" selects pgx; "sqlite://" (or a bare
// filesystem path) selects modernc.org/sqlite. The schema is bootstrapped
// via CREATE TABLE IF NOT EXISTS, so Open is always safe to call against
// a fresh database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dialect, driver, source := resolveDSN(dsn)

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == DialectPostgres {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		// modernc.org/sqlite does not support concurrent writers; serialize
		// through a single connection the way the teacher's pack does it.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := &Store{db: db, dialect: dialect}
	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

func resolveDSN(dsn string) (dialect Dialect, driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres, "pgx", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return DialectSQLite, "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		// A bare path (or ":memory:") is treated as a SQLite target.
		return DialectSQLite, "sqlite", dsn
	}
}

// rebind rewrites '?' placeholders into Postgres's $1, $2, ... syntax
// when the dialect requires it; every query in this package is
// authored with '?' and passed through rebind before execution.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.conn(ctx).ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.conn(ctx).QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.conn(ctx).QueryRowContext(ctx, s.rebind(query), args...)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
