/*
Package sqldb provides the relational implementation of fiscal.TxStore,
on SQLite (mattn/go-sqlite3) or PostgreSQL (pgx).

PURPOSE:
  Persists mandates, cases, participants, payments, distributions, agents
  and the audit log. Both dialects share one schema and one set of
  queries written with "?" placeholders; PostgreSQL queries are rebound
  to "$n" before execution.

IDENTIFIERS:
  Every business table carries a numeric primary key assigned by the
  database and a formatted identifier protected by a UNIQUE index. A
  violation surfaces as fiscal.ErrDuplicateIdentifier.

TRANSACTIONS:
  WithTx hands fn a view bound to the *sql.Tx; every read inside the
  transaction goes through it, including the MAX(identifier) read behind
  sequence issuance.
  - SQLite: a single connection, so transactions are serialized
  - PostgreSQL: SERIALIZABLE isolation, retried on serialization failure

  Both settings make "read max identifier, insert" safe across concurrent
  writers, including writers in other processes on PostgreSQL.

USAGE:
  st, err := sqldb.OpenSQLite("./data/gestcontentieux.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

MIGRATION:
  Schema is auto-migrated on Open. For production, use a proper migration
  tool with versioned migrations.

SEE ALSO:
  - fiscal/store.go: Interface definitions
  - fiscal/store/memory.go: In-memory implementation for testing
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/onomatopet/gestcontentieux/fiscal"
)

// Dialect selects SQL syntax differences.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return 0, fmt.Errorf("unsupported database driver %q", driver)
}

// rebind rewrites "?" placeholders for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// maxTxAttempts bounds retries of a PostgreSQL transaction that failed
// with a serialization error.
const maxTxAttempts = 3

// Store implements fiscal.TxStore on a *sql.DB.
type Store struct {
	conn
	db     *sql.DB
	txOpts *sql.TxOptions
}

var _ fiscal.TxStore = (*Store)(nil)

// New wraps an open database. It does not migrate.
func New(db *sql.DB, dialect Dialect) *Store {
	s := &Store{conn: conn{q: db, d: dialect}, db: db}
	if dialect == Postgres {
		s.txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return s
}

// OpenSQLite opens (or creates) a SQLite database and migrates it.
// Use ":memory:" for an in-memory database.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: serializes transactions, and keeps ":memory:" a
	// single database.
	db.SetMaxOpenConns(1)
	return open(db, SQLite)
}

// OpenPostgres connects through the pgx stdlib driver and migrates.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return open(db, Postgres)
}

// Open dispatches on the configured driver name.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if d == Postgres {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(dsn)
}

func open(db *sql.DB, d Dialect) (*Store, error) {
	s := New(db, d)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports which SQL dialect the store speaks.
func (s *Store) Dialect() Dialect { return s.d }

// =============================================================================
// TRANSACTIONS (fiscal.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. fn must only use the
// store it is given.
func (s *Store) WithTx(ctx context.Context, fn func(fiscal.Store) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.withTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(fiscal.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, s.txOpts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx, d: s.d}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// CONN - Query surface shared by *sql.DB and *sql.Tx
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements fiscal.Store over either the database or a transaction.
type conn struct {
	q queryer
	d Dialect
}

var _ fiscal.Store = conn{}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

// insert runs an INSERT ... RETURNING id and returns the new id.
func (c conn) insert(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := c.queryRow(ctx, query+" RETURNING id", args...).Scan(&id)
	return id, err
}

// expectOne maps "no row affected" to fiscal.ErrNotFound.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fiscal.ErrNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fiscal.ErrNotFound
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "40001"
}
