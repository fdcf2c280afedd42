// Package db provides the durable decision store for auto.
//
// A single embedded database (.auto/auto.db) holds pipeline runs, their
// decisions, requirements, artifacts, token usage, and the persisted
// event log. SQLite is the default backend; PostgreSQL serves shared
// deployments through the same driver interface.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/auto/internal/db/driver"
)

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// Store is the handle to the decision store. All persistence goes
// through it: pipeline runs, decisions, requirements, artifacts, token
// usage, and the event log, each in its own file of this package.
// Queries are written in SQLite syntax; on PostgreSQL the store rewrites
// placeholders on the way to the driver.
type Store struct {
	drv    driver.Driver
	dsn    string
	rebind bool
}

// OpenStore opens (creating if necessary) the SQLite store at
// {workspace}/.auto/auto.db and brings its schema up to date.
func OpenStore(workspace string) (*Store, error) {
	path := filepath.Join(workspace, ".auto", "auto.db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return openStore(path, driver.DialectSQLite)
}

// OpenStoreWithDialect opens the store on a specific backend. For SQLite
// the DSN is a file path; for PostgreSQL a connection string.
func OpenStoreWithDialect(dsn string, dialect driver.Dialect) (*Store, error) {
	if dialect == driver.DialectSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return openStore(dsn, dialect)
}

// OpenStoreInMemory opens an isolated in-memory store, migrated and
// ready. Each call gets a fresh database.
func OpenStoreInMemory() (*Store, error) {
	return openStore(":memory:", driver.DialectSQLite)
}

func openStore(dsn string, dialect driver.Dialect) (*Store, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	s := &Store{
		drv:    drv,
		dsn:    dsn,
		rebind: dialect == driver.DialectPostgres,
	}
	if err := s.Migrate("pipeline"); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("migrate decision store: %w", err)
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.drv.Close()
}

// Path returns the DSN the store was opened with.
func (s *Store) Path() string {
	return s.dsn
}

// Dialect returns the active backend dialect.
func (s *Store) Dialect() driver.Dialect {
	return s.drv.Dialect()
}

// Now returns the backend's SQL expression for the current timestamp.
func (s *Store) Now() string {
	return s.drv.Now()
}

// Placeholder returns the backend's positional placeholder for index.
func (s *Store) Placeholder(index int) string {
	return s.drv.Placeholder(index)
}

// Migrate applies pending schema files named {schemaType}_NNN.sql from
// the embedded schema directory. Safe to call repeatedly.
func (s *Store) Migrate(schemaType string) error {
	return s.drv.Migrate(context.Background(), schemaFS, schemaType)
}

// Exec executes a statement that returns no rows.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	return s.drv.Exec(context.Background(), s.bind(query), args...)
}

// ExecContext is Exec with cancellation.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.drv.Exec(ctx, s.bind(query), args...)
}

// Query executes a query that returns rows.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.drv.Query(context.Background(), s.bind(query), args...)
}

// QueryContext is Query with cancellation.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.drv.Query(ctx, s.bind(query), args...)
}

// QueryRow executes a query expected to return at most one row.
func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	return s.drv.QueryRow(context.Background(), s.bind(query), args...)
}

// QueryRowContext is QueryRow with cancellation.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.drv.QueryRow(ctx, s.bind(query), args...)
}

func (s *Store) bind(query string) string {
	if !s.rebind {
		return query
	}
	return Rebind(query)
}

// TxRunner provides a transactional execution interface.
// Operations run within a transaction context, ensuring atomicity
// of multi-table mutations like amendment supersession.
type TxRunner interface {
	// RunInTx executes the given function within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	RunInTx(ctx context.Context, fn func(tx *TxOps) error) error
}

// TxOps provides database operations within a transaction.
// It wraps a driver.Tx to provide the same query interface as Store
// but executes all operations within the transaction. The context is
// stored and used for all operations, enabling cancellation and
// timeout propagation through the entire transaction.
type TxOps struct {
	tx      driver.Tx
	dialect driver.Dialect
	rebind  bool
	ctx     context.Context
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, t.bind(query), args...)
}

// Query executes a query that returns rows within the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, t.bind(query), args...)
}

// QueryRow executes a query that returns at most one row within the transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, t.bind(query), args...)
}

// Context returns the context associated with this transaction.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

// Dialect returns the database dialect.
func (t *TxOps) Dialect() driver.Dialect {
	return t.dialect
}

func (t *TxOps) bind(query string) string {
	if !t.rebind {
		return query
	}
	return Rebind(query)
}

// RunInTx executes fn inside a transaction. An error from fn rolls the
// transaction back; nil commits it. Multi-table mutations such as
// amendment supersession go through here so a crash never leaves a
// half-applied run visible.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := s.drv.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	ops := &TxOps{tx: tx, dialect: s.Dialect(), rebind: s.rebind, ctx: ctx}
	if err := fn(ops); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

var _ TxRunner = (*Store)(nil)

// Rebind converts ? placeholders to $1..$N positional placeholders.
// Question marks inside single-quoted literals are left alone.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inLiteral = !inLiteral
			b.WriteByte(c)
		case c == '?' && !inLiteral:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
