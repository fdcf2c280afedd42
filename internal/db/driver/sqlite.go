package driver

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteDriver is the embedded default backend. One file under .auto/,
// WAL so readers (status, health, events) coexist with a live run.
type SQLiteDriver struct {
	conn
}

// NewSQLite creates a new SQLite driver.
func NewSQLite() *SQLiteDriver {
	return &SQLiteDriver{}
}

// Open opens (or creates) the database file and applies the session
// pragmas the store depends on.
func (d *SQLiteDriver) Open(dsn string) error {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return fmt.Errorf("set pragmas: %w", err)
	}

	d.db = db
	return nil
}

// Migrate applies pending pipeline_NNN.sql files from schema/.
func (d *SQLiteDriver) Migrate(ctx context.Context, schemaFS fs.FS, schemaType string) error {
	return d.migrate(ctx, schemaFS, schemaType, migrationDialect{
		tableDDL: `CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT DEFAULT (datetime('now'))
		)`,
		schemaDir:  "schema",
		recordStmt: "INSERT INTO _migrations (version) VALUES (?)",
	})
}

func (d *SQLiteDriver) Dialect() Dialect {
	return DialectSQLite
}

func (d *SQLiteDriver) Placeholder(index int) string {
	return "?"
}

func (d *SQLiteDriver) Now() string {
	return "datetime('now')"
}
