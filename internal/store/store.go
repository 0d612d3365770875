// Package store provides the durable SQLite persistence layer for the
// offline queue.
//
// The database runs in embedded mode with WAL so the background agent and
// foreground clients (separate processes) can read concurrently while one
// of them writes. It holds four disjoint concerns:
//
//   - operations:          the active queue, indexed by (priority, enqueued_at)
//   - failed_operations:   operations that exhausted their attempt limit
//   - sync_registrations:  named background-trigger tags awaiting redelivery
//   - drain_lock:          the cross-process at-most-one-drain lease
//
// Once Enqueue returns, the operation survives process restart until it is
// explicitly removed or failed out.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with queue-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection. The cache layer shares
// this connection so queue and cache stay in one database file.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the queue tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		target TEXT NOT NULL,
		payload BLOB,
		enqueued_at TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 2,
		attempts INTEGER NOT NULL DEFAULT 0,
		attempt_limit INTEGER NOT NULL
	);

	-- Replay order: ascending priority ordinal, then enqueue time.
	CREATE INDEX IF NOT EXISTS idx_operations_order
	    ON operations(priority, enqueued_at);

	CREATE TABLE IF NOT EXISTS failed_operations (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		target TEXT NOT NULL,
		payload BLOB,
		enqueued_at TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 2,
		attempts INTEGER NOT NULL DEFAULT 0,
		attempt_limit INTEGER NOT NULL,
		terminal_error TEXT NOT NULL,
		failed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_registrations (
		tag TEXT PRIMARY KEY,
		registered_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS drain_lock (
		scope TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// timeFormat is how timestamps are stored. The ORDER BY on enqueued_at
// compares these strings, so the layout must be fixed width: RFC3339Nano
// trims trailing zero nanoseconds, which makes a whole-second timestamp
// sort after a fractional one in the same second.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
