// Package store provides the durable SQLite layer for the replication
// subsystem.
//
// The database runs in embedded mode with WAL so delivery workers,
// catch-up pollers, and inbound request handlers can read concurrently
// while captures write.
//
// Tables:
//   - change_records: append-only log of captured mutations
//   - replication_queue: per-(change, peer) delivery state machine
//   - entity_versions: last-applied (timestamp, origin) per record,
//     consulted by the conflict resolver
//   - sync_servers: peer registry with catch-up high-water marks
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection with replication-specific queries.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the given path, creating parent
// directories as needed. Use ":memory:" for tests.
//
// The caller MUST call Close when done.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if path == ":memory:" {
		// A second connection would see a different empty database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB, for entity tables that share the
// same database file.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the replication tables and indexes. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS change_records (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT,
		origin_server_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		applied INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS replication_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		change_id TEXT NOT NULL,
		target_server_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT NOT NULL,
		UNIQUE (change_id, target_server_id),
		FOREIGN KEY (change_id) REFERENCES change_records(id)
	);

	CREATE TABLE IF NOT EXISTS entity_versions (
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		origin_server_id TEXT NOT NULL,
		PRIMARY KEY (table_name, record_id)
	);

	CREATE TABLE IF NOT EXISTS sync_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		credential TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		last_ping_at TEXT,
		last_sync_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_changes_ts ON change_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_changes_origin_ts
	    ON change_records(origin_server_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_changes_entity
	    ON change_records(table_name, record_id);

	CREATE INDEX IF NOT EXISTS idx_queue_claim
	    ON replication_queue(target_server_id, status, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON replication_queue(status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// BeginTx starts a transaction on the underlying connection. Capture
// call sites use this so the business write and the change record share
// one durability boundary.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}
