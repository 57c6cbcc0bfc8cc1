package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendChange inserts a ChangeRecord inside the given transaction.
// Records are immutable; a duplicate id is an error.
func (s *Store) AppendChange(ctx context.Context, tx *sql.Tx, rec *schema.ChangeRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid change record: %w", err)
	}
	return appendChange(ctx, tx, rec)
}

// AppendChangeDirect inserts a ChangeRecord outside any caller
// transaction. Used when recording remotely originated changes that the
// apply engine has already materialized.
func (s *Store) AppendChangeDirect(ctx context.Context, rec *schema.ChangeRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid change record: %w", err)
	}
	return appendChange(ctx, s.conn, rec)
}

func appendChange(ctx context.Context, ex sqlExecer, rec *schema.ChangeRecord) error {
	query := `
	INSERT INTO change_records (
		id, table_name, record_id, operation, payload,
		origin_server_id, timestamp, applied, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	applied := 0
	if rec.Applied {
		applied = 1
	}

	_, err := ex.ExecContext(ctx, query,
		rec.ID,
		rec.TableName,
		rec.RecordID,
		rec.Operation,
		string(rec.Payload),
		rec.OriginServerID,
		rec.Timestamp,
		applied,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append change %s: %w", rec.ID, err)
	}

	return nil
}

// HasChange reports whether a change record with the given id exists.
// Inbound pushes use this for cheap duplicate suppression before the
// conflict resolver runs.
func (s *Store) HasChange(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM change_records WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check change %s: %w", id, err)
	}
	return n > 0, nil
}

// GetChange retrieves one change record by id.
func (s *Store) GetChange(ctx context.Context, id string) (*schema.ChangeRecord, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, table_name, record_id, operation, payload,
	       origin_server_id, timestamp, applied, created_at
	FROM change_records WHERE id = ?`, id)

	rec, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change %s: %w", id, err)
	}
	return rec, nil
}

// ChangesSinceOptions configures ChangesSince.
type ChangesSinceOptions struct {
	// ExcludeOrigin omits records that originated on the given server.
	// Catch-up responses use this so a peer never receives its own
	// changes back.
	ExcludeOrigin string

	// Limit caps the result set; 0 means unlimited (catchup mode).
	Limit int
}

// ChangesSince returns change records with timestamp strictly greater
// than since, in ascending (timestamp, origin_server_id) order.
func (s *Store) ChangesSince(ctx context.Context, since int64, opts ChangesSinceOptions) ([]*schema.ChangeRecord, error) {
	query := `
	SELECT id, table_name, record_id, operation, payload,
	       origin_server_id, timestamp, applied, created_at
	FROM change_records
	WHERE timestamp > ?`
	args := []any{since}

	if opts.ExcludeOrigin != "" {
		query += " AND origin_server_id != ?"
		args = append(args, opts.ExcludeOrigin)
	}

	query += " ORDER BY timestamp ASC, origin_server_id ASC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes since %d: %w", since, err)
	}
	defer rows.Close()

	var records []*schema.ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return records, nil
}

// ChangeCount returns the total number of stored change records.
func (s *Store) ChangeCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return count, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanChange(row scanner) (*schema.ChangeRecord, error) {
	var rec schema.ChangeRecord
	var payload sql.NullString
	var applied int
	var createdAt string

	err := row.Scan(
		&rec.ID,
		&rec.TableName,
		&rec.RecordID,
		&rec.Operation,
		&payload,
		&rec.OriginServerID,
		&rec.Timestamp,
		&applied,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.Applied = applied != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}

	return &rec, nil
}
