package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EntityVersion is the last-applied write for one (table, record) pair.
type EntityVersion struct {
	TableName      string
	RecordID       string
	Timestamp      int64
	OriginServerID string
}

// GetVersion returns the version for (table, recordID), or ErrNotFound
// if no write has been applied yet.
func (s *Store) GetVersion(ctx context.Context, table, recordID string) (*EntityVersion, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT table_name, record_id, timestamp, origin_server_id
	FROM entity_versions
	WHERE table_name = ? AND record_id = ?`, table, recordID)

	var v EntityVersion
	err := row.Scan(&v.TableName, &v.RecordID, &v.Timestamp, &v.OriginServerID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version for %s/%s: %w", table, recordID, err)
	}
	return &v, nil
}

// SetVersion records the applied (timestamp, origin) for a record,
// inside the given transaction when tx is non-nil.
func (s *Store) SetVersion(ctx context.Context, tx *sql.Tx, table, recordID string, ts int64, origin string) error {
	query := `
	INSERT INTO entity_versions (table_name, record_id, timestamp, origin_server_id)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (table_name, record_id) DO UPDATE SET
		timestamp = excluded.timestamp,
		origin_server_id = excluded.origin_server_id
	`

	var ex sqlExecer = s.conn
	if tx != nil {
		ex = tx
	}

	if _, err := ex.ExecContext(ctx, query, table, recordID, ts, origin); err != nil {
		return fmt.Errorf("failed to set version for %s/%s: %w", table, recordID, err)
	}
	return nil
}
