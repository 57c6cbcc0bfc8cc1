package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// UpsertServer inserts or updates a peer descriptor.
func (s *Store) UpsertServer(ctx context.Context, srv *schema.SyncServer) error {
	if err := srv.Validate(); err != nil {
		return fmt.Errorf("invalid sync server: %w", err)
	}

	query := `
	INSERT INTO sync_servers (id, name, host, port, protocol, credential, is_active, last_ping_at, last_sync_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		host = excluded.host,
		port = excluded.port,
		protocol = excluded.protocol,
		credential = excluded.credential,
		is_active = excluded.is_active
	`

	active := 0
	if srv.IsActive {
		active = 1
	}

	_, err := s.conn.ExecContext(ctx, query,
		srv.ID, srv.Name, srv.Host, srv.Port, srv.Protocol, srv.Credential,
		active, timeToNullString(srv.LastPingAt), srv.LastSyncAt)
	if err != nil {
		return fmt.Errorf("failed to upsert server %s: %w", srv.ID, err)
	}

	return nil
}

// GetServer retrieves a peer by id.
func (s *Store) GetServer(ctx context.Context, id string) (*schema.SyncServer, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, name, host, port, protocol, credential, is_active, last_ping_at, last_sync_at
	FROM sync_servers WHERE id = ?`, id)

	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server %s: %w", id, err)
	}
	return srv, nil
}

// ListServers returns peers, optionally restricted to active ones.
func (s *Store) ListServers(ctx context.Context, activeOnly bool) ([]*schema.SyncServer, error) {
	query := `
	SELECT id, name, host, port, protocol, credential, is_active, last_ping_at, last_sync_at
	FROM sync_servers`
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY id ASC"

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*schema.SyncServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating servers: %w", err)
	}

	return servers, nil
}

// SetServerActive activates or deactivates a peer.
func (s *Store) SetServerActive(ctx context.Context, id string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := s.conn.ExecContext(ctx,
		"UPDATE sync_servers SET is_active = ? WHERE id = ?", v, id)
	if err != nil {
		return fmt.Errorf("failed to update server %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchPing records a successful health check.
func (s *Store) TouchPing(ctx context.Context, id string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE sync_servers SET last_ping_at = ? WHERE id = ?",
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to touch ping for %s: %w", id, err)
	}
	return nil
}

// AdvanceLastSync raises the catch-up high-water mark for a peer. The
// guard clause makes the advance monotonic: a stale or reordered batch
// can never move the mark backward.
func (s *Store) AdvanceLastSync(ctx context.Context, id string, ts int64) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE sync_servers SET last_sync_at = ? WHERE id = ? AND last_sync_at < ?",
		ts, id, ts)
	if err != nil {
		return fmt.Errorf("failed to advance last_sync_at for %s: %w", id, err)
	}
	return nil
}

// ActiveServerIDs returns the ids of active peers. When tx is non-nil
// the read goes through it, so capture can compute fanout targets
// without acquiring a second connection mid-transaction.
func (s *Store) ActiveServerIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	query := "SELECT id FROM sync_servers WHERE is_active = 1 ORDER BY id ASC"

	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query)
	} else {
		rows, err = s.conn.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list active server ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan server id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating server ids: %w", err)
	}

	return ids, nil
}

// FindServerByCredential resolves an inbound credential to an active
// peer. Returns ErrNotFound for unknown or inactive credentials, which
// callers must treat as an authentication failure.
func (s *Store) FindServerByCredential(ctx context.Context, credential string) (*schema.SyncServer, error) {
	if credential == "" {
		return nil, ErrNotFound
	}

	row := s.conn.QueryRowContext(ctx, `
	SELECT id, name, host, port, protocol, credential, is_active, last_ping_at, last_sync_at
	FROM sync_servers WHERE credential = ? AND is_active = 1`, credential)

	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}
	return srv, nil
}

func scanServer(row scanner) (*schema.SyncServer, error) {
	var srv schema.SyncServer
	var active int
	var lastPing sql.NullString

	err := row.Scan(
		&srv.ID,
		&srv.Name,
		&srv.Host,
		&srv.Port,
		&srv.Protocol,
		&srv.Credential,
		&active,
		&lastPing,
		&srv.LastSyncAt,
	)
	if err != nil {
		return nil, err
	}

	srv.IsActive = active != 0
	srv.LastPingAt = nullStringToTime(lastPing)

	return &srv, nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
