package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// EnqueueFanout creates one pending queue entry per target peer for a
// change, inside the capture transaction. Duplicate (change, target)
// pairs are ignored so replays cannot double-enqueue.
func (s *Store) EnqueueFanout(ctx context.Context, tx *sql.Tx, changeID string, targets []string) error {
	if len(targets) == 0 {
		return nil
	}

	query := `
	INSERT INTO replication_queue (change_id, target_server_id, status, retry_count, next_retry_at)
	VALUES (?, ?, 'pending', 0, ?)
	ON CONFLICT (change_id, target_server_id) DO NOTHING
	`

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, target := range targets {
		if _, err := tx.ExecContext(ctx, query, changeID, target, now); err != nil {
			return fmt.Errorf("failed to enqueue change %s for %s: %w", changeID, target, err)
		}
	}

	return nil
}

// ClaimNext atomically claims the oldest claimable pending entry for a
// peer, transitioning it pending -> sent. Returns ErrNotFound when
// nothing is claimable (empty queue, or everything backing off).
//
// The claim is a conditional update keyed on the current status, so two
// workers racing over the same entry cannot both win.
func (s *Store) ClaimNext(ctx context.Context, target string) (*schema.QueueEntry, *schema.ChangeRecord, error) {
	now := time.Now().UTC()

	for {
		entry, err := s.nextClaimable(ctx, target, now)
		if err != nil {
			return nil, nil, err
		}

		res, err := s.conn.ExecContext(ctx,
			"UPDATE replication_queue SET status = 'sent' WHERE seq = ? AND status = 'pending'",
			entry.Seq)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to claim queue entry %d: %w", entry.Seq, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if n == 0 {
			// Lost the race; try the next entry.
			continue
		}

		entry.Status = schema.StatusSent

		rec, err := s.GetChange(ctx, entry.ChangeID)
		if err != nil {
			return nil, nil, fmt.Errorf("claimed entry %d has no change record: %w", entry.Seq, err)
		}
		return entry, rec, nil
	}
}

func (s *Store) nextClaimable(ctx context.Context, target string, now time.Time) (*schema.QueueEntry, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT seq, change_id, target_server_id, status, retry_count, next_retry_at
	FROM replication_queue
	WHERE target_server_id = ? AND status = 'pending' AND next_retry_at <= ?
	ORDER BY seq ASC
	LIMIT 1`, target, now.Format(time.RFC3339Nano))

	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable entry for %s: %w", target, err)
	}
	return entry, nil
}

// MarkAcked transitions a sent entry to acked. Terminal.
func (s *Store) MarkAcked(ctx context.Context, seq int64) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE replication_queue SET status = 'acked' WHERE seq = ? AND status = 'sent'", seq)
	if err != nil {
		return fmt.Errorf("failed to ack queue entry %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d was not in sent state", seq)
	}
	return nil
}

// MarkFailed records a failed push attempt. The entry returns to
// pending with an exponential next_retry_at, or moves to dead once
// maxRetries attempts have failed. Dead entries are terminal for the
// push path; catch-up still reaches the underlying change by timestamp.
func (s *Store) MarkFailed(ctx context.Context, seq int64, maxRetries int) (schema.QueueStatus, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRowContext(ctx,
		"SELECT retry_count FROM replication_queue WHERE seq = ? AND status = 'sent'", seq).
		Scan(&retryCount)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("queue entry %d was not in sent state", seq)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read queue entry %d: %w", seq, err)
	}

	retryCount++
	status := schema.StatusPending
	if retryCount >= maxRetries {
		status = schema.StatusDead
	}
	nextRetry := time.Now().UTC().Add(schema.RetryBackoff(retryCount))

	_, err = tx.ExecContext(ctx, `
	UPDATE replication_queue
	SET status = ?, retry_count = ?, next_retry_at = ?
	WHERE seq = ?`,
		status, retryCount, nextRetry.Format(time.RFC3339Nano), seq)
	if err != nil {
		return "", fmt.Errorf("failed to fail queue entry %d: %w", seq, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit failure for entry %d: %w", seq, err)
	}

	return status, nil
}

// ReleaseSent returns an in-flight entry to pending without counting a
// retry. Used on shutdown so a worker's claimed entry is not stranded.
func (s *Store) ReleaseSent(ctx context.Context, seq int64) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE replication_queue SET status = 'pending' WHERE seq = ? AND status = 'sent'", seq)
	if err != nil {
		return fmt.Errorf("failed to release queue entry %d: %w", seq, err)
	}
	return nil
}

// PendingCount returns the number of pending entries for a peer.
func (s *Store) PendingCount(ctx context.Context, target string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM replication_queue WHERE target_server_id = ? AND status = 'pending'",
		target).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries for %s: %w", target, err)
	}
	return count, nil
}

// DeadEntries lists dead queue entries for operator inspection.
func (s *Store) DeadEntries(ctx context.Context) ([]*schema.QueueEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT seq, change_id, target_server_id, status, retry_count, next_retry_at
	FROM replication_queue
	WHERE status = 'dead'
	ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead entries: %w", err)
	}
	defer rows.Close()

	var entries []*schema.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}

// QueueEntry retrieves a single queue entry by seq.
func (s *Store) QueueEntry(ctx context.Context, seq int64) (*schema.QueueEntry, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT seq, change_id, target_server_id, status, retry_count, next_retry_at
	FROM replication_queue WHERE seq = ?`, seq)

	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry %d: %w", seq, err)
	}
	return entry, nil
}

func scanQueueEntry(row scanner) (*schema.QueueEntry, error) {
	var entry schema.QueueEntry
	var nextRetry string

	err := row.Scan(
		&entry.Seq,
		&entry.ChangeID,
		&entry.TargetServerID,
		&entry.Status,
		&entry.RetryCount,
		&nextRetry,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, nextRetry); err == nil {
		entry.NextRetryAt = t
	}

	return &entry, nil
}
