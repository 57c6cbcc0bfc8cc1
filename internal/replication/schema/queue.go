package schema

import (
	"fmt"
	"time"
)

// QueueStatus is the delivery state of a ReplicationQueueEntry.
type QueueStatus string

const (
	// StatusPending means the entry is waiting to be claimed by a
	// delivery worker.
	StatusPending QueueStatus = "pending"
	// StatusSent means a worker has claimed the entry and a push is
	// in flight.
	StatusSent QueueStatus = "sent"
	// StatusAcked means the target peer confirmed receipt. Terminal.
	StatusAcked QueueStatus = "acked"
	// StatusFailed means the last push attempt failed; the entry will
	// return to pending with a backoff, or go dead.
	StatusFailed QueueStatus = "failed"
	// StatusDead means push retries are exhausted. Terminal for the
	// queue, but the underlying ChangeRecord remains reachable through
	// timestamp-driven catch-up.
	StatusDead QueueStatus = "dead"
)

// Valid reports whether s is a known queue status.
func (s QueueStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusAcked, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further delivery attempts will touch an
// entry in this state.
func (s QueueStatus) Terminal() bool {
	return s == StatusAcked || s == StatusDead
}

// QueueEntry tracks delivery of one ChangeRecord to one target peer.
//
// Entries transition pending -> sent -> acked on success, or
// sent -> failed -> pending (with backoff) on push failure, landing in
// dead once RetryCount exceeds the configured bound. Transitions are
// performed as conditional updates in the store so two workers can never
// double-send the same entry.
type QueueEntry struct {
	// Seq is the store-assigned rowid. Per-peer delivery order follows
	// ascending Seq, which matches enqueue order.
	Seq int64 `json:"seq"`

	ChangeID       string      `json:"change_id"`
	TargetServerID string      `json:"target_server_id"`
	Status         QueueStatus `json:"status"`
	RetryCount     int         `json:"retry_count"`

	// NextRetryAt gates when a pending entry becomes claimable again.
	NextRetryAt time.Time `json:"next_retry_at"`
}

// Validate checks the entry's fields.
func (q *QueueEntry) Validate() error {
	if q.ChangeID == "" {
		return fmt.Errorf("change_id is required")
	}
	if q.TargetServerID == "" {
		return fmt.Errorf("target_server_id is required")
	}
	if !q.Status.Valid() {
		return fmt.Errorf("unknown status %q", q.Status)
	}
	return nil
}

// RetryBackoff returns how long to wait before attempt n (0-based) is
// retried: 30s, 1m, 2m, 4m, ... capped at 30 minutes.
func RetryBackoff(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return d
}
