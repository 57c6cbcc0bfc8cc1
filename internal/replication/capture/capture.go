// Package capture turns committed entity mutations into durable
// ChangeRecords.
//
// Record runs inside the caller's transaction: the business write and
// its change record share one durability boundary, so a crash between
// them cannot silently lose the change, and a capture failure fails the
// caller's operation loudly.
//
// Writes performed while applying a remote change run under a
// suppressed context (see Suppress) and produce no records. This is the
// loop-prevention guarantee: a change produced as a result of applying
// another change is never emitted.
package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/store"
)

type suppressKey struct{}

// Suppress returns a context under which Record becomes a no-op.
// The apply engine wraps every remote apply in this.
func Suppress(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// Suppressed reports whether replication capture is disabled on ctx.
func Suppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}

// Capturer records local mutations and fans them out to active peers.
type Capturer struct {
	store  *store.Store
	clock  *schema.Clock
	selfID string
	logger *log.Logger

	// notify wakes delivery workers after a commit. Best-effort; a
	// missed wake is repaired by catch-up.
	notify func()

	// publish hands a committed record to local room subscribers.
	// Best-effort like notify; dashboards refetch on reconnect.
	publish func(rec *schema.ChangeRecord)
}

// New creates a Capturer for this node.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, clock *schema.Clock, selfID string, logger *log.Logger) *Capturer {
	if logger == nil {
		logger = log.New(os.Stderr, "[capture] ", log.LstdFlags)
	}
	return &Capturer{
		store:  st,
		clock:  clock,
		selfID: selfID,
		logger: logger,
	}
}

// SetNotify installs the transport wake hook. Must be called before
// concurrent use.
func (c *Capturer) SetNotify(fn func()) {
	c.notify = fn
}

// SetPublish installs the local fan-out hook. Must be called before
// concurrent use.
func (c *Capturer) SetPublish(fn func(rec *schema.ChangeRecord)) {
	c.publish = fn
}

// SelfID returns this node's server id.
func (c *Capturer) SelfID() string {
	return c.selfID
}

// Clock returns the node clock, shared with the apply engine so remote
// timestamps can be observed.
func (c *Capturer) Clock() *schema.Clock {
	return c.clock
}

// Record captures one mutation inside tx. It appends the ChangeRecord,
// creates one pending queue entry per active peer, and bumps the local
// EntityVersion so our own write beats stale remote ones.
//
// Returns (nil, nil) under a suppressed context.
func (c *Capturer) Record(ctx context.Context, tx *sql.Tx, table, recordID string, op schema.Operation, payload json.RawMessage) (*schema.ChangeRecord, error) {
	if Suppressed(ctx) {
		return nil, nil
	}

	ts := c.clock.Next()
	rec := schema.NewChangeRecord(table, recordID, op, payload, c.selfID, ts)

	if err := c.store.AppendChange(ctx, tx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist change record: %w", err)
	}

	targets, err := c.store.ActiveServerIDs(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fanout targets: %w", err)
	}
	targets = exclude(targets, c.selfID)

	if err := c.store.EnqueueFanout(ctx, tx, rec.ID, targets); err != nil {
		return nil, fmt.Errorf("failed to enqueue fanout: %w", err)
	}

	if err := c.store.SetVersion(ctx, tx, table, recordID, ts, c.selfID); err != nil {
		return nil, fmt.Errorf("failed to record entity version: %w", err)
	}

	c.logger.Printf("Captured %s on %s/%s (ts=%d, targets=%d)", op, table, recordID, ts, len(targets))
	return rec, nil
}

// Notify signals the transport that new queue entries exist. Call after
// the capture transaction commits, never before.
func (c *Capturer) Notify() {
	if c.notify != nil {
		c.notify()
	}
}

// Publish fans a committed record out to local room subscribers. Call
// after the capture transaction commits, never before.
func (c *Capturer) Publish(rec *schema.ChangeRecord) {
	if c.publish != nil && rec != nil {
		c.publish(rec)
	}
}

func exclude(ids []string, self string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
