// Package apply materializes incoming ChangeRecords against local
// state.
//
// Conflict resolution is last-write-wins on the record timestamp with a
// deterministic origin-id tie break, so every replica converges to the
// same state regardless of delivery order. Stale records are discarded
// as a normal no-op, not an error.
//
// Every applier call runs under a replication-suppressed context
// (capture.Suppress), so applying a change never captures a new one.
package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/capture"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/store"
)

// ErrUnknownTable is returned for records whose table has no registered
// applier. It fails that record only; the rest of the batch continues.
var ErrUnknownTable = errors.New("unknown table")

// EntityApplier materializes changes for one watched entity table.
//
// Implementations decide their own delete semantics: soft delete where
// the schema supports recovery, hard delete otherwise.
type EntityApplier interface {
	// TableName is the stable wire identifier this applier handles.
	TableName() string

	// Apply materializes one operation. For deletes the payload is
	// empty. Apply must be idempotent: re-applying the same record
	// must leave state unchanged.
	Apply(ctx context.Context, op schema.Operation, recordID string, payload json.RawMessage) error
}

// Engine is the conflict resolver and apply pipeline.
type Engine struct {
	store    *store.Store
	clock    *schema.Clock
	appliers map[string]EntityApplier
	logger   *log.Logger
}

// NewEngine creates an Engine. Appliers are registered once at startup;
// the registry is not safe for concurrent mutation afterward.
//
// If logger is nil, a default logger writing to stderr is used.
func NewEngine(st *store.Store, clock *schema.Clock, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[apply] ", log.LstdFlags)
	}
	return &Engine{
		store:    st,
		clock:    clock,
		appliers: make(map[string]EntityApplier),
		logger:   logger,
	}
}

// Register adds an applier for its table. Duplicate registration is a
// programming error and fails fast.
func (e *Engine) Register(a EntityApplier) error {
	name := a.TableName()
	if name == "" {
		return fmt.Errorf("applier has empty table name")
	}
	if _, exists := e.appliers[name]; exists {
		return fmt.Errorf("applier for table %q already registered", name)
	}
	e.appliers[name] = a
	return nil
}

// Tables returns the registered table names, for diagnostics.
func (e *Engine) Tables() []string {
	names := make([]string, 0, len(e.appliers))
	for name := range e.appliers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyBatch applies records in ascending (timestamp, origin) order.
// Per-record failures are collected; they never abort the batch.
func (e *Engine) ApplyBatch(ctx context.Context, records []*schema.ChangeRecord) *schema.ApplyResult {
	sorted := make([]*schema.ChangeRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp < sorted[j].Timestamp
		}
		return sorted[i].OriginServerID < sorted[j].OriginServerID
	})

	result := &schema.ApplyResult{}
	for _, rec := range sorted {
		if err := e.ApplyOne(ctx, rec); err != nil {
			result.Errors = append(result.Errors, schema.ApplyError{
				ChangeID: rec.ID,
				Table:    rec.TableName,
				RecordID: rec.RecordID,
				Reason:   err.Error(),
			})
			continue
		}
		result.AppliedCount++
		if rec.Timestamp > result.MaxApplied {
			result.MaxApplied = rec.Timestamp
		}
	}

	if len(result.Errors) > 0 {
		e.logger.Printf("Applied batch: %d ok, %d failed", result.AppliedCount, len(result.Errors))
	}
	return result
}

// ApplyOne idempotently applies a single record. A stale or duplicate
// record returns nil: discarding it is the expected outcome.
func (e *Engine) ApplyOne(ctx context.Context, rec *schema.ChangeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	applier, ok := e.appliers[rec.TableName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, rec.TableName)
	}

	// Exact replay of a record we already hold is a no-op.
	seen, err := e.store.HasChange(ctx, rec.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	// Keep local timestamps ahead of everything we have observed, so a
	// follow-up local edit is stamped newer than the change it reacts to.
	e.clock.Observe(rec.Timestamp)

	materialize := true
	version, err := e.store.GetVersion(ctx, rec.TableName, rec.RecordID)
	switch {
	case err == nil:
		if !rec.Supersedes(version.Timestamp, version.OriginServerID) {
			materialize = false // stale: discard, keep the log entry
		}
	case errors.Is(err, store.ErrNotFound):
		// First write wins outright. A delete for a record we never
		// saw just leaves a tombstone version so an older insert
		// arriving later is discarded.
		if rec.Operation == schema.OpDelete {
			materialize = false
		}
	default:
		return err
	}

	if materialize {
		suppressed := capture.Suppress(ctx)
		if err := applier.Apply(suppressed, rec.Operation, rec.RecordID, rec.Payload); err != nil {
			return fmt.Errorf("failed to apply %s on %s/%s: %w", rec.Operation, rec.TableName, rec.RecordID, err)
		}
	}

	winner := materialize || version == nil
	if winner {
		if err := e.store.SetVersion(ctx, nil, rec.TableName, rec.RecordID, rec.Timestamp, rec.OriginServerID); err != nil {
			return err
		}
	}

	// Keep a local copy of the record so catch-up can serve it onward
	// and replays short-circuit above. Never enqueued for fanout: an
	// applied change is not re-emitted.
	stored := *rec
	stored.Applied = materialize
	if err := e.store.AppendChangeDirect(ctx, &stored); err != nil {
		return err
	}

	return nil
}
