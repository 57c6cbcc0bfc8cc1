package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation a ChangeRecord describes.
type Operation string

const (
	// OpInsert indicates a new record was created.
	OpInsert Operation = "insert"
	// OpUpdate indicates an existing record was modified.
	OpUpdate Operation = "update"
	// OpDelete indicates a record was deleted (soft or hard, depending
	// on the entity's declared capability).
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// ChangeRecord describes one committed mutation on a watched entity.
//
// Records are immutable once created and stored append-only. The
// Timestamp comes from the origin node's monotonic Clock; together with
// OriginServerID it totally orders concurrent writes to the same record.
type ChangeRecord struct {
	// ID is a UUID assigned at capture time.
	ID string `json:"id"`

	// TableName identifies the watched entity table.
	TableName string `json:"table_name"`

	// RecordID is the primary key of the mutated row within TableName.
	RecordID string `json:"record_id"`

	// Operation is insert, update, or delete.
	Operation Operation `json:"operation"`

	// Payload is the serialized row state. Opaque to the replication
	// layer; interpreted only by the entity's registered applier.
	// Empty for deletes.
	Payload json.RawMessage `json:"payload,omitempty"`

	// OriginServerID is the node that captured this change.
	OriginServerID string `json:"origin_server_id"`

	// Timestamp is monotonic milliseconds from the origin's Clock.
	Timestamp int64 `json:"timestamp"`

	// Applied marks whether this record has been materialized locally.
	// Always true on the origin (the business write already happened).
	Applied bool `json:"applied"`

	// CreatedAt is the wall-clock capture time, for operator display only.
	CreatedAt time.Time `json:"created_at"`
}

// NewChangeRecord builds a record for a local mutation.
func NewChangeRecord(table, recordID string, op Operation, payload json.RawMessage, origin string, ts int64) *ChangeRecord {
	return &ChangeRecord{
		ID:             uuid.NewString(),
		TableName:      table,
		RecordID:       recordID,
		Operation:      op,
		Payload:        payload,
		OriginServerID: origin,
		Timestamp:      ts,
		Applied:        true,
		CreatedAt:      time.Now().UTC(),
	}
}

// Validate checks that the record is well-formed enough to store or apply.
func (c *ChangeRecord) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.TableName == "" {
		return fmt.Errorf("table_name is required")
	}
	if c.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", c.Operation)
	}
	if c.OriginServerID == "" {
		return fmt.Errorf("origin_server_id is required")
	}
	if c.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive (got %d)", c.Timestamp)
	}
	return nil
}

// Supersedes reports whether this record wins last-write-wins against a
// previously applied version at (prevTS, prevOrigin).
//
// Higher timestamp wins. On an exact tie the lexicographically larger
// origin server id wins, so every replica resolves the collision the
// same way regardless of arrival order.
func (c *ChangeRecord) Supersedes(prevTS int64, prevOrigin string) bool {
	if c.Timestamp != prevTS {
		return c.Timestamp > prevTS
	}
	return c.OriginServerID > prevOrigin
}
