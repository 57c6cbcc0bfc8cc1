// Package schema defines the data model for the replication subsystem.
//
// The central type is ChangeRecord: an immutable, append-only description
// of one insert/update/delete performed against a watched entity table.
// Change records are fanned out to peers through ReplicationQueueEntry
// rows (one per change per target peer) and reconciled on receipt using
// last-write-wins timestamps produced by Clock.
//
// All structures here are flat and JSON-friendly so they can travel over
// both the real-time WebSocket channel and the catch-up HTTP endpoints
// without translation.
package schema
