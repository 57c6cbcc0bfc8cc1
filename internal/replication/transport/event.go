// Package transport provides the real-time replication channel: a
// WebSocket hub with named interest rooms on the inbound side, and
// per-peer delivery workers draining the replication queue on the
// outbound side.
//
// The transport never retries a failed send on its own. A failure
// leaves the queue entry claimable and the catch-up reconciler repairs
// the gap.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// EventType identifies a WebSocket frame.
type EventType string

const (
	// EventJoin subscribes the connection to a scope.
	EventJoin EventType = "join"

	// EventLeave unsubscribes the connection from a scope.
	EventLeave EventType = "leave"

	// EventPushChange carries one ChangeRecord, in either direction.
	EventPushChange EventType = "push_change"

	// EventAck confirms a push_change by change id. A non-empty Error
	// means the record was rejected.
	EventAck EventType = "ack"

	// EventPing and EventPong are the liveness probe pair.
	EventPing EventType = "ping"
	EventPong EventType = "pong"
)

// Event is the wire frame exchanged over a replication WebSocket.
// Peer identity is established at accept time from the credential, not
// carried per frame.
type Event struct {
	Type     EventType            `json:"type"`
	Scope    string               `json:"scope,omitempty"`
	Change   *schema.ChangeRecord `json:"change,omitempty"`
	ChangeID string               `json:"change_id,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Marshal encodes the event for the wire.
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
	}
	return data, nil
}

// ParseEvent decodes a wire frame.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("event missing type")
	}
	return &ev, nil
}
