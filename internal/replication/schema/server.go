package schema

import (
	"fmt"
	"strings"
	"time"
)

// SyncServer describes a known replication peer.
type SyncServer struct {
	// ID is the peer's stable identity, also used as the LWW tie-break
	// key, so it must never change once assigned.
	ID string `json:"id"`

	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // http or https

	// Credential is the shared token this node presents when pushing or
	// polling, and which the peer must present inbound. Never logged.
	Credential string `json:"credential,omitempty"`

	// IsActive gates both fanout (no queue entries are created for
	// inactive peers) and catch-up polling.
	IsActive bool `json:"is_active"`

	// LastPingAt is the most recent successful health check.
	LastPingAt *time.Time `json:"last_ping_at,omitempty"`

	// LastSyncAt is the catch-up high-water mark: every change on this
	// peer with timestamp <= LastSyncAt is known to be applied locally.
	// It only ever advances to the maximum timestamp actually applied.
	LastSyncAt int64 `json:"last_sync_at"`
}

// Validate checks the descriptor's fields.
func (s *SyncServer) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535 (got %d)", s.Port)
	}
	switch s.Protocol {
	case "http", "https":
	case "":
		return fmt.Errorf("protocol is required")
	default:
		return fmt.Errorf("unsupported protocol %q", s.Protocol)
	}
	return nil
}

// BaseURL returns the peer's HTTP base URL, e.g. "https://host:8443".
func (s *SyncServer) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", s.Protocol, s.Host, s.Port)
}

// WebSocketURL returns the peer's real-time channel URL.
func (s *SyncServer) WebSocketURL() string {
	scheme := "ws"
	if s.Protocol == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, s.Host, s.Port)
}

// Redacted returns a copy safe for logs and API listings.
func (s *SyncServer) Redacted() SyncServer {
	out := *s
	if out.Credential != "" {
		out.Credential = strings.Repeat("*", 8)
	}
	return out
}
