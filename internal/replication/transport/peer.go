package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// PeerConn is an outbound replication WebSocket to one peer. It is
// single-flight: the owning delivery worker pushes strictly one change
// at a time, so reads here only ever race shutdown.
type PeerConn struct {
	conn     *websocket.Conn
	serverID string
}

// Dial opens a replication connection to the peer, authenticating with
// its shared credential.
func Dial(ctx context.Context, srv *schema.SyncServer) (*PeerConn, error) {
	header := http.Header{}
	if srv.Credential != "" {
		header.Set("Authorization", "Bearer "+srv.Credential)
	}

	conn, resp, err := websocket.Dial(ctx, srv.WebSocketURL(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", srv.ID, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return &PeerConn{conn: conn, serverID: srv.ID}, nil
}

// Push sends one ChangeRecord and waits for the peer's ack. The caller
// bounds the wait through ctx; on expiry the connection is left in an
// unknown state and must be closed.
func (p *PeerConn) Push(ctx context.Context, rec *schema.ChangeRecord) error {
	ev := &Event{Type: EventPushChange, Change: rec}
	data, err := ev.Marshal()
	if err != nil {
		return err
	}

	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to push change %s: %w", rec.ID, err)
	}

	for {
		_, frame, err := p.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read ack for change %s: %w", rec.ID, err)
		}

		reply, err := ParseEvent(frame)
		if err != nil {
			return err
		}

		switch reply.Type {
		case EventAck:
			if reply.ChangeID != rec.ID {
				// An ack for an earlier, timed-out push. Skip it.
				continue
			}
			if reply.Error != "" {
				return fmt.Errorf("peer %s rejected change %s: %s", p.serverID, rec.ID, reply.Error)
			}
			return nil
		case EventPong, EventPushChange:
			// Unrelated traffic on the shared channel.
			continue
		default:
			continue
		}
	}
}

// Ping probes the peer for liveness.
func (p *PeerConn) Ping(ctx context.Context) error {
	ev := &Event{Type: EventPing}
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to ping peer %s: %w", p.serverID, err)
	}

	for {
		_, frame, err := p.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read pong from peer %s: %w", p.serverID, err)
		}
		reply, err := ParseEvent(frame)
		if err != nil {
			return err
		}
		if reply.Type == EventPong {
			return nil
		}
	}
}

// Close shuts the connection down.
func (p *PeerConn) Close() error {
	return p.conn.Close(websocket.StatusNormalClosure, "")
}
