package transport

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
)

// Applier materializes inbound ChangeRecords. Satisfied by the apply
// engine.
type Applier interface {
	ApplyOne(ctx context.Context, rec *schema.ChangeRecord) error
}

// ScopeFunc derives the interest scopes a change fans out to. The hub
// derives scopes from the record itself rather than trusting a
// sender-supplied scope, so every subscriber sees the same routing no
// matter which node the change entered through.
type ScopeFunc func(rec *schema.ChangeRecord) []string

// client is one accepted WebSocket connection: a peer server (ServerID
// set) or a browser subscriber (ServerID empty).
type client struct {
	conn     *websocket.Conn
	serverID string

	// writeMu serializes frames: the dispatcher replies and room
	// broadcasts share the connection.
	writeMu sync.Mutex
}

func (c *client) send(ctx context.Context, ev *Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// inbound pairs an event with the connection that sent it.
type inbound struct {
	from *client
	ev   *Event
}

// Hub accepts replication WebSocket connections, tracks room
// membership, and dispatches inbound events off a single channel.
type Hub struct {
	applier Applier
	scopes  ScopeFunc
	rooms   *rooms
	logger  *log.Logger

	clientsMu sync.RWMutex
	clients   map[*client]bool

	events chan inbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Start before accepting connections and
// Stop on shutdown. A nil scopes disables room fan-out.
func NewHub(applier Applier, scopes ScopeFunc, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		applier: applier,
		scopes:  scopes,
		rooms:   newRooms(),
		logger:  logger,
		clients: make(map[*client]bool),
		events:  make(chan inbound, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the dispatcher.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.dispatch()
}

// Stop closes every connection and waits for the dispatcher and read
// loops to finish.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for c := range h.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, c)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Accept upgrades an authenticated HTTP request to a replication
// WebSocket. serverID is empty for browser subscribers; the API layer
// has already verified peer credentials.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, serverID string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return err
	}

	c := &client{conn: conn, serverID: serverID}

	h.clientsMu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.clientsMu.Unlock()

	if serverID != "" {
		h.logger.Printf("Peer %s connected (total connections: %d)", serverID, total)
	} else {
		h.logger.Printf("Subscriber connected (total connections: %d)", total)
	}

	h.wg.Add(1)
	go h.readLoop(c)
	return nil
}

// readLoop feeds the connection's frames into the shared event channel.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.drop(c)

	for {
		_, data, err := c.conn.Read(h.ctx)
		if err != nil {
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			h.logger.Printf("Dropping malformed frame: %v", err)
			continue
		}

		select {
		case h.events <- inbound{from: c, ev: ev}:
		case <-h.ctx.Done():
			return
		}
	}
}

// dispatch is the single consumer of the inbound event channel.
func (h *Hub) dispatch() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case in := <-h.events:
			h.handle(in)
		}
	}
}

func (h *Hub) handle(in inbound) {
	switch in.ev.Type {
	case EventJoin:
		if in.ev.Scope == "" {
			return
		}
		h.rooms.join(in.ev.Scope, in.from)
		h.logger.Printf("Connection joined scope %q (members: %d)", in.ev.Scope, h.rooms.size(in.ev.Scope))

	case EventLeave:
		if in.ev.Scope == "" {
			return
		}
		h.rooms.leave(in.ev.Scope, in.from)

	case EventPing:
		if err := in.from.send(h.ctx, &Event{Type: EventPong}); err != nil {
			h.logger.Printf("Failed to send pong: %v", err)
		}

	case EventPushChange:
		h.handlePush(in)

	case EventPong, EventAck:
		// Valid only on outbound peer connections; ignore here.

	default:
		h.logger.Printf("Ignoring unknown event type %q", in.ev.Type)
	}
}

// handlePush applies a pushed ChangeRecord and acks it. Only peer
// connections may push; the applied change then fans out to its local
// room subscribers so dashboards update without polling.
func (h *Hub) handlePush(in inbound) {
	ev := in.ev
	if ev.Change == nil {
		_ = in.from.send(h.ctx, &Event{Type: EventAck, Error: "push_change missing change"})
		return
	}

	ack := &Event{Type: EventAck, ChangeID: ev.Change.ID}

	if in.from.serverID == "" {
		ack.Error = "subscribers cannot push changes"
		_ = in.from.send(h.ctx, ack)
		return
	}

	if err := h.applier.ApplyOne(h.ctx, ev.Change); err != nil {
		h.logger.Printf("Failed to apply pushed change %s from %s: %v", ev.Change.ID, in.from.serverID, err)
		ack.Error = err.Error()
		_ = in.from.send(h.ctx, ack)
		return
	}

	if err := in.from.send(h.ctx, ack); err != nil {
		h.logger.Printf("Failed to ack change %s: %v", ev.Change.ID, err)
	}

	h.fanout(ev.Change, in.from)
}

// Broadcast sends a change to every member of the scope except the
// originating connection. Slow members are dropped rather than letting
// them stall the room.
func (h *Hub) Broadcast(scope string, rec *schema.ChangeRecord, except *client) {
	ev := &Event{Type: EventPushChange, Scope: scope, Change: rec}
	for _, c := range h.rooms.members(scope) {
		if c == except {
			continue
		}
		if err := c.send(h.ctx, ev); err != nil {
			h.logger.Printf("Failed to broadcast to scope %q member: %v", scope, err)
			h.drop(c)
		}
	}
}

// Publish fans a locally committed change out to its scopes'
// subscribers. Wired as the capturer's publish hook, so every local
// mutation reaches joined dashboards the moment it commits.
func (h *Hub) Publish(rec *schema.ChangeRecord) {
	h.fanout(rec, nil)
}

func (h *Hub) fanout(rec *schema.ChangeRecord, except *client) {
	if h.scopes == nil {
		return
	}
	for _, scope := range h.scopes(rec) {
		h.Broadcast(scope, rec, except)
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	return h.rooms.count()
}

func (h *Hub) drop(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, c)
	total := len(h.clients)
	h.clientsMu.Unlock()

	h.rooms.leaveAll(c)
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("Connection closed (total connections: %d)", total)
}
