package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/capture"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/store"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/scouting"
)

func TestRoomsJoinLeaveGC(t *testing.T) {
	r := newRooms()
	a, b := &client{}, &client{}

	r.join("event:2026casj", a)
	r.join("event:2026casj", b)
	if got := r.size("event:2026casj"); got != 2 {
		t.Errorf("size = %d, want 2", got)
	}
	if got := r.count(); got != 1 {
		t.Errorf("room count = %d, want 1", got)
	}

	r.leave("event:2026casj", a)
	if got := r.size("event:2026casj"); got != 1 {
		t.Errorf("size after leave = %d, want 1", got)
	}

	// Last member out discards the room.
	r.leave("event:2026casj", b)
	if got := r.count(); got != 0 {
		t.Errorf("room count after last leave = %d, want 0", got)
	}

	// Leaving a dead room is harmless.
	r.leave("event:2026casj", a)
}

func TestRoomsLeaveAll(t *testing.T) {
	r := newRooms()
	c := &client{}
	r.join("scope-1", c)
	r.join("scope-2", c)
	r.join("scope-3", &client{})

	r.leaveAll(c)

	if got := r.count(); got != 1 {
		t.Errorf("room count = %d, want 1 (only scope-3 survives)", got)
	}
}

func TestRoomsConcurrent(t *testing.T) {
	r := newRooms()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := &client{}
			scope := fmt.Sprintf("scope-%d", n%4)
			for j := 0; j < 100; j++ {
				r.join(scope, c)
				r.members(scope)
				r.leave(scope, c)
			}
		}(i)
	}
	wg.Wait()

	if got := r.count(); got != 0 {
		t.Errorf("room count after churn = %d, want 0", got)
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid join", `{"type":"join","scope":"event:x"}`, false},
		{"valid push", `{"type":"push_change","change":{"id":"c1"}}`, false},
		{"missing type", `{"scope":"event:x"}`, true},
		{"garbage", `not json`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// recordingApplier collects applied changes, failing for tables in
// reject.
type recordingApplier struct {
	mu      sync.Mutex
	applied []*schema.ChangeRecord
	reject  map[string]bool
}

func (a *recordingApplier) ApplyOne(ctx context.Context, rec *schema.ChangeRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reject[rec.TableName] {
		return fmt.Errorf("unknown table %q", rec.TableName)
	}
	a.applied = append(a.applied, rec)
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func startHub(t *testing.T, applier Applier, serverID string) (*Hub, string) {
	t.Helper()

	hub := NewHub(applier, scouting.ChangeScopes, nil)
	hub.Start()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A "peer" query parameter marks the connection as a peer
		// server, standing in for the API layer's credential check.
		id := r.URL.Query().Get("peer")
		if id == "" {
			id = serverID
		}
		if err := hub.Accept(w, r, id); err != nil {
			t.Logf("accept failed: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + srv.URL[len("http"):]
}

func dialRaw(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Failed to dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, ev *Event) {
	t.Helper()
	data, err := ev.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) *Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	ev, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("Failed to parse event: %v", err)
	}
	return ev
}

func TestHubPingPong(t *testing.T) {
	_, url := startHub(t, &recordingApplier{}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRaw(t, ctx, url)
	sendEvent(t, ctx, conn, &Event{Type: EventPing})

	if reply := readEvent(t, ctx, conn); reply.Type != EventPong {
		t.Errorf("reply type = %s, want pong", reply.Type)
	}
}

func TestHubPeerPushAppliesAndAcks(t *testing.T) {
	applier := &recordingApplier{}
	_, url := startHub(t, applier, "peer-x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRaw(t, ctx, url)

	rec := &schema.ChangeRecord{
		ID: "c1", TableName: "teams", RecordID: "team-1",
		Operation: schema.OpInsert, Payload: json.RawMessage(`{"id":"team-1"}`),
		OriginServerID: "peer-x", Timestamp: 100,
	}
	sendEvent(t, ctx, conn, &Event{Type: EventPushChange, Change: rec})

	ack := readEvent(t, ctx, conn)
	if ack.Type != EventAck || ack.ChangeID != "c1" {
		t.Errorf("ack = %+v, want ack for c1", ack)
	}
	if ack.Error != "" {
		t.Errorf("ack carries error %q", ack.Error)
	}
	if applier.count() != 1 {
		t.Errorf("applied = %d, want 1", applier.count())
	}
}

func TestHubSubscriberCannotPush(t *testing.T) {
	applier := &recordingApplier{}
	_, url := startHub(t, applier, "") // browser subscriber

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRaw(t, ctx, url)
	sendEvent(t, ctx, conn, &Event{Type: EventPushChange, Change: &schema.ChangeRecord{ID: "c1"}})

	ack := readEvent(t, ctx, conn)
	if ack.Error == "" {
		t.Error("subscriber push was not rejected")
	}
	if applier.count() != 0 {
		t.Errorf("applied = %d, want 0", applier.count())
	}
}

func TestHubRejectedPushAcksWithError(t *testing.T) {
	applier := &recordingApplier{reject: map[string]bool{"pit_photos": true}}
	_, url := startHub(t, applier, "peer-x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRaw(t, ctx, url)
	sendEvent(t, ctx, conn, &Event{Type: EventPushChange, Change: &schema.ChangeRecord{
		ID: "c1", TableName: "pit_photos", RecordID: "p1",
		Operation: schema.OpInsert, OriginServerID: "peer-x", Timestamp: 1,
	}})

	ack := readEvent(t, ctx, conn)
	if ack.Type != EventAck || ack.Error == "" {
		t.Errorf("ack = %+v, want ack with error", ack)
	}
}

// joinScope subscribes conn to scope and waits for the membership to
// land; joins are async through the dispatcher.
func joinScope(t *testing.T, ctx context.Context, hub *Hub, conn *websocket.Conn, scope string) {
	t.Helper()
	sendEvent(t, ctx, conn, &Event{Type: EventJoin, Scope: scope})

	deadline := time.Now().Add(2 * time.Second)
	for hub.rooms.size(scope) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("join never reached scope %q", scope)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubPushFansOutToEventRoom(t *testing.T) {
	hub, url := startHub(t, &recordingApplier{}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	member := dialRaw(t, ctx, url)
	outsider := dialRaw(t, ctx, url)
	peer := dialRaw(t, ctx, url+"?peer=peer-x")

	joinScope(t, ctx, hub, member, "event:2026casj")
	joinScope(t, ctx, hub, outsider, "event:2026txho")

	rec := &schema.ChangeRecord{
		ID: "c1", TableName: "teams", RecordID: "team-1",
		Operation: schema.OpUpdate, OriginServerID: "peer-x", Timestamp: 5,
		Payload: json.RawMessage(`{"id":"team-1","event_key":"2026casj"}`),
	}
	sendEvent(t, ctx, peer, &Event{Type: EventPushChange, Change: rec})

	if ack := readEvent(t, ctx, peer); ack.Type != EventAck || ack.Error != "" {
		t.Fatalf("ack = %+v, want clean ack", ack)
	}

	got := readEvent(t, ctx, member)
	if got.Type != EventPushChange || got.Change == nil || got.Change.ID != "c1" {
		t.Errorf("member received %+v, want push of c1", got)
	}

	// The other event's room stays quiet.
	shortCtx, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer shortCancel()
	if _, _, err := outsider.Read(shortCtx); err == nil {
		t.Error("outsider received a frame for an event it never joined")
	}
}

func TestCapturedChangeReachesSubscribers(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("Failed to init replication schema: %v", err)
	}
	entities := scouting.NewStore(st.RawDB())
	if err := entities.InitSchema(ctx); err != nil {
		t.Fatalf("Failed to init scouting schema: %v", err)
	}

	hub, url := startHub(t, &recordingApplier{}, "")

	// Wired exactly as the serve command wires it: capture publishes
	// committed records straight into the hub.
	capturer := capture.New(st, schema.NewClock(), "self", nil)
	capturer.SetPublish(hub.Publish)
	svc := scouting.NewService(entities, capturer, st.BeginTx)

	subscriber := dialRaw(t, ctx, url)
	joinScope(t, ctx, hub, subscriber, "event:2026casj")

	team := &scouting.Team{ID: "team-p1", Number: 7, EventKey: "2026casj", IsActive: true}
	if err := svc.SaveTeam(ctx, team); err != nil {
		t.Fatalf("SaveTeam() error = %v", err)
	}

	got := readEvent(t, ctx, subscriber)
	if got.Type != EventPushChange || got.Change == nil {
		t.Fatalf("subscriber received %+v, want push_change", got)
	}
	if got.Change.TableName != scouting.TableTeams || got.Change.RecordID != "team-p1" {
		t.Errorf("pushed change = %s/%s, want teams/team-p1", got.Change.TableName, got.Change.RecordID)
	}
}

// fakePusher records pushes and fails according to plan.
type fakePusher struct {
	mu     sync.Mutex
	pushed []string
	fail   error
	block  bool
}

func (f *fakePusher) Push(ctx context.Context, rec *schema.ChangeRecord) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.pushed = append(f.pushed, rec.ID)
	return nil
}

func (f *fakePusher) Close() error { return nil }

func (f *fakePusher) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pushed...)
}

func deliveryFixture(t *testing.T) (*store.Store, *schema.SyncServer) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	srv := &schema.SyncServer{ID: "peer-1", Host: "10.0.0.1", Port: 8080, Protocol: "http", IsActive: true}
	if err := st.UpsertServer(ctx, srv); err != nil {
		t.Fatalf("UpsertServer() error = %v", err)
	}
	return st, srv
}

func enqueue(t *testing.T, st *store.Store, id string, ts int64, target string) {
	t.Helper()
	ctx := context.Background()

	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	rec := &schema.ChangeRecord{
		ID: id, TableName: "teams", RecordID: "team-1",
		Operation: schema.OpUpdate, Payload: json.RawMessage(`{}`),
		OriginServerID: "self", Timestamp: ts,
	}
	if err := st.AppendChange(ctx, tx, rec); err != nil {
		t.Fatalf("AppendChange() error = %v", err)
	}
	if err := st.EnqueueFanout(ctx, tx, id, []string{target}); err != nil {
		t.Fatalf("EnqueueFanout() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestDrainDeliversFIFO(t *testing.T) {
	st, srv := deliveryFixture(t)
	ctx := context.Background()

	for i, id := range []string{"c1", "c2", "c3"} {
		enqueue(t, st, id, int64(10+i), srv.ID)
	}

	pusher := &fakePusher{}
	m := NewManager(st, ManagerOptions{
		Dial: func(ctx context.Context, s *schema.SyncServer) (Pusher, error) { return pusher, nil },
	})

	w := &peerWorker{srv: srv, wake: make(chan struct{}, 1)}
	m.drain(ctx, w, nil)

	want := []string{"c1", "c2", "c3"}
	got := pusher.ids()
	if len(got) != len(want) {
		t.Fatalf("pushed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pushed %v, want %v (per-peer FIFO)", got, want)
		}
	}

	// All acked, nothing claimable.
	n, err := st.PendingCount(ctx, srv.ID)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 0 {
		t.Errorf("pending after drain = %d, want 0", n)
	}
}

func TestDrainFailureLeavesEntryRetryable(t *testing.T) {
	st, srv := deliveryFixture(t)
	ctx := context.Background()

	enqueue(t, st, "c1", 10, srv.ID)

	pusher := &fakePusher{fail: errors.New("connection reset")}
	m := NewManager(st, ManagerOptions{
		Dial: func(ctx context.Context, s *schema.SyncServer) (Pusher, error) { return pusher, nil },
	})

	w := &peerWorker{srv: srv, wake: make(chan struct{}, 1)}
	m.drain(ctx, w, nil)

	// Failed back to pending with a retry count and future backoff.
	entries, err := st.DeadEntries(ctx)
	if err != nil {
		t.Fatalf("DeadEntries() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entry dead after one failure: %v", entries)
	}

	entry, err := st.QueueEntry(ctx, 1)
	if err != nil {
		t.Fatalf("QueueEntry() error = %v", err)
	}
	if entry.Status != schema.StatusPending {
		t.Errorf("status = %s, want pending", entry.Status)
	}
	if entry.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", entry.RetryCount)
	}
}

func TestDrainTimeoutReleasesWithoutRetryCost(t *testing.T) {
	st, srv := deliveryFixture(t)
	ctx := context.Background()

	enqueue(t, st, "c1", 10, srv.ID)

	pusher := &fakePusher{block: true}
	m := NewManager(st, ManagerOptions{
		PushTimeout: 50 * time.Millisecond,
		Dial: func(ctx context.Context, s *schema.SyncServer) (Pusher, error) { return pusher, nil },
	})

	w := &peerWorker{srv: srv, wake: make(chan struct{}, 1)}
	m.drain(ctx, w, nil)

	entry, err := st.QueueEntry(ctx, 1)
	if err != nil {
		t.Fatalf("QueueEntry() error = %v", err)
	}
	if entry.Status != schema.StatusPending {
		t.Errorf("status = %s, want pending (timed-out push returns the entry)", entry.Status)
	}
	if entry.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", entry.RetryCount)
	}
}

func TestDrainSkipsUnreachablePeer(t *testing.T) {
	st, srv := deliveryFixture(t)
	ctx := context.Background()

	enqueue(t, st, "c1", 10, srv.ID)

	pusher := &fakePusher{}
	m := NewManager(st, ManagerOptions{
		Reachable: func(id string) bool { return false },
		Dial:      func(ctx context.Context, s *schema.SyncServer) (Pusher, error) { return pusher, nil },
	})

	w := &peerWorker{srv: srv, wake: make(chan struct{}, 1)}
	m.drain(ctx, w, nil)

	if len(pusher.ids()) != 0 {
		t.Errorf("pushed to unreachable peer: %v", pusher.ids())
	}
	n, _ := st.PendingCount(ctx, srv.ID)
	if n != 1 {
		t.Errorf("pending = %d, want 1 (entry untouched)", n)
	}
}

func TestDrainEmptyQueueIsQuiet(t *testing.T) {
	st, srv := deliveryFixture(t)
	ctx := context.Background()

	var buf bytes.Buffer
	m := NewManager(st, ManagerOptions{
		Logger: log.New(&buf, "", 0),
		Dial: func(ctx context.Context, s *schema.SyncServer) (Pusher, error) {
			t.Error("dialed with nothing to deliver")
			return &fakePusher{}, nil
		},
	})

	w := &peerWorker{srv: srv, wake: make(chan struct{}, 1)}
	m.drain(ctx, w, nil)

	if buf.Len() != 0 {
		t.Errorf("idle drain logged: %q", buf.String())
	}
}

func TestManagerRefreshTracksRegistry(t *testing.T) {
	st, _ := deliveryFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(st, ManagerOptions{
		Dial: func(ctx context.Context, s *schema.SyncServer) (Pusher, error) {
			return &fakePusher{}, nil
		},
	})

	m.refresh(ctx)
	if got := m.WorkerCount(); got != 1 {
		t.Fatalf("workers = %d, want 1", got)
	}

	if err := st.SetServerActive(ctx, "peer-1", false); err != nil {
		t.Fatalf("SetServerActive() error = %v", err)
	}
	m.refresh(ctx)
	if got := m.WorkerCount(); got != 0 {
		t.Errorf("workers after deactivate = %d, want 0", got)
	}

	m.stopAll()
	m.wg.Wait()
}
