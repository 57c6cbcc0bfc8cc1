package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/store"
)

func newRegistry(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return NewService(st, Options{}), st
}

func TestAddListDeactivate(t *testing.T) {
	svc, _ := newRegistry(t)
	ctx := context.Background()

	srv := &schema.SyncServer{Name: "pit display", Host: "10.0.0.4", Port: 8080, Protocol: "http", Credential: "tok"}
	if err := svc.Add(ctx, srv); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if srv.ID == "" {
		t.Fatal("Add() did not assign an id")
	}

	active, err := svc.List(ctx, true)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active peers = %d, want 1", len(active))
	}

	if err := svc.Deactivate(ctx, srv.ID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	active, _ = svc.List(ctx, true)
	if len(active) != 0 {
		t.Errorf("active peers after deactivate = %d, want 0", len(active))
	}
	all, _ := svc.List(ctx, false)
	if len(all) != 1 {
		t.Errorf("total peers = %d, want 1 (deactivation keeps the row)", len(all))
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	svc, _ := newRegistry(t)

	err := svc.Add(context.Background(), &schema.SyncServer{Host: "h", Port: 0, Protocol: "http"})
	if err == nil {
		t.Error("Add() accepted an invalid descriptor")
	}
}

func registerAt(t *testing.T, svc *Service, rawURL string) *schema.SyncServer {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("Failed to parse test server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	srv := &schema.SyncServer{Host: u.Hostname(), Port: port, Protocol: "http"}
	if err := svc.Add(context.Background(), srv); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return srv
}

func TestHealthTransitions(t *testing.T) {
	svc, st := newRegistry(t)
	ctx := context.Background()

	var healthy atomic.Bool
	healthy.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	srv := registerAt(t, svc, ts.URL)

	// Unprobed peers are optimistically reachable.
	if !svc.Reachable(srv.ID) {
		t.Error("unprobed peer reported unreachable")
	}

	svc.checkAll(ctx)
	if !svc.Reachable(srv.ID) {
		t.Error("healthy peer reported unreachable")
	}

	got, err := st.GetServer(ctx, srv.ID)
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if got.LastPingAt == nil {
		t.Error("health pass did not record last_ping_at")
	}

	healthy.Store(false)
	svc.checkAll(ctx)
	if svc.Reachable(srv.ID) {
		t.Error("down peer reported reachable")
	}

	healthy.Store(true)
	svc.checkAll(ctx)
	if !svc.Reachable(srv.ID) {
		t.Error("recovered peer reported unreachable")
	}
}

func TestUnreachableHostProbe(t *testing.T) {
	svc, _ := newRegistry(t)
	ctx := context.Background()

	srv := &schema.SyncServer{Host: "127.0.0.1", Port: 1, Protocol: "http"}
	if err := svc.Add(ctx, srv); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	svc.checkAll(ctx)
	if svc.Reachable(srv.ID) {
		t.Error("connection-refused peer reported reachable")
	}
}
