// Package api exposes the replication subsystem over HTTP: the
// catch-up endpoints, the peer roster, the health probe, and the
// WebSocket upgrade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/registry"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/store"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/transport"
)

// BatchApplier applies an inbound batch. Satisfied by the apply engine.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, records []*schema.ChangeRecord) *schema.ApplyResult
}

// Options configures the API server.
type Options struct {
	// SelfID is this node's server id, reported by /health.
	SelfID string

	// Addr is the listen address, e.g. ":8080". Use ":0" in tests.
	Addr string

	// BatchLimit caps a normal-mode /sync/changes response
	// (default 100). Catchup mode is uncapped.
	BatchLimit int

	Logger *log.Logger
}

// Server is the replication HTTP server.
type Server struct {
	store    *store.Store
	applier  BatchApplier
	hub      *transport.Hub
	registry *registry.Service
	opts     Options

	listener net.Listener
	http     *http.Server
	wg       sync.WaitGroup
}

// NewServer wires the HTTP surface over the replication services.
func NewServer(st *store.Store, applier BatchApplier, hub *transport.Hub, reg *registry.Service, opts Options) *Server {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	return &Server{store: st, applier: applier, hub: hub, registry: reg, opts: opts}
}

// Handler returns the route table, exported so tests can drive it
// without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sync/changes", s.requirePeer(s.handleChanges))
	mux.HandleFunc("POST /sync/receive-changes", s.requirePeer(s.handleReceive))
	mux.HandleFunc("GET /sync/servers", s.requirePeer(s.handleListServers))
	mux.HandleFunc("POST /sync/servers", s.requirePeer(s.handleAddServer))
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start begins serving. Non-blocking; call Stop on shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.opts.Logger.Printf("Replication API listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.Logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	return err
}

type peerKey struct{}

// requirePeer authenticates the shared peer token and rejects the
// request before any of its body is examined.
func (s *Server) requirePeer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peer, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing peer credential")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), peerKey{}, peer)))
	}
}

func (s *Server) authenticate(r *http.Request) (*schema.SyncServer, error) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return nil, errors.New("missing bearer token")
	}
	return s.store.FindServerByCredential(r.Context(), auth[len(prefix):])
}

func callerPeer(r *http.Request) *schema.SyncServer {
	peer, _ := r.Context().Value(peerKey{}).(*schema.SyncServer)
	return peer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"server_id": s.opts.SelfID,
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleChanges serves GET /sync/changes?since=&server_id=&catchup_mode=.
// Changes that originated on the requesting server are excluded so a
// peer never pulls back its own writes.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, err := strconv.ParseInt(q.Get("since"), 10, 64)
	if err != nil && q.Get("since") != "" {
		writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	catchupMode, _ := strconv.ParseBool(q.Get("catchup_mode"))

	requester := q.Get("server_id")
	if requester == "" {
		if peer := callerPeer(r); peer != nil {
			requester = peer.ID
		}
	}

	opts := store.ChangesSinceOptions{ExcludeOrigin: requester}
	if !catchupMode {
		opts.Limit = s.opts.BatchLimit
	}

	changes, err := s.store.ChangesSince(r.Context(), since, opts)
	if err != nil {
		s.opts.Logger.Printf("Failed to read changes: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read changes")
		return
	}

	writeJSON(w, http.StatusOK, schema.ChangesResponse{
		Changes:   changes,
		Count:     len(changes),
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleReceive serves POST /sync/receive-changes.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req schema.ReceiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := s.applier.ApplyBatch(r.Context(), req.Changes)
	if len(result.Errors) > 0 {
		s.opts.Logger.Printf("Batch from %s: %d applied, %d rejected", req.ServerID, result.AppliedCount, len(result.Errors))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.registry.List(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}

	out := make([]schema.SyncServer, 0, len(servers))
	for _, srv := range servers {
		out = append(out, srv.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var srv schema.SyncServer
	if err := json.NewDecoder(r.Body).Decode(&srv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.registry.Add(r.Context(), &srv); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, srv.Redacted())
}

// handleWS upgrades to the real-time channel. A valid peer token makes
// this a server-to-server connection; without one the socket is a
// read-only subscriber.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	serverID := ""
	if r.Header.Get("Authorization") != "" {
		peer, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid peer credential")
			return
		}
		serverID = peer.ID
	}

	if err := s.hub.Accept(w, r, serverID); err != nil {
		s.opts.Logger.Printf("WebSocket upgrade failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
