// Package registry manages the peer server roster and its reachability.
//
// A background checker probes each active peer's /health endpoint; the
// resulting reachability map lets delivery workers skip peers that are
// down instead of burning queue retries. Catch-up ignores reachability
// entirely: a failed poll is its normal backoff case.
package registry

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/store"
)

// Options tunes the health checker.
type Options struct {
	// Interval between health passes (default 30s).
	Interval time.Duration

	// Timeout bounds one health probe (default 5s).
	Timeout time.Duration

	Logger *log.Logger
}

// Service is the peer registry.
type Service struct {
	store *store.Store
	http  *http.Client
	opts  Options

	mu        sync.RWMutex
	reachable map[string]bool
}

// NewService creates a registry service over the shared store.
func NewService(st *store.Store, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[registry] ", log.LstdFlags)
	}
	return &Service{
		store:     st,
		http:      &http.Client{},
		opts:      opts,
		reachable: make(map[string]bool),
	}
}

// Add registers a peer. A missing id is generated; the descriptor is
// validated before it is stored.
func (s *Service) Add(ctx context.Context, srv *schema.SyncServer) error {
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if err := srv.Validate(); err != nil {
		return fmt.Errorf("invalid server: %w", err)
	}
	srv.IsActive = true

	if err := s.store.UpsertServer(ctx, srv); err != nil {
		return err
	}
	s.opts.Logger.Printf("Registered peer %s (%s)", srv.ID, srv.BaseURL())
	return nil
}

// Get returns one peer descriptor.
func (s *Service) Get(ctx context.Context, id string) (*schema.SyncServer, error) {
	return s.store.GetServer(ctx, id)
}

// List returns peer descriptors, optionally restricted to active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*schema.SyncServer, error) {
	return s.store.ListServers(ctx, activeOnly)
}

// Deactivate stops replication to a peer. Its rows and history remain.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.store.SetServerActive(ctx, id, false); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.reachable, id)
	s.mu.Unlock()

	s.opts.Logger.Printf("Deactivated peer %s", id)
	return nil
}

// Reachable reports the last observed health of a peer. A peer that
// has not been probed yet counts as reachable so delivery is not
// blocked waiting for the first health pass.
func (s *Service) Reachable(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	up, probed := s.reachable[id]
	return !probed || up
}

// Run probes all active peers on the configured interval until ctx is
// canceled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Service) checkAll(ctx context.Context) {
	servers, err := s.store.ListServers(ctx, true)
	if err != nil {
		s.opts.Logger.Printf("Failed to list peers for health pass: %v", err)
		return
	}

	for _, srv := range servers {
		up := s.probe(ctx, srv)

		s.mu.Lock()
		was, probed := s.reachable[srv.ID]
		s.reachable[srv.ID] = up
		s.mu.Unlock()

		if probed && was != up {
			if up {
				s.opts.Logger.Printf("Peer %s is reachable again", srv.ID)
			} else {
				s.opts.Logger.Printf("Peer %s is unreachable", srv.ID)
			}
		}

		if up {
			if err := s.store.TouchPing(ctx, srv.ID, time.Now().UTC()); err != nil {
				s.opts.Logger.Printf("Failed to record ping for %s: %v", srv.ID, err)
			}
		}
	}
}

func (s *Service) probe(ctx context.Context, srv *schema.SyncServer) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, srv.BaseURL()+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
