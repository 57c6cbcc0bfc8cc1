package transport

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/store"
)

// Pusher is the outbound side of one peer connection. *PeerConn is the
// production implementation.
type Pusher interface {
	Push(ctx context.Context, rec *schema.ChangeRecord) error
	Close() error
}

// DialFunc opens a Pusher to a peer. Injectable for tests.
type DialFunc func(ctx context.Context, srv *schema.SyncServer) (Pusher, error)

func defaultDial(ctx context.Context, srv *schema.SyncServer) (Pusher, error) {
	return Dial(ctx, srv)
}

// ManagerOptions tunes the delivery workers.
type ManagerOptions struct {
	// PushTimeout bounds one push+ack round trip (default 10s).
	PushTimeout time.Duration

	// RetryInterval is the idle scan interval for entries whose
	// backoff has elapsed (default 15s).
	RetryInterval time.Duration

	// RefreshInterval re-reads the active peer set (default 30s).
	RefreshInterval time.Duration

	// MaxRetries before an entry goes dead (default 5).
	MaxRetries int

	// Reachable reports peer liveness; unreachable peers are skipped
	// so their queues never stall a worker. Nil means always try.
	Reachable func(serverID string) bool

	// Dial overrides the outbound connector.
	Dial DialFunc

	Logger *log.Logger
}

// Manager runs one delivery worker per active peer. Each worker drains
// its peer's queue strictly in order; peers proceed in parallel.
type Manager struct {
	store *store.Store
	opts  ManagerOptions

	mu      sync.Mutex
	workers map[string]*peerWorker

	wg sync.WaitGroup
}

type peerWorker struct {
	srv    *schema.SyncServer
	wake   chan struct{}
	cancel context.CancelFunc
}

// NewManager creates a delivery manager.
func NewManager(st *store.Store, opts ManagerOptions) *Manager {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 15 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[delivery] ", log.LstdFlags)
	}
	return &Manager{
		store:   st,
		opts:    opts,
		workers: make(map[string]*peerWorker),
	}
}

// Run keeps the worker set in sync with the active peer registry until
// ctx is canceled, then waits for all workers to stop.
func (m *Manager) Run(ctx context.Context) error {
	m.refresh(ctx)

	ticker := time.NewTicker(m.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

// Wake nudges every worker to drain immediately. Best-effort: a worker
// mid-drain picks the new entries up anyway.
func (m *Manager) Wake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// WorkerCount returns the number of running delivery workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// refresh starts workers for new active peers and stops workers whose
// peers were deactivated.
func (m *Manager) refresh(ctx context.Context) {
	servers, err := m.store.ListServers(ctx, true)
	if err != nil {
		m.opts.Logger.Printf("Failed to list peers: %v", err)
		return
	}

	active := make(map[string]*schema.SyncServer, len(servers))
	for _, srv := range servers {
		active[srv.ID] = srv
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, w := range m.workers {
		if _, ok := active[id]; !ok {
			w.cancel()
			delete(m.workers, id)
			m.opts.Logger.Printf("Stopped delivery worker for deactivated peer %s", id)
		}
	}

	for id, srv := range active {
		if _, ok := m.workers[id]; ok {
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		w := &peerWorker{srv: srv, wake: make(chan struct{}, 1), cancel: cancel}
		m.workers[id] = w

		m.wg.Add(1)
		go m.run(wctx, w)
		m.opts.Logger.Printf("Started delivery worker for peer %s", id)
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.workers {
		w.cancel()
		delete(m.workers, id)
	}
}

// run is one peer's delivery loop: drain on wake or on the retry tick.
func (m *Manager) run(ctx context.Context, w *peerWorker) {
	defer m.wg.Done()

	var conn Pusher
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	ticker := time.NewTicker(m.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
		conn = m.drain(ctx, w, conn)
	}
}

// drain claims and pushes entries until the queue is empty, the peer is
// unreachable, or a send fails. Returns the connection to reuse (nil if
// it was torn down).
func (m *Manager) drain(ctx context.Context, w *peerWorker, conn Pusher) Pusher {
	for {
		if ctx.Err() != nil {
			return conn
		}
		if m.opts.Reachable != nil && !m.opts.Reachable(w.srv.ID) {
			return conn
		}

		entry, rec, err := m.store.ClaimNext(ctx, w.srv.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Queue drained; nothing to do until the next wake.
			return conn
		}
		if err != nil {
			m.opts.Logger.Printf("Failed to claim for peer %s: %v", w.srv.ID, err)
			return conn
		}

		if conn == nil {
			dialCtx, cancel := context.WithTimeout(ctx, m.opts.PushTimeout)
			conn, err = m.opts.Dial(dialCtx, w.srv)
			cancel()
			if err != nil {
				// No send was attempted; give the entry back without
				// burning a retry and let the next tick re-dial.
				m.opts.Logger.Printf("Failed to connect to peer %s: %v", w.srv.ID, err)
				if relErr := m.store.ReleaseSent(ctx, entry.Seq); relErr != nil {
					m.opts.Logger.Printf("Failed to release entry %d: %v", entry.Seq, relErr)
				}
				return nil
			}
		}

		pushCtx, cancel := context.WithTimeout(ctx, m.opts.PushTimeout)
		err = conn.Push(pushCtx, rec)
		cancel()

		if err == nil {
			if ackErr := m.store.MarkAcked(ctx, entry.Seq); ackErr != nil {
				m.opts.Logger.Printf("Failed to mark entry %d acked: %v", entry.Seq, ackErr)
			}
			continue
		}

		// The connection is suspect after any push failure.
		_ = conn.Close()

		if errors.Is(err, context.DeadlineExceeded) {
			m.opts.Logger.Printf("Push to peer %s timed out, releasing entry %d", w.srv.ID, entry.Seq)
			if relErr := m.store.ReleaseSent(ctx, entry.Seq); relErr != nil {
				m.opts.Logger.Printf("Failed to release entry %d: %v", entry.Seq, relErr)
			}
			return nil
		}

		status, failErr := m.store.MarkFailed(ctx, entry.Seq, m.opts.MaxRetries)
		if failErr != nil {
			m.opts.Logger.Printf("Failed to mark entry %d failed: %v", entry.Seq, failErr)
		} else if status == schema.StatusDead {
			m.opts.Logger.Printf("Entry %d for peer %s is dead after %d retries; catch-up will repair it",
				entry.Seq, w.srv.ID, m.opts.MaxRetries)
		}
		m.opts.Logger.Printf("Push to peer %s failed: %v", w.srv.ID, err)
		return nil
	}
}
