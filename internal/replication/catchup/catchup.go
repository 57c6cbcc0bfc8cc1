package catchup

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/schema"
	"github.com/steveandjeff999/Obsidianscout-sub004/internal/replication/store"
)

// BatchApplier applies a fetched batch. Satisfied by the apply engine.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, records []*schema.ChangeRecord) *schema.ApplyResult
}

// Options tunes the reconciler.
type Options struct {
	// Interval between polls per peer (default 5m).
	Interval time.Duration

	// Timeout bounds one poll round trip (default 30s).
	Timeout time.Duration

	// MaxBackoff caps the failure backoff per peer (default 1h).
	MaxBackoff time.Duration

	// BatchLimit is the normal-mode fetch cap; a full batch triggers
	// an immediate follow-up poll (default 100).
	BatchLimit int

	// RefreshInterval re-reads the active peer set (default 30s).
	RefreshInterval time.Duration

	Logger *log.Logger
}

// Reconciler runs one catch-up poller per active peer. Unlike the
// real-time transport it never consults reachability: polling an
// unreachable peer just fails into backoff, which is the designed
// behavior.
type Reconciler struct {
	store   *store.Store
	applier BatchApplier
	client  Client
	opts    Options

	mu      sync.Mutex
	pollers map[string]*poller

	wg sync.WaitGroup
}

type poller struct {
	id     string
	kick   chan struct{}
	cancel context.CancelFunc
}

// NewReconciler creates a catch-up reconciler.
func NewReconciler(st *store.Store, applier BatchApplier, client Client, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[catchup] ", log.LstdFlags)
	}
	return &Reconciler{
		store:   st,
		applier: applier,
		client:  client,
		opts:    opts,
		pollers: make(map[string]*poller),
	}
}

// Run keeps the poller set in sync with the active peer registry until
// ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.refresh(ctx)

	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// Kick asks a peer's poller to poll now instead of waiting out its
// interval.
func (r *Reconciler) Kick(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pollers[peerID]; ok {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// PollerCount returns the number of running pollers.
func (r *Reconciler) PollerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pollers)
}

func (r *Reconciler) refresh(ctx context.Context) {
	servers, err := r.store.ListServers(ctx, true)
	if err != nil {
		r.opts.Logger.Printf("Failed to list peers: %v", err)
		return
	}

	active := make(map[string]bool, len(servers))
	for _, srv := range servers {
		active[srv.ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.pollers {
		if !active[id] {
			p.cancel()
			delete(r.pollers, id)
			r.opts.Logger.Printf("Stopped poller for deactivated peer %s", id)
		}
	}

	for id := range active {
		if _, ok := r.pollers[id]; ok {
			continue
		}
		pctx, cancel := context.WithCancel(ctx)
		p := &poller{id: id, kick: make(chan struct{}, 1), cancel: cancel}
		r.pollers[id] = p

		r.wg.Add(1)
		go r.run(pctx, p)
		r.opts.Logger.Printf("Started poller for peer %s", id)
	}
}

func (r *Reconciler) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pollers {
		p.cancel()
		delete(r.pollers, id)
	}
}

// run is one peer's poll loop. The wait doubles from the base interval
// on consecutive failures, capped at MaxBackoff, and resets on success.
// After a failure streak the next poll runs in catchup mode to drain
// the accumulated backlog in one request.
func (r *Reconciler) run(ctx context.Context, p *poller) {
	defer r.wg.Done()

	failures := 0
	timer := time.NewTimer(r.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		catchupMode := failures > 0
		if _, err := r.SyncPeer(ctx, p.id, catchupMode); err != nil {
			failures++
			r.opts.Logger.Printf("Poll of peer %s failed (streak %d): %v", p.id, failures, err)
		} else {
			failures = 0
		}

		timer.Reset(r.wait(failures))
	}
}

func (r *Reconciler) wait(failures int) time.Duration {
	d := r.opts.Interval
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= r.opts.MaxBackoff {
			return r.opts.MaxBackoff
		}
	}
	return d
}

// SyncPeer polls one peer until its backlog is drained, applying each
// batch in ascending timestamp order and advancing the high-water mark
// to the largest timestamp actually applied. Returns the number of
// records applied.
func (r *Reconciler) SyncPeer(ctx context.Context, peerID string, catchupMode bool) (int, error) {
	total := 0
	for {
		applied, full, err := r.pollOnce(ctx, peerID, catchupMode)
		total += applied
		if err != nil {
			return total, err
		}
		if !full {
			return total, nil
		}
		// A capped batch came back full; there is more backlog.
	}
}

func (r *Reconciler) pollOnce(ctx context.Context, peerID string, catchupMode bool) (applied int, full bool, err error) {
	srv, err := r.store.GetServer(ctx, peerID)
	if err != nil {
		return 0, false, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	resp, err := r.client.Fetch(fetchCtx, srv, srv.LastSyncAt, catchupMode)
	cancel()
	if err != nil {
		return 0, false, err
	}

	if len(resp.Changes) == 0 {
		return 0, false, nil
	}

	result := r.applier.ApplyBatch(ctx, resp.Changes)
	if len(result.Errors) > 0 {
		r.opts.Logger.Printf("Batch from peer %s: %d applied, %d rejected", peerID, result.AppliedCount, len(result.Errors))
	}

	// Advance only to the largest timestamp the engine actually
	// processed, never speculatively to "now".
	if result.MaxApplied > 0 {
		if err := r.store.AdvanceLastSync(ctx, peerID, result.MaxApplied); err != nil {
			return result.AppliedCount, false, err
		}
	}

	full = !catchupMode && len(resp.Changes) >= r.opts.BatchLimit
	return result.AppliedCount, full, nil
}
