// Package reconciler recovers work that its holders abandoned: orphaned leases
// are requeued or cancelled, stalled items are cancelled and expired outcomes
// are purged.
package reconciler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/pkg/log"
)

// Config configures a Reconciler.
type Config struct {
	Interval  time.Duration // how often to scan (default: 5s)
	BatchSize int           // max items handled per scope per pass (default: 100)
	Scopes    []string      // scopes watched from the start
}

// Report summarizes one pass over a scope.
type Report struct {
	Scope     string
	Requeued  int
	Cancelled int
	Stalled   int
	Purged    int
}

// Reconciler periodically sweeps watched scopes.
type Reconciler struct {
	driver    *queue.Driver
	interval  time.Duration
	batchSize int
	logger    log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	scopes map[string]*queue.Connection
}

// New creates a Reconciler over d.
func New(d *queue.Driver, cfg Config, logger log.Logger) (*Reconciler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		driver:    d,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    logger.With(log.Component("reconciler")),
		ctx:       ctx,
		cancel:    cancel,
		scopes:    make(map[string]*queue.Connection),
	}
	for _, s := range cfg.Scopes {
		if err := r.Watch(s); err != nil {
			cancel()
			return nil, err
		}
	}
	return r, nil
}

// Start begins the sweep loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Watch adds scope to the sweep set.
func (r *Reconciler) Watch(scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scopes[scope]; ok {
		return nil
	}
	conn, err := r.driver.Connect(scope)
	if err != nil {
		return err
	}
	r.scopes[scope] = conn
	return nil
}

// Unwatch removes scope from the sweep set.
func (r *Reconciler) Unwatch(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scopes, scope)
}

// Scopes returns the watched scopes, sorted.
func (r *Reconciler) Scopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scopes))
	for s := range r.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", log.Duration("interval", r.interval), log.Int("scopes", len(r.Scopes())))
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(r.ctx)
		}
	}
}

// RunOnce sweeps every watched scope once. Failures are logged per scope and
// do not stop the pass.
func (r *Reconciler) RunOnce(ctx context.Context) []Report {
	r.mu.RLock()
	conns := make([]*queue.Connection, 0, len(r.scopes))
	for _, c := range r.scopes {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].Scope() < conns[j].Scope() })

	reports := make([]Report, 0, len(conns))
	for _, conn := range conns {
		rep, err := r.Sweep(ctx, conn)
		if err != nil {
			r.logger.Error("sweep failed", log.Str("scope", conn.Scope()), log.Err(err))
		}
		if rep.Requeued+rep.Cancelled+rep.Stalled+rep.Purged > 0 {
			r.logger.Info("sweep",
				log.Str("scope", rep.Scope),
				log.Int("requeued", rep.Requeued),
				log.Int("cancelled", rep.Cancelled),
				log.Int("stalled", rep.Stalled),
				log.Int("purged", rep.Purged),
			)
		}
		reports = append(reports, rep)
	}
	return reports
}

// Sweep reconciles one scope.
func (r *Reconciler) Sweep(ctx context.Context, conn *queue.Connection) (Report, error) {
	rep := Report{Scope: conn.Scope()}

	orphaned, err := conn.OrphanedItems(ctx)
	if err != nil {
		return rep, err
	}
	for i, item := range orphaned {
		if i >= r.batchSize {
			break
		}
		cancelled, err := conn.ReclaimOrphan(ctx, item)
		switch {
		case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrNotFound):
			// Recovered or finished since the scan.
			continue
		case err != nil:
			return rep, err
		case cancelled:
			rep.Cancelled++
		default:
			rep.Requeued++
		}
	}

	stalled, err := conn.StalledItems(ctx)
	if err != nil {
		return rep, err
	}
	for i, item := range stalled {
		if i >= r.batchSize {
			break
		}
		if _, err := conn.CancelQuery(ctx, queue.Key(item.Fingerprint)); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return rep, err
		}
		rep.Stalled++
	}

	n, err := conn.PurgeResults(ctx)
	if err != nil {
		return rep, err
	}
	rep.Purged = n
	return rep, nil
}
