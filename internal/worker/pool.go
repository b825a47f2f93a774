// Package worker runs registered handlers against one scope of the queue.
//
// A Pool scans the scope's pending items in retrieval order, takes leases up
// to its slot count and keeps each lease alive with a heartbeat ticker while
// the handler runs. Results complete the item; errors either complete it with
// an {"error": "..."} result or, when marked Retryable, give the lease back.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rzbill/orchq/internal/metrics"
	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/pkg/log"
)

// Config configures a Pool.
type Config struct {
	Scope             string
	Slots             int           // concurrent jobs (default: the driver's Concurrency)
	PollInterval      time.Duration // idle rescan period (default: 1s)
	HeartbeatInterval time.Duration // default: the driver's HeartbeatInterval
}

// Metrics observes handler runs. *metrics.Metrics satisfies it.
type Metrics interface {
	JobStarted()
	JobFinished(handler, status string, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) JobStarted()                               {}
func (nopMetrics) JobFinished(string, string, time.Duration) {}

// Pool executes jobs for a single scope.
type Pool struct {
	conn      *queue.Connection
	reg       *Registry
	slots     *semaphore.Weighted
	poll      time.Duration
	heartbeat time.Duration
	metrics   Metrics
	logger    log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loop   sync.WaitGroup
	jobs   sync.WaitGroup
	wake   chan struct{}
}

// New creates a Pool over d. It does not start polling until Start.
func New(d *queue.Driver, reg *Registry, cfg Config, m Metrics, logger log.Logger) (*Pool, error) {
	if reg == nil {
		return nil, errors.New("worker: registry is required")
	}
	conn, err := d.Connect(cfg.Scope)
	if err != nil {
		return nil, err
	}
	if cfg.Slots <= 0 {
		cfg.Slots = d.Config().Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = conn.HeartbeatInterval()
	}
	if m == nil {
		m = nopMetrics{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		conn:      conn,
		reg:       reg,
		slots:     semaphore.NewWeighted(int64(cfg.Slots)),
		poll:      cfg.PollInterval,
		heartbeat: cfg.HeartbeatInterval,
		metrics:   m,
		logger:    logger.With(log.Component("worker"), log.Str("scope", cfg.Scope)),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Scope returns the scope the pool serves.
func (p *Pool) Scope() string { return p.conn.Scope() }

// Start begins the polling loop.
func (p *Pool) Start() {
	p.loop.Add(1)
	go p.run()
}

// Stop ends polling, cancels running handlers and waits for them to settle
// their leases.
func (p *Pool) Stop() {
	p.cancel()
	p.loop.Wait()
	p.jobs.Wait()
}

// Notify asks the loop to rescan without waiting for the next tick.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until every dispatched job has finished.
func (p *Pool) Wait() { p.jobs.Wait() }

func (p *Pool) run() {
	defer p.loop.Done()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	p.logger.Info("worker pool started", log.F("handlers", p.reg.Names()))
	for {
		if _, err := p.Poll(p.ctx); err != nil && p.ctx.Err() == nil {
			p.logger.Warn("poll failed", log.Err(err))
		}
		select {
		case <-p.ctx.Done():
			p.logger.Info("worker pool stopped")
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Poll leases as many pending items as free slots allow and starts their
// handlers. Items whose handler is not registered are left for other pools.
// It returns the number of jobs started.
func (p *Pool) Poll(ctx context.Context) (int, error) {
	items, err := p.conn.ListItems(ctx, queue.StatusPending)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, it := range items {
		h, ok := p.reg.Lookup(it.Definition.Handler)
		if !ok {
			continue
		}
		if !p.slots.TryAcquire(1) {
			break
		}
		job, err := p.acquire(ctx, it.Fingerprint)
		if err != nil || job == nil {
			p.slots.Release(1)
			if err != nil {
				return started, err
			}
			continue
		}
		p.jobs.Add(1)
		go p.execute(h, job)
		started++
	}
	return started, nil
}

func (p *Pool) acquire(ctx context.Context, fp string) (*Job, error) {
	pid, err := p.conn.GetNextProcessingID(ctx)
	if err != nil {
		return nil, err
	}
	lease, err := p.conn.RetrieveForProcessing(ctx, queue.Key(fp), pid)
	if err != nil || lease == nil {
		return nil, err
	}
	return &Job{
		Scope:        p.conn.Scope(),
		Fingerprint:  lease.Fingerprint,
		ProcessingID: pid,
		Attempt:      lease.Attempts,
		Definition:   lease.Definition,
		conn:         p.conn,
	}, nil
}

func (p *Pool) execute(h Handler, job *Job) {
	defer p.jobs.Done()
	defer p.Notify()
	defer p.slots.Release(1)

	logger := p.logger.With(log.Str("fingerprint", job.Fingerprint), log.Str("processing_id", job.ProcessingID))
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.keepAlive(ctx, job, func() {
			lost.Store(true)
			cancel()
		})
	}()

	p.metrics.JobStarted()
	start := time.Now()
	result, err := invoke(ctx, h, job)
	cancel()
	<-hbDone

	// Settle with a context that outlives Stop.
	settle, done := context.WithTimeout(context.WithoutCancel(p.ctx), 10*time.Second)
	defer done()

	status := metrics.StatusSuccess
	switch {
	case lost.Load():
		status = metrics.StatusAbandoned
		logger.Warn("lease lost, job abandoned", log.Err(err))
	case err == nil:
		if _, err := p.conn.SetResultAndRemoveQuery(settle, queue.Key(job.Fingerprint), result, job.ProcessingID); err != nil {
			logger.Error("complete failed", log.Err(err))
		}
	case IsRetryable(err) || p.ctx.Err() != nil:
		status = metrics.StatusRetry
		logger.Info("job will be retried", log.Int("attempt", job.Attempt), log.Err(err))
		if err := p.conn.FreeProcessingLock(settle, queue.Key(job.Fingerprint), job.ProcessingID, true); err != nil {
			logger.Error("free lock failed", log.Err(err))
		}
	default:
		status = metrics.StatusError
		logger.Warn("job failed", log.Err(err))
		if _, err := p.conn.SetResultAndRemoveQuery(settle, queue.Key(job.Fingerprint), ErrorResult(err), job.ProcessingID); err != nil {
			logger.Error("complete failed", log.Err(err))
		}
	}
	p.metrics.JobFinished(job.Definition.Handler, status, time.Since(start))
}

// keepAlive heartbeats until ctx ends, calling onLost once the lease is gone.
func (p *Pool) keepAlive(ctx context.Context, job *Job, onLost func()) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := p.conn.HeartbeatLease(ctx, queue.Key(job.Fingerprint), job.ProcessingID)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("heartbeat failed", log.Str("fingerprint", job.Fingerprint), log.Err(err))
				}
				continue
			}
			if !held {
				onLost()
				return
			}
		}
	}
}

func invoke(ctx context.Context, h Handler, job *Job) (res json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// ErrorResult encodes err as the {"error": "..."} result stored for failed
// jobs.
func ErrorResult(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
