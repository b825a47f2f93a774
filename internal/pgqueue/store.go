// Package pgqueue is the PostgreSQL backend for the orchq queue.
//
// Items live in orchq_items keyed by (scope, fingerprint); retained outcomes
// live in orchq_results. Lease acquisition takes a transaction-scoped
// advisory lock on the scope before counting active items, so the concurrency
// limit holds across every process sharing the database. Completions are
// announced with pg_notify on the orchq_done channel and fanned out to local
// waiters by a single listening connection.
package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/pkg/log"
)

const itemColumns = `fingerprint, definition, extra, priority, status, lease_holder,
	last_heartbeat_ms, created_at_ms, seq, attempts, orphan_timeout_ms`

// Options configures Open.
type Options struct {
	DSN      string
	MaxConns int32
	// ReconnectDelay is the pause before the listener reconnects (default: 1s).
	ReconnectDelay time.Duration
}

// Store implements queue.Store on PostgreSQL.
type Store struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	hub       *queue.Hub
	logger    log.Logger
	reconnect time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

var _ queue.Store = (*Store)(nil)

// Open connects, migrates the schema and starts the notification listener.
func Open(ctx context.Context, opts Options, logger log.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	s, err := New(ctx, pool, opts.ReconnectDelay, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of pool.
func New(ctx context.Context, pool *pgxpool.Pool, reconnect time.Duration, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reconnect <= 0 {
		reconnect = time.Second
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", mapErr(err))
	}
	if err := Migrate(ctx, pool); err != nil {
		return nil, mapErr(err)
	}
	s := &Store{
		pool:      pool,
		hub:       queue.NewHub(),
		logger:    logger.With(log.Component("pgqueue")),
		reconnect: reconnect,
		done:      make(chan struct{}),
	}
	// LISTEN before returning so no waiter can subscribe ahead of it.
	conn, err := s.acquireListener(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(lctx, conn)
	return s, nil
}

func (s *Store) acquireListener(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

type notifyPayload struct {
	Scope       string `json:"s"`
	Fingerprint string `json:"f"`
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(s.done)
	for {
		if conn == nil {
			c, err := s.acquireListener(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("listener reconnect failed", log.Err(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.reconnect):
				}
				continue
			}
			conn = c
			s.hub.Broadcast()
		}
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			conn.Release()
			conn = nil
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("listener connection lost", log.Err(err))
			continue
		}
		var p notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			s.logger.Warn("bad notification payload", log.Str("payload", n.Payload), log.Err(err))
			continue
		}
		s.hub.Publish(queue.Topic(p.Scope, p.Fingerprint))
	}
}

// mapErr classifies a driver error. Errors reported by the server are
// returned as is; anything else means the database could not be reached.
func mapErr(err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrLeaseLost) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return fmt.Errorf("%w: %v", queue.ErrStoreUnavailable, err)
}

func (s *Store) check() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: store closed", queue.ErrStoreUnavailable)
	}
	return nil
}

func (s *Store) tx(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := s.check(); err != nil {
		return err
	}
	return mapErr(pgx.BeginFunc(ctx, s.pool, fn))
}

func lockScope(ctx context.Context, tx pgx.Tx, scope string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope)
	return err
}

func scanItem(row pgx.Row) (*queue.WorkItem, error) {
	var (
		item       queue.WorkItem
		def, extra []byte
		status     string
		seq        int64
		attempts   int32
	)
	err := row.Scan(&item.Fingerprint, &def, &extra, &item.Priority, &status, &item.LeaseHolder,
		&item.LastHeartbeatMs, &item.CreatedAtMs, &seq, &attempts, &item.OrphanTimeoutMs)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(def, &item.Definition); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", item.Fingerprint, err)
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &item.Definition.Extra); err != nil {
			return nil, fmt.Errorf("decode extra %s: %w", item.Fingerprint, err)
		}
	}
	item.Status = queue.Status(status)
	item.Seq = uint64(seq)
	item.Attempts = int(attempts)
	return &item, nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]queue.WorkItem, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []queue.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, *item)
	}
	return out, mapErr(rows.Err())
}

func counts(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, scope string) (active, pending int, err error) {
	err = q.QueryRow(ctx, `SELECT
			count(*) FILTER (WHERE status = 'active'),
			count(*) FILTER (WHERE status = 'pending')
		FROM orchq_items WHERE scope = $1`, scope).Scan(&active, &pending)
	return active, pending, err
}

// Add implements queue.Store.
func (s *Store) Add(ctx context.Context, scope string, item queue.WorkItem) (queue.AddResult, error) {
	ex := item.Definition.Extra
	item.Definition.Extra = nil
	def, err := json.Marshal(item.Definition)
	if err != nil {
		return queue.AddResult{}, err
	}
	var extra []byte
	if ex != nil {
		if extra, err = json.Marshal(ex); err != nil {
			return queue.AddResult{}, err
		}
	}
	var res queue.AddResult
	err = s.tx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO orchq_items
				(scope, fingerprint, definition, extra, priority, status, created_at_ms, orphan_timeout_ms)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
			ON CONFLICT (scope, fingerprint) DO NOTHING`,
			scope, item.Fingerprint, def, extra, item.Priority, item.CreatedAtMs, item.OrphanTimeoutMs)
		if err != nil {
			return err
		}
		res.Added = tag.RowsAffected() == 1
		if res.Added {
			if _, err := tx.Exec(ctx, `DELETE FROM orchq_results WHERE scope = $1 AND fingerprint = $2`, scope, item.Fingerprint); err != nil {
				return err
			}
		}
		res.Active, res.Pending, err = counts(ctx, tx, scope)
		return err
	})
	return res, err
}

// Retrieve implements queue.Store.
func (s *Store) Retrieve(ctx context.Context, scope, fp, holder string, concurrency int, nowMs int64) (*queue.Lease, error) {
	var lease *queue.Lease
	err := s.tx(ctx, func(tx pgx.Tx) error {
		if err := lockScope(ctx, tx, scope); err != nil {
			return err
		}
		active, _, err := counts(ctx, tx, scope)
		if err != nil {
			return err
		}
		if active >= concurrency {
			return nil
		}
		item, err := scanItem(tx.QueryRow(ctx, `UPDATE orchq_items
			SET status = 'active', lease_holder = $3, last_heartbeat_ms = $4, attempts = attempts + 1
			WHERE scope = $1 AND fingerprint = $2 AND status = 'pending'
			RETURNING `+itemColumns, scope, fp, holder, nowMs))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT fingerprint FROM orchq_items
			WHERE scope = $1 AND status = 'active' ORDER BY fingerprint`, scope)
		if err != nil {
			return err
		}
		fps, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		_, pending, err := counts(ctx, tx, scope)
		if err != nil {
			return err
		}
		lease = &queue.Lease{Item: *item, Active: fps, PendingCount: pending}
		return nil
	})
	return lease, err
}

// missing distinguishes ErrNotFound from ErrLeaseLost after a conditional
// update matched nothing.
func (s *Store) missing(ctx context.Context, scope, fp string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM orchq_items WHERE scope = $1 AND fingerprint = $2`, scope, fp).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.ErrNotFound
	}
	if err != nil {
		return mapErr(err)
	}
	return queue.ErrLeaseLost
}

// Heartbeat implements queue.Store.
func (s *Store) Heartbeat(ctx context.Context, scope, fp, holder string, nowMs int64) error {
	if err := s.check(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE orchq_items SET last_heartbeat_ms = $4
		WHERE scope = $1 AND fingerprint = $2 AND status = 'active'
		AND ($3::text = '' OR lease_holder = $3::text)`, scope, fp, holder, nowMs)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, scope, fp)
	}
	return nil
}

// MergeExtra implements queue.Store. The jsonb || operator gives per-key
// last-write-wins under the row lock of a single UPDATE.
func (s *Store) MergeExtra(ctx context.Context, scope, fp string, patch map[string]any) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var raw []byte
	if patch != nil {
		var err error
		if raw, err = json.Marshal(patch); err != nil {
			return false, err
		}
	}
	tag, err := s.pool.Exec(ctx, `UPDATE orchq_items
		SET extra = CASE WHEN $3::jsonb IS NULL THEN NULL ELSE COALESCE(extra, '{}'::jsonb) || $3::jsonb END
		WHERE scope = $1 AND fingerprint = $2`, scope, fp, raw)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get implements queue.Store.
func (s *Store) Get(ctx context.Context, scope, fp string) (*queue.WorkItem, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	item, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM orchq_items
		WHERE scope = $1 AND fingerprint = $2`, scope, fp))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return item, nil
}

// Requeue implements queue.Store.
func (s *Store) Requeue(ctx context.Context, scope, fp string, cond queue.LeaseCondition) (*queue.WorkItem, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	item, err := scanItem(s.pool.QueryRow(ctx, `UPDATE orchq_items SET status = 'pending', lease_holder = ''
		WHERE scope = $1 AND fingerprint = $2 AND status = 'active'
		AND ($3::text = '' OR lease_holder = $3::text)
		AND ($4::bigint = 0 OR last_heartbeat_ms + orphan_timeout_ms < $4::bigint)
		RETURNING `+itemColumns, scope, fp, cond.Holder, cond.OrphanedBeforeMs))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missing(ctx, scope, fp)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return item, nil
}

func (s *Store) finish(ctx context.Context, scope, fp string, o queue.Outcome, ttl time.Duration, requireItem bool) (*queue.WorkItem, error) {
	outcome, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(notifyPayload{Scope: scope, Fingerprint: fp})
	if err != nil {
		return nil, err
	}
	var removed *queue.WorkItem
	err = s.tx(ctx, func(tx pgx.Tx) error {
		item, err := scanItem(tx.QueryRow(ctx, `DELETE FROM orchq_items
			WHERE scope = $1 AND fingerprint = $2 RETURNING `+itemColumns, scope, fp))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if requireItem {
				return queue.ErrNotFound
			}
		case err != nil:
			return err
		default:
			removed = item
		}
		if _, err := tx.Exec(ctx, `INSERT INTO orchq_results (scope, fingerprint, outcome, expires_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (scope, fingerprint) DO UPDATE SET outcome = EXCLUDED.outcome, expires_ms = EXCLUDED.expires_ms`,
			scope, fp, outcome, o.AtMs+ttl.Milliseconds()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Complete implements queue.Store.
func (s *Store) Complete(ctx context.Context, scope, fp string, o queue.Outcome, ttl time.Duration) (*queue.WorkItem, error) {
	return s.finish(ctx, scope, fp, o, ttl, false)
}

// Cancel implements queue.Store.
func (s *Store) Cancel(ctx context.Context, scope, fp string, o queue.Outcome, ttl time.Duration) (*queue.WorkItem, error) {
	return s.finish(ctx, scope, fp, o, ttl, true)
}

// List implements queue.Store.
func (s *Store) List(ctx context.Context, scope string, status queue.Status) ([]queue.WorkItem, error) {
	switch status {
	case queue.StatusPending:
		return s.query(ctx, `SELECT `+itemColumns+` FROM orchq_items
			WHERE scope = $1 AND status = 'pending'
			ORDER BY priority DESC, created_at_ms, seq, fingerprint`, scope)
	case queue.StatusActive:
		return s.query(ctx, `SELECT `+itemColumns+` FROM orchq_items
			WHERE scope = $1 AND status = 'active' ORDER BY fingerprint`, scope)
	}
	return nil, nil
}

// Orphaned implements queue.Store.
func (s *Store) Orphaned(ctx context.Context, scope string, nowMs int64) ([]queue.WorkItem, error) {
	return s.query(ctx, `SELECT `+itemColumns+` FROM orchq_items
		WHERE scope = $1 AND status = 'active' AND last_heartbeat_ms + orphan_timeout_ms < $2
		ORDER BY fingerprint`, scope, nowMs)
}

// Stalled implements queue.Store.
func (s *Store) Stalled(ctx context.Context, scope string, createdBeforeMs int64) ([]queue.WorkItem, error) {
	return s.query(ctx, `SELECT `+itemColumns+` FROM orchq_items
		WHERE scope = $1 AND status = 'pending' AND attempts = 0 AND created_at_ms <= $2
		ORDER BY created_at_ms, seq`, scope, createdBeforeMs)
}

// Result implements queue.Store.
func (s *Store) Result(ctx context.Context, scope, fp string, nowMs int64) (*queue.Outcome, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var (
		raw     []byte
		expires int64
	)
	err := s.pool.QueryRow(ctx, `SELECT outcome, expires_ms FROM orchq_results
		WHERE scope = $1 AND fingerprint = $2`, scope, fp).Scan(&raw, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	if expires < nowMs {
		return nil, nil
	}
	var o queue.Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode outcome %s: %w", fp, err)
	}
	return &o, nil
}

// Subscribe implements queue.Store.
func (s *Store) Subscribe(ctx context.Context, scope, fp string) (queue.Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(queue.Topic(scope, fp)), nil
}

// NextProcessingID implements queue.Store.
func (s *Store) NextProcessingID(ctx context.Context) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT nextval('orchq_processing_seq')`).Scan(&n)
	return n, mapErr(err)
}

// PurgeResults implements queue.Store.
func (s *Store) PurgeResults(ctx context.Context, scope string, nowMs int64) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM orchq_results WHERE scope = $1 AND expires_ms < $2`, scope, nowMs)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping implements queue.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return mapErr(s.pool.Ping(ctx))
}

// Close stops the listener and, for stores created by Open, closes the pool.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	<-s.done
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}
