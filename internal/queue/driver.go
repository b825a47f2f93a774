package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/rzbill/orchq/pkg/log"
)

// Options configures NewDriver.
type Options struct {
	Store    Store
	Config   Config
	Breaker  BreakerSettings
	Logger   log.Logger
	Recorder Recorder
	Events   EventSink
	// Clock overrides time.Now for stored timestamps.
	Clock func() time.Time
}

// Driver owns a Store and hands out scoped connections.
type Driver struct {
	store  Store
	cfg    Config
	cb     *gobreaker.CircuitBreaker
	logger log.Logger
	rec    Recorder
	events EventSink
	now    func() time.Time
	closed atomic.Bool
}

// NewDriver validates opts and returns a Driver. The Driver takes ownership of
// opts.Store and closes it in Close.
func NewDriver(opts Options) (*Driver, error) {
	if opts.Store == nil {
		return nil, errors.New("queue: Options.Store is required")
	}
	d := &Driver{
		store:  opts.Store,
		cfg:    opts.Config.withDefaults(),
		logger: opts.Logger,
		rec:    opts.Recorder,
		events: opts.Events,
		now:    opts.Clock,
	}
	if d.logger == nil {
		d.logger = log.NewNopLogger()
	}
	d.logger = d.logger.With(log.Component("queue"))
	if d.rec == nil {
		d.rec = NopRecorder{}
	}
	if d.events == nil {
		d.events = NopEvents{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.cb = newBreaker(opts.Breaker, d.logger)
	return d, nil
}

// Fingerprint returns the dedup key for k.
func (d *Driver) Fingerprint(k QueryKey) string { return Fingerprint(k) }

// Config returns the effective configuration.
func (d *Driver) Config() Config { return d.cfg }

// Connect returns a Connection bound to scope.
func (d *Driver) Connect(scope string) (*Connection, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Connection{
		d:      d,
		scope:  scope,
		id:     id,
		logger: d.logger.With(log.Str("scope", scope), log.Str("conn", id)),
	}, nil
}

// Ping checks that the store is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	return d.guard("", "ping", func() error { return d.store.Ping(ctx) })
}

// Close closes the store. Further calls fail with ErrClosed.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
