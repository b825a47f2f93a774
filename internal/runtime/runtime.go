package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	cfgpkg "github.com/rzbill/orchq/internal/config"
	"github.com/rzbill/orchq/internal/eventlog"
	"github.com/rzbill/orchq/internal/events"
	"github.com/rzbill/orchq/internal/metrics"
	"github.com/rzbill/orchq/internal/pgqueue"
	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/internal/reconciler"
	"github.com/rzbill/orchq/internal/redisqueue"
	queuesvc "github.com/rzbill/orchq/internal/services/queues"
	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
	"github.com/rzbill/orchq/internal/worker"
	"github.com/rzbill/orchq/internal/workqueue"
	"github.com/rzbill/orchq/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Registry receives the queue metrics. A private registry is created when
	// nil.
	Registry *prometheus.Registry
	// Handlers, when non-empty, starts a worker pool on Config.Scope.
	Handlers *worker.Registry
	// Store replaces the backend selected by Config.Backend. The Runtime takes
	// ownership of it.
	Store queue.Store
}

// Runtime wires storage, config, and facades for one orchq instance.
type Runtime struct {
	config   cfgpkg.Config
	logger   log.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	events   *events.Publisher
	journal  *eventlog.Journal
	driver   *queue.Driver
	svc      *queuesvc.Service
	recon    *reconciler.Reconciler
	pool     *worker.Pool
}

// Open initializes the backend and the components around it and returns a
// Runtime. Background loops are running when Open returns.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	rt := &Runtime{config: cfg, logger: logger.With(log.Component("runtime")), registry: reg, metrics: m}

	store := opts.Store
	if store == nil {
		if store, err = openStore(ctx, cfg, m, logger); err != nil {
			return nil, err
		}
	}

	var sinks queue.MultiEvents
	if cfg.Journal.Enabled {
		rt.journal, err = eventlog.Open(eventlog.Options{
			DataDir:   filepath.Join(dataDir(cfg), "journal"),
			Fsync:     pebblestore.ParseFsyncMode(cfg.Fsync),
			Retention: cfg.Journal.Retention,
			Logger:    logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		sinks = append(sinks, rt.journal)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		eo := events.Options{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}
		rt.events = events.New(events.NewKafkaWriter(eo), eo, logger, m)
		sinks = append(sinks, rt.events)
	}
	var sink queue.EventSink = queue.NopEvents{}
	if len(sinks) > 0 {
		sink = sinks
	}

	rt.driver, err = queue.NewDriver(queue.Options{
		Store: store,
		Config: queue.Config{
			Concurrency:         cfg.Concurrency,
			ContinueWaitTimeout: cfg.ContinueWaitTimeout,
			OrphanTimeout:       cfg.OrphanTimeout,
			StallTimeout:        cfg.StallTimeout,
			HeartbeatInterval:   cfg.HeartbeatInterval,
			ResultTTL:           cfg.ResultTTL,
			MaxAttempts:         cfg.MaxAttempts,
		},
		Breaker: queue.BreakerSettings{
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval,
			Timeout:          cfg.Breaker.Timeout,
			FailureThreshold: cfg.Breaker.FailureThreshold,
		},
		Logger:   logger,
		Recorder: m,
		Events:   sink,
	})
	if err != nil {
		_ = store.Close()
		rt.closeEvents()
		return nil, err
	}
	rt.svc = queuesvc.New(rt.driver, logger)

	if cfg.Reconciler.Enabled {
		scopes := cfg.Reconciler.Scopes
		if len(scopes) == 0 {
			scopes = []string{cfg.Scope}
		}
		rt.recon, err = reconciler.New(rt.driver, reconciler.Config{
			Interval:  cfg.Reconciler.Interval,
			BatchSize: cfg.Reconciler.BatchSize,
			Scopes:    scopes,
		}, logger)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		// Scopes journaled by an earlier run are swept again after a restart.
		if rt.journal != nil {
			known, err := rt.journal.Scopes()
			if err != nil {
				rt.logger.Warn("list journaled scopes", log.Err(err))
			}
			for _, scope := range known {
				if err := rt.recon.Watch(scope); err != nil {
					rt.logger.Warn("watch scope", log.Str("scope", scope), log.Err(err))
				}
			}
		}
		// Scopes first seen through the API are swept too.
		rt.svc.OnEnqueue(func(scope string) {
			if err := rt.recon.Watch(scope); err != nil {
				rt.logger.Warn("watch scope", log.Str("scope", scope), log.Err(err))
			}
		})
		rt.recon.Start()
	}

	if opts.Handlers != nil && opts.Handlers.Len() > 0 {
		rt.pool, err = worker.New(rt.driver, opts.Handlers, worker.Config{
			Scope:             cfg.Scope,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, m, logger)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.svc.OnEnqueue(func(scope string) {
			if scope == rt.pool.Scope() {
				rt.pool.Notify()
			}
		})
		rt.pool.Start()
	}

	rt.logger.Info("runtime opened", log.Str("backend", backendName(cfg, opts.Store)), log.Str("scope", cfg.Scope))
	return rt, nil
}

func openStore(ctx context.Context, cfg cfgpkg.Config, m *metrics.Metrics, logger log.Logger) (queue.Store, error) {
	switch cfg.Backend {
	case cfgpkg.BackendPebble, "":
		return workqueue.Open(pebblestore.Options{
			DataDir: filepath.Join(dataDir(cfg), "store"),
			Fsync:   pebblestore.ParseFsyncMode(cfg.Fsync),
			Metrics: m,
		})
	case cfgpkg.BackendRedis:
		return redisqueue.Open(ctx, redisqueue.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
	case cfgpkg.BackendPostgres:
		return pgqueue.Open(ctx, pgqueue.Options{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func dataDir(cfg cfgpkg.Config) string {
	if cfg.DataDir != "" {
		return cfg.DataDir
	}
	return cfgpkg.DefaultDataDir()
}

func backendName(cfg cfgpkg.Config, injected queue.Store) string {
	if injected != nil {
		return fmt.Sprintf("%T", injected)
	}
	return cfg.Backend
}

// Close stops the worker pool and the reconciler, closes the store, then
// flushes the event sinks. Transports should be drained before calling Close.
func (r *Runtime) Close() error {
	if r.pool != nil {
		r.pool.Stop()
	}
	if r.recon != nil {
		r.recon.Stop()
	}
	var err error
	if r.driver != nil {
		err = r.driver.Close()
	}
	r.closeEvents()
	return err
}

func (r *Runtime) closeEvents() {
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("close event publisher", log.Err(err))
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("close journal", log.Err(err))
		}
	}
}

// CheckHealth reports whether the store is reachable.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.driver == nil {
		return errors.New("runtime not open")
	}
	return r.driver.Ping(ctx)
}

// Service returns the queue facade used by the transports.
func (r *Runtime) Service() *queuesvc.Service { return r.svc }

// Driver exposes the queue driver.
func (r *Runtime) Driver() *queue.Driver { return r.driver }

// Registry is the Prometheus registry holding the runtime's metrics.
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Reconciler returns the running reconciler, or nil when disabled.
func (r *Runtime) Reconciler() *reconciler.Reconciler { return r.recon }

// Journal returns the lifecycle journal, or nil when disabled.
func (r *Runtime) Journal() *eventlog.Journal { return r.journal }

// Pool returns the running worker pool, or nil when no handlers are set.
func (r *Runtime) Pool() *worker.Pool { return r.pool }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Logger returns the root logger.
func (r *Runtime) Logger() log.Logger { return r.logger }
