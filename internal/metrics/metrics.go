// Package metrics exposes orchq's Prometheus instrumentation. A Metrics value
// serves as the queue.Recorder, the storage hook of the embedded backend and
// the counters of the worker pool and event publisher.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/orchq/internal/queue"
	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
)

const Namespace = "orchq"

// Label values.
const (
	ResultAdded        = "added"
	ResultDeduplicated = "deduplicated"
	ResultAcquired     = "acquired"
	ResultBusy         = "busy"
	TimingOnTime       = "on_time"
	TimingLate         = "late"
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusRetry        = "retry"
	StatusAbandoned    = "abandoned"
)

var latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

type Metrics struct {
	enqueued      *prometheus.CounterVec
	acquired      *prometheus.CounterVec
	completed     *prometheus.CounterVec
	cancelled     *prometheus.CounterVec
	requeued      *prometheus.CounterVec
	heartbeatLost *prometheus.CounterVec
	waitDuration  *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec

	storageReads     prometheus.Histogram
	storageReadBytes prometheus.Counter
	batchCommits     prometheus.Histogram
	batchOps         prometheus.Histogram
	batchBytes       prometheus.Counter

	eventsPublished *prometheus.CounterVec

	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobsRunning prometheus.Gauge
}

var (
	_ queue.Recorder          = (*Metrics)(nil)
	_ pebblestore.MetricsHook = (*Metrics)(nil)
)

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "enqueued_total",
			Help:      "Enqueue calls by scope and whether a new item was added",
		}, []string{"scope", "result"}),
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "retrieve_total",
			Help:      "Lease attempts by scope and outcome",
		}, []string{"scope", "result"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "completed_total",
			Help:      "Completions by scope, split into on-time and late",
		}, []string{"scope", "timing"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cancelled_total",
			Help:      "Cancelled items by scope",
		}, []string{"scope"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requeued_total",
			Help:      "Active items returned to pending by scope",
		}, []string{"scope"}),
		heartbeatLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "heartbeat_lost_total",
			Help:      "Heartbeats from holders that no longer held the lease",
		}, []string{"scope"}),
		waitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "wait_duration_seconds",
			Help:      "Blocking result waits by scope and how they ended",
			Buckets:   latencyBuckets,
		}, []string{"scope", "status"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "store_unavailable_total",
			Help:      "Store calls that failed with an unavailable backend",
		}, []string{"scope", "op"}),
		storageReads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "read_duration_seconds",
			Help:      "Embedded store point read latency",
			Buckets:   latencyBuckets,
		}),
		storageReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "read_bytes_total",
			Help:      "Bytes returned by embedded store point reads",
		}),
		batchCommits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "batch_commit_duration_seconds",
			Help:      "Embedded store batch commit latency",
			Buckets:   latencyBuckets,
		}),
		batchOps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "batch_ops",
			Help:      "Operations per committed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		batchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "batch_bytes_total",
			Help:      "Bytes written in committed batches",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Lifecycle events handed to the broker by status",
		}, []string{"status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Jobs run by handler and status",
		}, []string{"handler", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Handler run time",
			Buckets:   latencyBuckets,
		}, []string{"handler"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "jobs_running",
			Help:      "Jobs currently executing in this process",
		}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{
		m.enqueued, m.acquired, m.completed, m.cancelled, m.requeued, m.heartbeatLost,
		m.waitDuration, m.storeErrors,
		m.storageReads, m.storageReadBytes, m.batchCommits, m.batchOps, m.batchBytes,
		m.eventsPublished, m.jobs, m.jobDuration, m.jobsRunning,
	} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Enqueued(scope string, added bool) {
	result := ResultDeduplicated
	if added {
		result = ResultAdded
	}
	m.enqueued.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) Acquired(scope string, acquired bool) {
	result := ResultBusy
	if acquired {
		result = ResultAcquired
	}
	m.acquired.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) Completed(scope string, late bool) {
	timing := TimingOnTime
	if late {
		timing = TimingLate
	}
	m.completed.WithLabelValues(scope, timing).Inc()
}

func (m *Metrics) Cancelled(scope string)     { m.cancelled.WithLabelValues(scope).Inc() }
func (m *Metrics) Requeued(scope string)      { m.requeued.WithLabelValues(scope).Inc() }
func (m *Metrics) HeartbeatLost(scope string) { m.heartbeatLost.WithLabelValues(scope).Inc() }

func (m *Metrics) WaitFinished(scope string, status queue.WaitStatus, elapsed time.Duration) {
	m.waitDuration.WithLabelValues(scope, status.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) StoreError(scope, op string) { m.storeErrors.WithLabelValues(scope, op).Inc() }

// ObserveRead implements pebblestore.MetricsHook.
func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.storageReads.Observe(elapsed.Seconds())
	m.storageReadBytes.Add(float64(bytes))
}

// ObserveBatchCommit implements pebblestore.MetricsHook.
func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	m.batchCommits.Observe(elapsed.Seconds())
	m.batchOps.Observe(float64(numOps))
	m.batchBytes.Add(float64(bytes))
}

// EventPublished counts one event handed to, or rejected by, the broker.
func (m *Metrics) EventPublished(ok bool) {
	status := StatusSuccess
	if !ok {
		status = StatusError
	}
	m.eventsPublished.WithLabelValues(status).Inc()
}

// JobStarted and JobFinished bracket one handler run.
func (m *Metrics) JobStarted() { m.jobsRunning.Inc() }

func (m *Metrics) JobFinished(handler, status string, elapsed time.Duration) {
	m.jobsRunning.Dec()
	m.jobs.WithLabelValues(handler, status).Inc()
	m.jobDuration.WithLabelValues(handler).Observe(elapsed.Seconds())
}
