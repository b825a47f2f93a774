// Package events streams queue lifecycle transitions to Kafka.
//
// Publish never blocks the queue: events go through a bounded buffer and are
// dropped, with a warning, when the buffer is full. Messages are keyed by
// scope and fingerprint so one item's transitions stay ordered within a
// partition.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/pkg/id"
	"github.com/rzbill/orchq/pkg/log"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Counter observes publish outcomes.
type Counter interface {
	EventPublished(ok bool)
}

// Options configures a Publisher.
type Options struct {
	Brokers      []string
	Topic        string
	Buffer       int           // pending events before dropping (default: 1024)
	MaxBatch     int           // events per write (default: 100)
	WriteTimeout time.Duration // per write (default: 10s)
}

// Record is the JSON value of each message.
type Record struct {
	ID string `json:"id"`
	queue.Event
}

// Publisher is a queue.EventSink backed by Kafka.
type Publisher struct {
	w       Writer
	ch      chan queue.Event
	gen     *id.Generator
	logger  log.Logger
	counter Counter
	opts    Options

	dropped atomic.Int64
	closed  atomic.Bool
	mu      sync.RWMutex
	done    chan struct{}
}

var _ queue.EventSink = (*Publisher)(nil)

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(opts Options) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// New starts a Publisher writing to w. counter may be nil.
func New(w Writer, opts Options, logger log.Logger, counter Counter) *Publisher {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Publisher{
		w:       w,
		ch:      make(chan queue.Event, opts.Buffer),
		gen:     id.NewGenerator(id.SystemClock),
		logger:  logger.With(log.Component("events")),
		counter: counter,
		opts:    opts,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish implements queue.EventSink.
func (p *Publisher) Publish(_ context.Context, ev queue.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return
	}
	select {
	case p.ch <- ev:
	default:
		if n := p.dropped.Add(1); n == 1 || n%1000 == 0 {
			p.logger.Warn("event buffer full, dropping", log.Int64("dropped", n))
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

func (p *Publisher) run() {
	defer close(p.done)
	batch := make([]kafka.Message, 0, p.opts.MaxBatch)
	for ev := range p.ch {
		batch = append(batch[:0], p.message(ev))
	fill:
		for len(batch) < p.opts.MaxBatch {
			select {
			case next, ok := <-p.ch:
				if !ok {
					break fill
				}
				batch = append(batch, p.message(next))
			default:
				break fill
			}
		}
		p.write(batch)
	}
}

func (p *Publisher) message(ev queue.Event) kafka.Message {
	value, _ := json.Marshal(Record{ID: p.gen.Next().String(), Event: ev})
	return kafka.Message{
		Key:   []byte(ev.Scope + "/" + ev.Fingerprint),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
}

func (p *Publisher) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.WriteTimeout)
	defer cancel()
	err := p.w.WriteMessages(ctx, batch...)
	if err != nil {
		p.logger.Error("write events", log.Int("count", len(batch)), log.Err(err))
	}
	if p.counter != nil {
		for range batch {
			p.counter.EventPublished(err == nil)
		}
	}
}

// Close flushes buffered events and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.ch)
	p.mu.Unlock()
	<-p.done
	return p.w.Close()
}
