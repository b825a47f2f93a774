package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/orchq/internal/queue"
	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
	"github.com/rzbill/orchq/pkg/log"
)

// ErrClosed is returned by reads after Close.
var ErrClosed = errors.New("eventlog: closed")

const (
	defaultReadLimit = 100
	maxReadLimit     = 1000
)

// Options configures a Journal.
type Options struct {
	DataDir      string
	Fsync        pebblestore.FsyncMode
	Retention    time.Duration // 0 keeps entries forever
	TrimInterval time.Duration // default: 1m
	Buffer       int           // pending events before dropping (default: 1024)
	MaxBatch     int           // events per append (default: 256)
	Logger       log.Logger
	Now          func() time.Time
}

// Entry is one journaled event.
type Entry struct {
	Seq uint64 `json:"seq"`
	queue.Event
}

// ReadRequest selects entries from one scope.
type ReadRequest struct {
	After   uint64
	Limit   int
	Reverse bool
	// Wait blocks a forward read that finds nothing until an append or timeout.
	Wait time.Duration
	// Group resumes from the group's committed cursor when After is zero.
	Group string
}

// Journal is a queue.EventSink that keeps lifecycle events in a local Pebble
// database, one log per scope.
type Journal struct {
	db     *pebblestore.DB
	opts   Options
	logger log.Logger

	logsMu sync.Mutex
	logs   map[string]*Log

	ch      chan queue.Event
	dropped atomic.Int64
	closed  atomic.Bool
	pubMu   sync.RWMutex
	done    chan struct{}
	stop    chan struct{}
	trimmer sync.WaitGroup
}

var _ queue.EventSink = (*Journal)(nil)

// Open opens the journal database under opts.DataDir and starts its writer.
func Open(opts Options) (*Journal, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 256
	}
	if opts.TrimInterval <= 0 {
		opts.TrimInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
	if err != nil {
		return nil, err
	}
	j := &Journal{
		db:     db,
		opts:   opts,
		logger: opts.Logger.With(log.Component("journal")),
		logs:   make(map[string]*Log),
		ch:     make(chan queue.Event, opts.Buffer),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go j.run()
	if opts.Retention > 0 {
		j.trimmer.Add(1)
		go j.trimLoop()
	}
	return j, nil
}

// Publish implements queue.EventSink. Events are dropped when the buffer is full.
func (j *Journal) Publish(_ context.Context, ev queue.Event) {
	j.pubMu.RLock()
	defer j.pubMu.RUnlock()
	if j.closed.Load() {
		return
	}
	select {
	case j.ch <- ev:
	default:
		if n := j.dropped.Add(1); n == 1 || n%1000 == 0 {
			j.logger.Warn("journal buffer full, dropping", log.Int64("dropped", n))
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

func (j *Journal) run() {
	defer close(j.done)
	batch := make([]queue.Event, 0, j.opts.MaxBatch)
	for ev := range j.ch {
		batch = append(batch[:0], ev)
	fill:
		for len(batch) < j.opts.MaxBatch {
			select {
			case next, ok := <-j.ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		j.write(batch)
	}
}

func (j *Journal) write(batch []queue.Event) {
	byScope := make(map[string][]AppendRecord)
	var order []string
	for _, ev := range batch {
		at := ev.AtMs
		if at == 0 {
			at = j.opts.Now().UnixMilli()
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, ok := byScope[ev.Scope]; !ok {
			order = append(order, ev.Scope)
		}
		byScope[ev.Scope] = append(byScope[ev.Scope], AppendRecord{Header: EventHeader(at, ev.Type), Payload: payload})
	}
	for _, scope := range order {
		l, err := j.logFor(scope)
		if err == nil {
			_, err = l.Append(context.Background(), byScope[scope])
		}
		if err != nil {
			j.logger.Error("append events", log.Str("scope", scope), log.Int("count", len(byScope[scope])), log.Err(err))
		}
	}
}

func (j *Journal) logFor(scope string) (*Log, error) {
	if err := queue.ValidateScope(scope); err != nil {
		return nil, err
	}
	j.logsMu.Lock()
	defer j.logsMu.Unlock()
	if l, ok := j.logs[scope]; ok {
		return l, nil
	}
	l, err := OpenLog(j.db, scope)
	if err != nil {
		return nil, err
	}
	j.logs[scope] = l
	return l, nil
}

// Read returns entries of scope selected by req, and the sequence to pass as
// After to continue in the same direction.
func (j *Journal) Read(ctx context.Context, scope string, req ReadRequest) ([]Entry, uint64, error) {
	if j.closed.Load() {
		return nil, 0, ErrClosed
	}
	l, err := j.logFor(scope)
	if err != nil {
		return nil, 0, err
	}
	opts := ReadOptions{After: req.After, Limit: req.Limit, Reverse: req.Reverse}
	if opts.Limit <= 0 {
		opts.Limit = defaultReadLimit
	}
	if opts.Limit > maxReadLimit {
		opts.Limit = maxReadLimit
	}
	if req.Group != "" && opts.After == 0 && !opts.Reverse {
		opts.After, _ = l.GetCursor(req.Group)
	}

	ch := l.appended()
	items, err := l.Read(opts)
	if err != nil {
		return nil, 0, err
	}
	if len(items) == 0 && req.Wait > 0 && !opts.Reverse {
		if !waitOn(ctx, ch, req.Wait) {
			return []Entry{}, opts.After, ctx.Err()
		}
		if items, err = l.Read(opts); err != nil {
			return nil, 0, err
		}
	}

	next := opts.After
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		next = it.Seq
		var ev queue.Event
		if err := json.Unmarshal(it.Payload, &ev); err != nil {
			continue
		}
		out = append(out, Entry{Seq: it.Seq, Event: ev})
	}
	return out, next, nil
}

// Commit records that group processed scope up to seq.
func (j *Journal) Commit(scope, group string, seq uint64) error {
	if group == "" {
		return errors.New("eventlog: group is required")
	}
	l, err := j.logFor(scope)
	if err != nil {
		return err
	}
	return l.CommitCursor(group, seq)
}

// Cursor returns the committed sequence of group in scope.
func (j *Journal) Cursor(scope, group string) (uint64, bool, error) {
	l, err := j.logFor(scope)
	if err != nil {
		return 0, false, err
	}
	seq, ok := l.GetCursor(group)
	return seq, ok, nil
}

// Scopes lists every scope that has journaled events.
func (j *Journal) Scopes() ([]string, error) {
	var out []string
	err := pebblestore.Scan(j.db.View(), scopeIndex, func(k, _ []byte) (bool, error) {
		out = append(out, string(k[len(scopeIndex):]))
		return true, nil
	})
	return out, err
}

// Trim deletes entries older than the retention window in every scope.
func (j *Journal) Trim(ctx context.Context) (int, error) {
	if j.opts.Retention <= 0 {
		return 0, nil
	}
	scopes, err := j.Scopes()
	if err != nil {
		return 0, err
	}
	cutoff := j.opts.Now().Add(-j.opts.Retention).UnixMilli()
	total := 0
	for _, scope := range scopes {
		l, err := j.logFor(scope)
		if err != nil {
			return total, err
		}
		n, _, err := l.TrimOlderThan(ctx, cutoff, 0)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (j *Journal) trimLoop() {
	defer j.trimmer.Done()
	t := time.NewTicker(j.opts.TrimInterval)
	defer t.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-t.C:
			n, err := j.Trim(context.Background())
			if err != nil {
				j.logger.Warn("trim journal", log.Err(err))
			} else if n > 0 {
				j.logger.Debug("trimmed journal", log.Int("entries", n))
			}
		}
	}
}

// CheckHealth reports whether the journal database is usable.
func (j *Journal) CheckHealth() error {
	if j.closed.Load() {
		return ErrClosed
	}
	return j.db.CheckHealth()
}

// Close flushes buffered events, stops trimming and closes the database.
func (j *Journal) Close() error {
	j.pubMu.Lock()
	if j.closed.Swap(true) {
		j.pubMu.Unlock()
		return nil
	}
	close(j.ch)
	j.pubMu.Unlock()
	<-j.done
	close(j.stop)
	j.trimmer.Wait()
	return j.db.Close()
}
