package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
)

// AppendRecord represents a single appendable event.
type AppendRecord struct {
	Header  []byte
	Payload []byte
}

// Log provides append-only operations for one scope.
type Log struct {
	db    *pebblestore.DB
	scope string

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// OpenLog initializes a Log and loads the last sequence from metadata (if any).
func OpenLog(db *pebblestore.DB, scope string) (*Log, error) {
	l := &Log{db: db, scope: scope, notifyCh: make(chan struct{})}
	meta, err := db.Get(KeyLogMeta(scope))
	switch {
	case err == nil && len(meta) >= 8:
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, err
	}
	return l, nil
}

// Scope returns the scope this log belongs to.
func (l *Log) Scope() string { return l.scope }

// LastSeq returns the highest sequence assigned so far.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Append appends the provided records as a single atomic batch. Returns assigned seq numbers.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	seqs := make([]uint64, len(recs))
	next := l.lastSeq
	err := l.db.Update(ctx, func(b *pebble.Batch) error {
		for i, r := range recs {
			next++
			if err := b.Set(KeyLogEntry(l.scope, next), EncodeRecord(r.Header, r.Payload), nil); err != nil {
				return err
			}
			seqs[i] = next
		}
		var meta [8]byte
		binary.BigEndian.PutUint64(meta[:], next)
		if err := b.Set(KeyLogMeta(l.scope), meta[:], nil); err != nil {
			return err
		}
		return b.Set(KeyScopeIndex(l.scope), nil, nil)
	})
	if err != nil {
		return nil, err
	}
	l.lastSeq = next
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}
