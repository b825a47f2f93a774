package eventlog

import (
	"github.com/cockroachdb/pebble"
)

type ReadOptions struct {
	// After excludes entries at or below this sequence. In reverse reads it
	// excludes entries at or above it; zero starts from the newest.
	After   uint64
	Limit   int
	Reverse bool
}

type Item struct {
	Seq     uint64
	Header  []byte
	Payload []byte
}

// Read returns up to Limit items after opts.After. Entries that fail their
// checksum are skipped.
func (l *Log) Read(opts ReadOptions) ([]Item, error) {
	low := KeyLogEntry(l.scope, 0)
	hi := append(KeyLogEntry(l.scope, ^uint64(0)), 0x00)
	iter, err := l.db.View().NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	items := make([]Item, 0, max(1, opts.Limit))
	collect := func() bool {
		dec, ok := DecodeRecord(iter.Value())
		if ok {
			items = append(items, Item{Seq: seqFromEntryKey(iter.Key()), Header: dec.Header, Payload: dec.Payload})
		}
		return opts.Limit == 0 || len(items) < opts.Limit
	}

	if opts.Reverse {
		var ok bool
		if opts.After == 0 {
			ok = iter.Last()
		} else {
			ok = iter.SeekLT(KeyLogEntry(l.scope, opts.After))
		}
		for ; ok && collect(); ok = iter.Prev() {
		}
		return items, iter.Error()
	}

	for ok := iter.SeekGE(KeyLogEntry(l.scope, opts.After+1)); ok && collect(); ok = iter.Next() {
	}
	return items, iter.Error()
}
