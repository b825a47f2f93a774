package eventlog

import (
	"context"

	"github.com/cockroachdb/pebble"
)

// TrimOlderThan deletes entries whose header timestamp is before cutoffMs.
// Deletes are committed in batches of up to batchLimit keys. Trimming stops at
// the first entry at or after the cutoff. Returns the number of deleted
// entries and the last deleted sequence (0 if none).
func (l *Log) TrimOlderThan(ctx context.Context, cutoffMs int64, batchLimit int) (int, uint64, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}

	low := KeyLogEntry(l.scope, 0)
	hi := append(KeyLogEntry(l.scope, ^uint64(0)), 0x00)
	iter, err := l.db.View().NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	deleted := 0
	var lastSeq uint64
	for ok := iter.First(); ok; {
		b := l.db.NewBatch()
		n := 0
		for ok && n < batchLimit {
			dec, okDec := DecodeRecord(iter.Value())
			if okDec {
				if ms, okTs := HeaderTimestamp(dec.Header); !okTs || ms >= cutoffMs {
					ok = false
					break
				}
			}
			// Corrupt entries are dropped along with expired ones.
			if err := b.Delete(iter.Key(), nil); err != nil {
				b.Close()
				return deleted, lastSeq, err
			}
			lastSeq = seqFromEntryKey(iter.Key())
			deleted++
			n++
			ok = iter.Next()
		}
		if n == 0 {
			b.Close()
			break
		}
		err := l.db.CommitBatch(ctx, b)
		b.Close()
		if err != nil {
			return deleted, lastSeq, err
		}
	}
	return deleted, lastSeq, iter.Error()
}
