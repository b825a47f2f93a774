package workqueue

import (
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/orchq/internal/queue"
	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
)

// outcomeRecord is a retained Outcome with its expiry.
type outcomeRecord struct {
	Outcome   queue.Outcome `json:"outcome"`
	ExpiresMs int64         `json:"expiresMs"`
}

func loadOutcome(r pebblestore.Reader, scope, fp string) (*outcomeRecord, error) {
	raw, err := pebblestore.GetFrom(r, resultKey(scope, fp))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec outcomeRecord
	if err := unmarshalRecord(raw, kindOutcome, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// putOutcome replaces any retained outcome for fp.
func putOutcome(b *pebble.Batch, scope, fp string, o queue.Outcome, ttl time.Duration) error {
	if err := dropOutcome(b, scope, fp); err != nil {
		return err
	}
	rec := outcomeRecord{Outcome: o, ExpiresMs: o.AtMs + ttl.Milliseconds()}
	raw, err := marshalRecord(kindOutcome, rec)
	if err != nil {
		return err
	}
	if err := b.Set(resultKey(scope, fp), raw, nil); err != nil {
		return err
	}
	return b.Set(resultIndexKey(scope, rec.ExpiresMs, fp), nil, nil)
}

// dropOutcome deletes the retained outcome for fp, if any.
func dropOutcome(b *pebble.Batch, scope, fp string) error {
	rec, err := loadOutcome(b, scope, fp)
	if err != nil && !errors.Is(err, errCorrupt) {
		return err
	}
	if rec != nil {
		if err := b.Delete(resultIndexKey(scope, rec.ExpiresMs, fp), nil); err != nil {
			return err
		}
	}
	return b.Delete(resultKey(scope, fp), nil)
}

// purgeOutcomes deletes outcomes that expired before nowMs.
func purgeOutcomes(b *pebble.Batch, scope string, nowMs int64) (int, error) {
	prefixLen := len(indexPrefix(scope, prefixResultIdx))
	var expired []string
	err := pebblestore.ScanRange(b, indexPrefix(scope, prefixResultIdx), timeUpperBound(scope, prefixResultIdx, nowMs-1),
		func(k, _ []byte) (bool, error) {
			if _, fp, ok := parseTimeIndexKey(k, prefixLen); ok {
				expired = append(expired, fp)
			}
			return true, nil
		})
	if err != nil {
		return 0, err
	}
	for _, fp := range expired {
		if err := dropOutcome(b, scope, fp); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
