package eventlog

import (
	"encoding/binary"
	"errors"

	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
)

// CommitCursor stores the last processed sequence for a reader group.
// A sequence lower than the stored one is ignored.
func (l *Log) CommitCursor(group string, seq uint64) error {
	key := KeyCursor(l.scope, group)
	cur, err := l.db.Get(key)
	if err == nil && len(cur) >= 8 && seq <= binary.BigEndian.Uint64(cur[:8]) {
		return nil
	}
	if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return l.db.Set(key, b[:])
}

// GetCursor loads the committed sequence for a reader group.
func (l *Log) GetCursor(group string) (uint64, bool) {
	cur, err := l.db.Get(KeyCursor(l.scope, group))
	if err != nil || len(cur) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(cur[:8]), true
}
