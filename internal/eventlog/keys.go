package eventlog

import (
	"encoding/binary"
)

var (
	journalPrefix = []byte("j/")
	scopeIndex    = []byte("js/")
	metaSuffix    = []byte("/m")
	entrySeg      = []byte("/e/")
	cursorSeg     = []byte("/c/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func scopeKey(scope string, extra int) []byte {
	k := make([]byte, 0, len(journalPrefix)+len(scope)+extra)
	k = append(k, journalPrefix...)
	return append(k, scope...)
}

// KeyLogMeta builds the scope metadata key.
func KeyLogMeta(scope string) []byte {
	return append(scopeKey(scope, len(metaSuffix)), metaSuffix...)
}

// KeyLogEntry builds the entry key with a big-endian sequence for proper ordering.
func KeyLogEntry(scope string, seq uint64) []byte {
	k := append(scopeKey(scope, len(entrySeg)+8), entrySeg...)
	return appendBE8(k, seq)
}

// KeyCursor builds the durable cursor key for a reader group.
func KeyCursor(scope, group string) []byte {
	k := append(scopeKey(scope, len(cursorSeg)+len(group)), cursorSeg...)
	return append(k, group...)
}

// KeyScopeIndex marks scope as having entries.
func KeyScopeIndex(scope string) []byte {
	k := make([]byte, 0, len(scopeIndex)+len(scope))
	k = append(k, scopeIndex...)
	return append(k, scope...)
}

// seqFromEntryKey extracts the sequence from an entry key.
func seqFromEntryKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}
