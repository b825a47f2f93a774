package id

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier encoded as 16 bytes
// big-endian: [8 bytes ms_timestamp][8 bytes sequence].
type ID [16]byte

// Zero is the smallest ID.
var Zero ID

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns a hex string.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Ms returns the millisecond timestamp component.
func (i ID) Ms() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Seq returns the sequence component.
func (i ID) Seq() uint64 { return binary.BigEndian.Uint64(i[8:16]) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// FromBytes copies a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	var i ID
	if len(b) != 16 {
		return i, fmt.Errorf("id: want 16 bytes, got %d", len(b))
	}
	copy(i[:], b)
	return i, nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("id: %w", err)
	}
	return FromBytes(b)
}

// Clock returns the current time in milliseconds since Unix epoch.
type Clock func() int64

// SystemClock reads the wall clock.
func SystemClock() int64 { return time.Now().UnixMilli() }

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	now      Clock
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a Generator reading time from now. A nil clock uses
// SystemClock.
func NewGenerator(now Clock) *Generator {
	if now == nil {
		now = SystemClock
	}
	return &Generator{now: now}
}

// Next returns a new ID. If clock goes backwards, it uses lastMs and increments sequence.
// If sequence overflows within the same millisecond, it busy-waits for next ms.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			for {
				ms = g.now()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return Make(ms, g.sequence)
}

// Observe advances the generator past an ID seen elsewhere (for example, the
// highest ID already persisted) so Next never reissues it.
func (g *Generator) Observe(i ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms, seq := i.Ms(), i.Seq()
	if ms > g.lastMs || (ms == g.lastMs && seq > g.sequence) {
		g.lastMs, g.sequence = ms, seq
	}
}

// Make builds an ID from its components.
func Make(ms int64, seq uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint64(id[8:16], seq)
	return id
}
