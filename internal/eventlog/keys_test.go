package eventlog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryKeysOrderBySeq(t *testing.T) {
	a := KeyLogEntry("s", 1)
	b := KeyLogEntry("s", 256)
	assert.Negative(t, bytes.Compare(a, b))
	assert.Equal(t, uint64(256), seqFromEntryKey(b))
}

func TestScopesDoNotOverlap(t *testing.T) {
	// "s" entries must not fall inside the "s2" range or vice versa.
	lo, hi := KeyLogEntry("s", 0), KeyLogEntry("s", ^uint64(0))
	other := KeyLogEntry("s2", 5)
	assert.False(t, bytes.Compare(other, lo) >= 0 && bytes.Compare(other, hi) <= 0)
	assert.Equal(t, []byte("j/s/c/g"), KeyCursor("s", "g"))
	assert.Equal(t, []byte("j/s/m"), KeyLogMeta("s"))
	assert.Equal(t, []byte("js/s"), KeyScopeIndex("s"))
}
