package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeExtraDisjointKeysCommute(t *testing.T) {
	a := map[string]any{"a": 1}
	b := map[string]any{"b": 2}

	ab := MergeExtra(MergeExtra(nil, a), b)
	ba := MergeExtra(MergeExtra(nil, b), a)
	assert.Equal(t, ab, ba)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, ab)
}

func TestMergeExtraLastWriteWins(t *testing.T) {
	got := MergeExtra(map[string]any{"k": "old", "keep": true}, map[string]any{"k": "new"})
	assert.Equal(t, map[string]any{"k": "new", "keep": true}, got)
}

func TestMergeExtraNilPatchClears(t *testing.T) {
	assert.Nil(t, MergeExtra(map[string]any{"k": 1}, nil))
}

func TestMergeExtraDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"k": 1}
	_ = MergeExtra(in, map[string]any{"k": 2})
	assert.Equal(t, 1, in["k"])
}
