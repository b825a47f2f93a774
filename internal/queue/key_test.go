package queue

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintShortStringVerbatim(t *testing.T) {
	assert.Equal(t, "SELECT 1", Fingerprint(Key("SELECT 1")))
}

func TestFingerprintLongStringHashed(t *testing.T) {
	long := strings.Repeat("x", 256)
	fp := Fingerprint(Key(long))
	assert.Len(t, fp, 32)
	assert.Equal(t, fp, Fingerprint(Key(long)))
}

func TestFingerprintComposite(t *testing.T) {
	a := CompositeKey("SELECT * FROM t WHERE id = ?", 1, "x")
	b := CompositeKey("SELECT * FROM t WHERE id = ?", 1, "x")
	c := CompositeKey("SELECT * FROM t WHERE id = ?", 2, "x")

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.Len(t, Fingerprint(a), 32)
}

func TestFingerprintIsFixedPoint(t *testing.T) {
	for _, k := range []QueryKey{Key("short"), Key(strings.Repeat("y", 300)), CompositeKey("tag", 1, 2)} {
		fp := Fingerprint(k)
		assert.Equal(t, fp, Fingerprint(Key(fp)))
	}
}

func TestFingerprintSurvivesJSONRoundTrip(t *testing.T) {
	k := CompositeKey("q", 1, "a", map[string]any{"b": true})
	raw, err := json.Marshal(k)
	require.NoError(t, err)
	assert.JSONEq(t, `["q",[1,"a",{"b":true}]]`, string(raw))

	var back QueryKey
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.IsComposite())
	assert.Equal(t, Fingerprint(k), Fingerprint(back))
}

func TestFingerprintKeepsLargeIntegers(t *testing.T) {
	k := CompositeKey("t", int64(9007199254740993))
	raw, err := json.Marshal(k)
	require.NoError(t, err)
	assert.Equal(t, `["t",[9007199254740993]]`, string(raw))

	var back QueryKey
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, Fingerprint(k), Fingerprint(back))
	assert.Equal(t, k, back)
}

func TestFingerprintStructArgsMatchDecoded(t *testing.T) {
	type region struct {
		Zone string
		Area int
	}
	k := CompositeKey("report", region{Zone: "eu", Area: 7})
	assert.Equal(t, `["report",[{"Area":7,"Zone":"eu"}]]`, k.String())

	var back QueryKey
	require.NoError(t, json.Unmarshal([]byte(`["report",[{"Zone":"eu","Area":7}]]`), &back))
	assert.Equal(t, Fingerprint(k), Fingerprint(back))
}

func TestQueryKeyUnmarshalPlain(t *testing.T) {
	var k QueryKey
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &k))
	assert.False(t, k.IsComposite())
	assert.Equal(t, "abc", k.String())

	assert.Error(t, json.Unmarshal([]byte(`["only-tag"]`), &k))
	assert.Error(t, json.Unmarshal([]byte(`42`), &k))
}
