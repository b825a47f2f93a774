package workqueue

import (
	"errors"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	raw := encodeRecord(kindItem, []byte(`{"a":1}`))
	payload, err := decodeRecord(raw, kindItem)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(payload) != `{"a":1}` {
		t.Fatalf("payload mismatch: %s", payload)
	}
}

func TestRecordDetectsCorruption(t *testing.T) {
	raw := encodeRecord(kindItem, []byte(`{"a":1}`))
	raw[7] ^= 0xff
	if _, err := decodeRecord(raw, kindItem); !errors.Is(err, errCorrupt) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
}

func TestRecordRejectsWrongKind(t *testing.T) {
	raw := encodeRecord(kindOutcome, []byte(`{}`))
	if _, err := decodeRecord(raw, kindItem); !errors.Is(err, errCorrupt) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
	if _, err := decodeRecord(raw[:5], kindOutcome); !errors.Is(err, errCorrupt) {
		t.Fatalf("expected corrupt error for short record")
	}
}
