package eventlog

import (
	"testing"

	"github.com/rzbill/orchq/internal/queue"
)

func TestRecordRoundtrip(t *testing.T) {
	header := []byte("h")
	payload := []byte("payload")
	rec := EncodeRecord(header, payload)
	dec, ok := DecodeRecord(rec)
	if !ok {
		t.Fatalf("decode failed")
	}
	if string(dec.Header) != string(header) {
		t.Fatalf("header mismatch")
	}
	if string(dec.Payload) != string(payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestRecordCRCFail(t *testing.T) {
	rec := EncodeRecord([]byte("x"), []byte("y"))
	rec[len(rec)-1] ^= 0xFF
	if _, ok := DecodeRecord(rec); ok {
		t.Fatalf("expected crc failure")
	}
}

func TestEventHeader(t *testing.T) {
	h := EventHeader(1700000000123, queue.EventCompleted)
	ms, ok := HeaderTimestamp(h)
	if !ok || ms != 1700000000123 {
		t.Fatalf("timestamp: got %d ok=%v", ms, ok)
	}
	if got := HeaderType(h); got != queue.EventCompleted {
		t.Fatalf("type: got %q", got)
	}
	if _, ok := HeaderTimestamp([]byte("short")); ok {
		t.Fatalf("expected short header to be rejected")
	}
}
