package eventlog

import (
	"context"
	"testing"

	"github.com/rzbill/orchq/internal/queue"
	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
)

func openTestDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func appendN(t *testing.T, l *Log, n int, atMs int64) []uint64 {
	t.Helper()
	recs := make([]AppendRecord, n)
	for i := range recs {
		recs[i] = AppendRecord{Header: EventHeader(atMs, queue.EventEnqueued), Payload: []byte{byte('a' + i)}}
	}
	seqs, err := l.Append(context.Background(), recs)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return seqs
}

func TestAppendAssignsSequences(t *testing.T) {
	db := openTestDB(t)
	l, err := OpenLog(db, "jobs")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	seqs := appendN(t, l, 3, 1)
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Fatalf("unexpected seqs: %v", seqs)
	}
	if l.LastSeq() != 3 {
		t.Fatalf("last seq: got %d", l.LastSeq())
	}
	if seqs, _ := l.Append(context.Background(), nil); seqs != nil {
		t.Fatalf("empty append should be a no-op")
	}
}

func TestOpenLogResumesSequence(t *testing.T) {
	db := openTestDB(t)
	l, _ := OpenLog(db, "jobs")
	appendN(t, l, 2, 1)

	again, err := OpenLog(db, "jobs")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	seqs := appendN(t, again, 1, 1)
	if seqs[0] != 3 {
		t.Fatalf("want seq 3 after reopen, got %d", seqs[0])
	}

	other, _ := OpenLog(db, "jobs2")
	if other.LastSeq() != 0 {
		t.Fatalf("scopes must not share sequences")
	}
}

func TestReadForwardAndReverse(t *testing.T) {
	db := openTestDB(t)
	l, _ := OpenLog(db, "jobs")
	appendN(t, l, 5, 1)

	items, err := l.Read(ReadOptions{After: 2, Limit: 2})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(items) != 2 || items[0].Seq != 3 || items[1].Seq != 4 {
		t.Fatalf("forward: %+v", items)
	}
	if string(items[0].Payload) != "c" {
		t.Fatalf("payload: %q", items[0].Payload)
	}

	items, _ = l.Read(ReadOptions{Reverse: true, Limit: 2})
	if len(items) != 2 || items[0].Seq != 5 || items[1].Seq != 4 {
		t.Fatalf("reverse from newest: %+v", items)
	}
	items, _ = l.Read(ReadOptions{Reverse: true, After: 3})
	if len(items) != 2 || items[0].Seq != 2 || items[1].Seq != 1 {
		t.Fatalf("reverse before 3: %+v", items)
	}

	items, _ = l.Read(ReadOptions{After: 5})
	if len(items) != 0 {
		t.Fatalf("expected nothing after tail, got %d", len(items))
	}
}

func TestReadSkipsCorruptEntries(t *testing.T) {
	db := openTestDB(t)
	l, _ := OpenLog(db, "jobs")
	appendN(t, l, 3, 1)
	if err := db.Set(KeyLogEntry("jobs", 2), []byte("garbage")); err != nil {
		t.Fatalf("set: %v", err)
	}
	items, _ := l.Read(ReadOptions{})
	if len(items) != 2 || items[0].Seq != 1 || items[1].Seq != 3 {
		t.Fatalf("unexpected items: %+v", items)
	}
}
