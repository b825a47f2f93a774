package eventlog

import (
	"context"
	"testing"
)

func TestTrimOlderThan(t *testing.T) {
	db := openTestDB(t)
	l, _ := OpenLog(db, "jobs")
	appendN(t, l, 3, 1000)
	appendN(t, l, 2, 5000)

	n, last, err := l.TrimOlderThan(context.Background(), 2000, 2)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if n != 3 || last != 3 {
		t.Fatalf("want 3 deleted up to seq 3, got %d/%d", n, last)
	}
	items, _ := l.Read(ReadOptions{})
	if len(items) != 2 || items[0].Seq != 4 {
		t.Fatalf("unexpected remaining items: %+v", items)
	}

	n, _, _ = l.TrimOlderThan(context.Background(), 2000, 0)
	if n != 0 {
		t.Fatalf("second trim should delete nothing, got %d", n)
	}
	if seqs := appendN(t, l, 1, 6000); seqs[0] != 6 {
		t.Fatalf("sequence must continue after trim, got %d", seqs[0])
	}
}
