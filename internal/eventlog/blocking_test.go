package eventlog

import (
	"context"
	"testing"
	"time"
)

func TestWaitForAppendWakes(t *testing.T) {
	db := openTestDB(t)
	l, _ := OpenLog(db, "jobs")

	woke := make(chan bool, 1)
	ch := l.appended()
	go func() { woke <- waitOn(context.Background(), ch, 2*time.Second) }()
	appendN(t, l, 1, 1)
	select {
	case ok := <-woke:
		if !ok {
			t.Fatalf("expected wake by append")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("waiter never returned")
	}
}

func TestWaitForAppendTimesOut(t *testing.T) {
	db := openTestDB(t)
	l, _ := OpenLog(db, "jobs")
	if l.WaitForAppend(context.Background(), 20*time.Millisecond) {
		t.Fatalf("expected timeout")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if l.WaitForAppend(ctx, 0) {
		t.Fatalf("expected cancelled context to end the wait")
	}
}
