package eventlog

import "testing"

func TestCursorCommitIsMonotonic(t *testing.T) {
	db := openTestDB(t)
	l, _ := OpenLog(db, "jobs")

	if _, ok := l.GetCursor("g"); ok {
		t.Fatalf("expected no cursor")
	}
	if err := l.CommitCursor("g", 5); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.CommitCursor("g", 3); err != nil {
		t.Fatalf("commit: %v", err)
	}
	seq, ok := l.GetCursor("g")
	if !ok || seq != 5 {
		t.Fatalf("want 5, got %d ok=%v", seq, ok)
	}
	if _, ok := l.GetCursor("other"); ok {
		t.Fatalf("groups must be independent")
	}
}
