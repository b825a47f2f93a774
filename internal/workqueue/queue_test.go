package workqueue

import (
	"testing"

	"github.com/rzbill/orchq/internal/queue/queuetest"
	pebblestore "github.com/rzbill/orchq/internal/storage/pebble"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queuetest.Backend {
		return queuetest.Backend{Store: newTestStore(t)}
	})
}
