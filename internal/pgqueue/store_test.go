package pgqueue

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/rzbill/orchq/internal/queue"
	"github.com/rzbill/orchq/internal/queue/queuetest"
)

var testDSN string

// TestMain starts one postgres container for the package. Set
// ORCHQ_TEST_POSTGRES_DSN to use an existing database instead.
func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	flag.Parse()
	if dsn := os.Getenv("ORCHQ_TEST_POSTGRES_DSN"); dsn != "" {
		testDSN = dsn
		return m.Run()
	}
	if testing.Short() {
		return m.Run()
	}
	ctx := context.Background()
	opts := []testcontainers.ContainerCustomizer{
		postgres.WithDatabase("orchq"),
		postgres.WithUsername("orchq"),
		postgres.WithPassword("orchq"),
		postgres.BasicWaitStrategies(),
	}
	ctr, err := postgres.Run(ctx, "postgres:16-alpine", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres container unavailable, skipping: %v\n", err)
		return m.Run()
	}
	defer func() { _ = ctr.Terminate(ctx) }()
	testDSN, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "connection string: %v\n", err)
		return 1
	}
	return m.Run()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testDSN == "" {
		t.Skip("no postgres available")
	}
	s, err := Open(context.Background(), Options{DSN: testDSN, MaxConns: 8}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queuetest.Backend {
		return queuetest.Backend{Store: newTestStore(t)}
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, Migrate(context.Background(), s.pool))
	require.NoError(t, Migrate(context.Background(), s.pool))
}

func TestNotificationCrossesStores(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)
	ctx := context.Background()
	scope := fmt.Sprintf("cross%d", time.Now().UnixNano())

	sub, err := b.Subscribe(ctx, scope, "fp")
	require.NoError(t, err)
	defer sub.Close()

	_, err = a.Complete(ctx, scope, "fp", queue.Outcome{AtMs: 1}, time.Minute)
	require.NoError(t, err)

	select {
	case <-sub.C():
	case <-time.After(5 * time.Second):
		t.Fatal("notification from another store not delivered")
	}
}

func TestMergeExtraUsesJSONB(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := fmt.Sprintf("merge%d", time.Now().UnixNano())

	_, err := s.Add(ctx, scope, queue.WorkItem{
		Fingerprint: "fp", Status: queue.StatusPending, CreatedAtMs: 1, OrphanTimeoutMs: 1000,
		Definition: queue.Definition{QueryKey: queue.Key("fp")},
	})
	require.NoError(t, err)

	ok, err := s.MergeExtra(ctx, scope, "fp", map[string]any{"a": 1.0, "b": "x"})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MergeExtra(ctx, scope, "fp", map[string]any{"b": "y"})
	require.NoError(t, err)
	require.True(t, ok)

	item, err := s.Get(ctx, scope, "fp")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": "y"}, item.Definition.Extra)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "s", "x")
	assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(fmt.Errorf("dial tcp: refused")), queue.ErrStoreUnavailable)
	assert.ErrorIs(t, mapErr(context.Canceled), context.Canceled)
	assert.NotErrorIs(t, mapErr(context.Canceled), queue.ErrStoreUnavailable)
}
