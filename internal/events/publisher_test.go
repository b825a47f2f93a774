package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/orchq/internal/queue"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   error
	block  chan struct{}
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type countingCounter struct {
	mu       sync.Mutex
	ok, fail int
}

func (c *countingCounter) EventPublished(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.ok++
	} else {
		c.fail++
	}
}

func TestPublishFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	c := &countingCounter{}
	p := New(w, Options{}, nil, c)

	for _, typ := range []queue.EventType{queue.EventEnqueued, queue.EventAcquired, queue.EventCompleted} {
		p.Publish(context.Background(), queue.Event{Type: typ, Scope: "s", Fingerprint: "fp"})
	}
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 3)
	assert.True(t, w.closed)
	assert.Equal(t, 3, c.ok)

	var rec Record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, queue.EventEnqueued, rec.Type)
	assert.Equal(t, "fp", rec.Fingerprint)
	assert.Len(t, rec.ID, 32)
	assert.Equal(t, "s/fp", string(w.msgs[0].Key))
	assert.Equal(t, "enqueued", string(w.msgs[0].Headers[0].Value))

	var prev Record
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &prev))
	assert.Less(t, rec.ID, prev.ID, "ids increase")
}

func TestPublishDropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := New(w, Options{Buffer: 1, MaxBatch: 1}, nil, nil)

	for i := 0; i < 10; i++ {
		p.Publish(context.Background(), queue.Event{Type: queue.EventEnqueued, Scope: "s"})
	}
	assert.Positive(t, p.Dropped())
	close(w.block)
	require.NoError(t, p.Close())
}

func TestWriteFailureIsCounted(t *testing.T) {
	w := &fakeWriter{fail: errors.New("broker down")}
	c := &countingCounter{}
	p := New(w, Options{}, nil, c)
	p.Publish(context.Background(), queue.Event{Type: queue.EventCancelled})
	require.NoError(t, p.Close())
	assert.Equal(t, 1, c.fail)
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	p := New(&fakeWriter{}, Options{}, nil, nil)
	require.NoError(t, p.Close())
	p.Publish(context.Background(), queue.Event{})
	require.NoError(t, p.Close())
}
