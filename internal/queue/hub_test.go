package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHubWakesAllSubscribers(t *testing.T) {
	h := NewHub()
	topic := Topic("s", "fp")
	a := h.Subscribe(topic)
	b := h.Subscribe(topic)
	other := h.Subscribe(Topic("s", "other"))
	defer other.Close()

	h.Publish(topic)

	for _, s := range []Subscription{a, b} {
		select {
		case <-s.C():
		case <-time.After(time.Second):
			t.Fatal("subscriber not woken")
		}
	}
	select {
	case <-other.C():
		t.Fatal("unrelated subscriber woken")
	default:
	}
	assert.NoError(t, a.Close())
	assert.NoError(t, b.Close())
	assert.Equal(t, 0, h.Len(topic))
}

func TestHubPublishDoesNotBlock(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("t")
	defer s.Close()
	for i := 0; i < 10; i++ {
		h.Publish("t")
	}
	assert.Len(t, s.C(), 1)
}

func TestHubCloseIsIdempotent(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("t")
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(Topic("s", "a"))
	b := h.Subscribe(Topic("t", "b"))
	defer a.Close()
	defer b.Close()

	h.Broadcast()
	assert.Len(t, a.C(), 1)
	assert.Len(t, b.C(), 1)
}
