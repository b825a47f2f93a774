package queue

import "sync"

// Hub is an in-process fan-out of wake-up signals keyed by topic. Backends
// without a native publish primitive, or whose notifications arrive on a
// single connection, route them through a Hub.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*hubSub]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

// Topic joins scope and fingerprint into a hub topic.
func Topic(scope, fingerprint string) string { return scope + "\x00" + fingerprint }

// Subscribe registers interest in topic.
func (h *Hub) Subscribe(topic string) Subscription {
	s := &hubSub{hub: h, topic: topic, ch: make(chan struct{}, 1)}
	h.mu.Lock()
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[*hubSub]struct{})
		h.subs[topic] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish signals every subscriber of topic without blocking.
func (h *Hub) Publish(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[topic] {
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
}

// Broadcast signals every subscriber of every topic. Listeners call it after
// reconnecting, since notifications sent while disconnected are lost.
func (h *Hub) Broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for s := range set {
			select {
			case s.ch <- struct{}{}:
			default:
			}
		}
	}
}

// Len returns the number of live subscriptions on topic.
func (h *Hub) Len(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

type hubSub struct {
	hub   *Hub
	topic string
	ch    chan struct{}
	once  sync.Once
}

func (s *hubSub) C() <-chan struct{} { return s.ch }

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if set, ok := s.hub.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.topic)
			}
		}
	})
	return nil
}
