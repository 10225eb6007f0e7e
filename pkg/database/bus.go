package database

import (
	"fmt"
	"sync"

	"github.com/lib/pq"
)

// MemoryBus is the in-process stand-in for Postgres LISTEN/NOTIFY used by
// the in-memory database. Subscribers receive *pq.Notification values so the
// consuming side cannot tell it apart from a real pq.Listener.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[*MemorySource]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*MemorySource]struct{})}
}

// Subscribe creates a new source. The caller still has to Listen on a
// channel name before any notifications are delivered, mirroring pq.
func (b *MemoryBus) Subscribe() *MemorySource {
	s := &MemorySource{
		bus:      b,
		ch:       make(chan *pq.Notification, 64),
		channels: make(map[string]struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers a payload to every subscriber listening on the channel.
// Delivery is best-effort: a subscriber with a full buffer is skipped, the
// same way a realtime client that cannot keep up misses events.
func (b *MemoryBus) Publish(channel string, payload []byte) {
	n := &pq.Notification{Channel: channel, Extra: string(payload)}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if _, ok := s.channels[channel]; !ok {
			continue
		}
		select {
		case s.ch <- n:
		default:
			fmt.Printf("[warn] memory bus: dropping notification on %s (slow subscriber)\n", channel)
		}
	}
}

func (b *MemoryBus) remove(s *MemorySource) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// MemorySource is one subscription on a MemoryBus. It satisfies the
// listener surface the Notifier consumes (Listen/Unlisten/
// NotificationChannel/Close), the same shape pq.Listener exposes.
type MemorySource struct {
	bus      *MemoryBus
	ch       chan *pq.Notification
	channels map[string]struct{}
	closed   bool
}

func (s *MemorySource) Listen(channel string) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return fmt.Errorf("source closed")
	}
	s.channels[channel] = struct{}{}
	return nil
}

func (s *MemorySource) Unlisten(channel string) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.channels, channel)
	return nil
}

func (s *MemorySource) NotificationChannel() <-chan *pq.Notification {
	return s.ch
}

func (s *MemorySource) Close() error {
	s.bus.mu.Lock()
	if s.closed {
		s.bus.mu.Unlock()
		return nil
	}
	s.closed = true
	s.channels = make(map[string]struct{})
	s.bus.mu.Unlock()

	s.bus.remove(s)
	close(s.ch)
	return nil
}
