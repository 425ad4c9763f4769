// Package broadcast fans a stream of server frames out to every connected
// session. A slow or stuck subscriber never blocks the rest of the system:
// publishing is always non-blocking, and a subscriber that cannot keep up
// silently drops frames rather than stall the publisher.
package broadcast

import (
	"sync"

	"k8s.io/klog/v2"

	"pieshare/pkg/telemetry"
)

// capacity bounds how many unread frames a single subscriber may queue
// before new ones are dropped in its favor of the publisher making
// progress.
const capacity = 16

// Bus is a multi-subscriber fan-out channel. The zero value is not usable;
// construct with New.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[int]chan T
	nextID      int
}

// New creates an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subscribers: make(map[int]chan T)}
}

// Subscription is a handle returned by Subscribe. Read from Frames until
// Close is called; Close is safe to call more than once.
type Subscription[T any] struct {
	bus *Bus[T]
	id  int
	ch  chan T
}

// Frames returns the channel this subscription receives on.
func (s *Subscription[T]) Frames() <-chan T {
	return s.ch
}

// Close unregisters the subscription and stops any future delivery.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(s.ch)
	}
}

// Subscribe registers a new listener and returns its handle.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, capacity)
	b.subscribers[id] = ch

	return &Subscription[T]{bus: b, id: id, ch: ch}
}

// Publish delivers value to every current subscriber without blocking. A
// subscriber whose queue is full is skipped and the frame is dropped for
// it; this only happens to a session that is already badly behind. The
// subscriber is not told about the drop: its client sees a version gap in
// the next Update and recovers with a RequestAll snapshot.
func (b *Bus[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- value:
		default:
			telemetry.RecordFrameDropped()
			klog.V(2).InfoS("broadcast: dropping frame for slow subscriber", "subscriberID", id)
		}
	}
}

// Subscribers reports the current subscriber count, for metrics.
func (b *Bus[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
