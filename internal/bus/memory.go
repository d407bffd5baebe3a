package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for single-instance deployments and tests.
// Published events are delivered to every subscriber, including ones on the
// publishing instance; the router's origin check filters those out, the same
// as with redis.
type MemoryBus struct {
	mu       sync.Mutex
	handlers []chan Event
	closed   bool

	// Published records every published event for test assertions.
	published []Event
}

// NewMemory creates an empty in-process bus.
func NewMemory() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers the event to all current subscribers.
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.published = append(b.published, ev)
	targets := make([]chan Event, len(b.handlers))
	copy(targets, b.handlers)
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe pumps events to the handler until ctx is canceled.
func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.handlers = append(b.handlers, ch)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		for i, c := range b.handlers {
			if c == ch {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			h(ev)
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

// Published returns a snapshot of all events published so far.
func (b *MemoryBus) Published() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.published))
	copy(out, b.published)
	return out
}

// Close marks the bus closed; further publishes are dropped.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
