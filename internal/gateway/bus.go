package gateway

import (
	"context"
	"sync"
)

// Bus is the in-process subscriber list backing the SSE stream. Slow
// subscribers drop events instead of blocking the simulation.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan *Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan *Event)}
}

// Name implements Adapter.
func (b *Bus) Name() string { return "bus" }

// Connect implements Adapter; the bus needs no setup.
func (b *Bus) Connect(context.Context) error { return nil }

// Subscribe returns a channel of future events and a cancel function.
func (b *Bus) Subscribe() (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan *Event, 32)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Deliver pushes the event to every subscriber, dropping on full buffers.
func (b *Bus) Deliver(_ context.Context, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Close drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
