package borg

import (
	"context"
	"sync"
)

// Bus fans classified messages out to a dynamic set of subscribers. Every
// subscriber receives every message in stream order. The supervisor closes
// all subscriber channels when the job ends, so downstream consumers observe
// stream termination deterministically.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Message
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Message)}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns the channel together with an unsubscribe function. Unsubscribing is
// best-effort: the channel is only closed by the supervisor at job end.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	ch := make(chan Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers m to every current subscriber. A full subscriber channel
// applies backpressure; ctx bounds the wait so a stuck consumer cannot block
// the poll loop past cancellation.
func (b *Bus) Publish(ctx context.Context, m Message) error {
	b.mu.RLock()
	targets := make([]chan Message, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes every subscriber channel and rejects further subscriptions.
// Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
