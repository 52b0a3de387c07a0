// Package relay carries session deltas from the goroutine that owns the
// network call to whichever consumer renders them, and carries stop requests
// back. Delivery is best effort: a consumer that went away is never an error
// for the producer.
package relay

import (
	"errors"
	"sync"

	"ai-summary/internal/models"
)

// ErrClosed is returned by Send after the bus was closed.
var ErrClosed = errors.New("relay closed")

// Kind tags an Envelope.
type Kind string

const (
	KindDelta Kind = "delta"
	KindStop  Kind = "stop"
)

// Envelope is one session-scoped message.
type Envelope struct {
	SessionID string        `json:"session_id"`
	Kind      Kind          `json:"kind"`
	Delta     *models.Delta `json:"delta,omitempty"`
}

// Handler receives envelopes. It runs on the sender's goroutine.
type Handler func(Envelope)

// Transport moves envelopes between producers and consumers.
type Transport interface {
	Send(env Envelope) error
	Subscribe(h Handler) (unsubscribe func())
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process Transport. Send delivers synchronously to the
// handlers subscribed at the time of the call, in subscription order, so
// envelopes from one sender are observed in send order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Send delivers env to every current subscriber.
func (b *Bus) Send(env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(env)
	}
	return nil
}

// Subscribe registers h. The returned function removes it; calling it more
// than once has no further effect.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber and rejects later sends.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}
