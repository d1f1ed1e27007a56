// Package bus implements the distribution channel that decouples the single
// upstream feed connection from N downstream consumers. Delivery is
// at-most-once to current subscribers, FIFO per publisher, never persisted.
package bus

import (
	"context"
	"sync"

	"github.com/papervest/trading-engine/internal/model"
)

// Bus is a publish/subscribe channel for normalized price events.
type Bus interface {
	// Publish fans a quote out to current subscribers. A subscriber that is
	// not connected when a quote is published does not receive it.
	Publish(ctx context.Context, q model.Quote) error

	// Subscribe returns a channel of quotes and a cancel function. Cancel
	// must be called to release the subscription.
	Subscribe(ctx context.Context) (<-chan model.Quote, func(), error)
}

// MemoryBus is an in-process Bus for tests and single-binary deployments.
// Slow subscribers lose events rather than blocking the publisher.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan model.Quote
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan model.Quote)}
}

func (b *MemoryBus) Publish(_ context.Context, q model.Quote) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- q:
		default:
			// Drop rather than block the ingest path.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context) (<-chan model.Quote, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan model.Quote, 256)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel, nil
}
