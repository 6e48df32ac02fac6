package events

import (
	"sync"

	"conclave/internal/domain"
)

// Broadcaster fans change notifications out to registered subscribers.
// Publish never blocks: a subscriber that falls behind loses events and is
// expected to re-read state from the store.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[string]chan domain.Event),
		buffer: buffer,
	}
}

func (b *Broadcaster) Register(subscriberID string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.Event, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Broadcaster) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

func (b *Broadcaster) Publish(evt domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
