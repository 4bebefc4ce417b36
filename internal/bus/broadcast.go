package bus

import (
	"sync"

	"github.com/gluk-w/claworc/sessiond/internal/events"
)

// Broadcaster is the events.Sink handed to the session components. It fans
// every event out to the current subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(events.Event)
}

// NewBroadcaster creates a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(events.Event))}
}

// Publish delivers e to every subscriber in the caller's goroutine.
func (b *Broadcaster) Publish(e events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(e)
	}
}

// Subscribe registers fn and returns a function that removes it. fn must
// not block.
func (b *Broadcaster) Subscribe(fn func(events.Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
