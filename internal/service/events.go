package service

import (
	"sync"

	"github.com/example/epicflow/internal/domain"
)

// EventBroadcaster fans out committed state changes to subscribers.
// Slow subscribers lose events rather than block the engine.
type EventBroadcaster struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	executionID string // empty means all executions
	ch          chan domain.Event
}

// NewEventBroadcaster creates a broadcaster with no subscribers.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{subs: make(map[int]*subscription)}
}

// Subscribe returns a channel of events for one execution, or for all when
// executionID is empty, and a function that ends the subscription.
func (b *EventBroadcaster) Subscribe(executionID string, buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{executionID: executionID, ch: make(chan domain.Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *EventBroadcaster) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.executionID != "" && sub.executionID != ev.ExecutionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *EventBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
