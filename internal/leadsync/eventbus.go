package leadsync

import "sync"

// EventBus fans workflow events out to live subscribers (the websocket
// stream). Delivery is best-effort: a subscriber that stops draining its
// channel loses events rather than stalling ingestion.
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]chan WorkflowEvent
	nextID int
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{subs: map[int]chan WorkflowEvent{}}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// func unregisters it and closes the channel; calling cancel twice is safe.
func (b *EventBus) Subscribe(buffer int) (<-chan WorkflowEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan WorkflowEvent, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers event to every subscriber without blocking.
func (b *EventBus) Publish(event WorkflowEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close unregisters and closes all subscriber channels.
func (b *EventBus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
