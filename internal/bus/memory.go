package bus

import "sync"

// MemoryBus records published events in order. Test double.
type MemoryBus struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty in-memory bus.
func NewMemory() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

// Events returns a snapshot of everything published so far.
func (b *MemoryBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// ByTopic returns the published events with the given topic, in order.
func (b *MemoryBus) ByTopic(topic string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
