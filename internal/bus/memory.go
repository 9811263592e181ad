package bus

import (
	"context"
	"sync"
)

// MemoryBus is the single-process Bus: topics fan out synchronously to local
// subscribers. Publish order per topic is delivery order.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	topics map[string]map[int]Handler
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[int]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.topics[topic]))
	for _, fn := range b.topics[topic] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}, nil
	}

	b.nextID++
	id := b.nextID
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]Handler)
	}
	b.topics[topic][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.topics[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string]map[int]Handler)
	b.closed = true
	return nil
}
