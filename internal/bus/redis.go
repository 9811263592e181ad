package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"podcomm/pkg/logger"
)

// RedisBus is the multi-node Bus: topics map one-to-one onto redis pub/sub
// channels, so every process hosting gateway connections sees every event
// for the rooms it has subscribers in.
type RedisBus struct {
	rdb    *redis.Client
	logger *logger.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string]*redisTopic
}

type redisTopic struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	handlers map[int]Handler
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(rdb *redis.Client, log *logger.Logger) *RedisBus {
	return &RedisBus{
		rdb:    rdb,
		logger: log,
		subs:   make(map[string]*redisTopic),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) Subscribe(topic string, fn Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	sub, ok := b.subs[topic]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		pubsub := b.rdb.Subscribe(ctx, topic)

		// Wait for the subscription to be confirmed so no event
		// published after Subscribe returns can be missed.
		if _, err := pubsub.Receive(ctx); err != nil {
			cancel()
			pubsub.Close()
			return nil, err
		}

		sub = &redisTopic{
			pubsub:   pubsub,
			cancel:   cancel,
			handlers: make(map[int]Handler),
		}
		b.subs[topic] = sub

		go b.pump(topic, sub)
	}
	sub.handlers[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub, ok := b.subs[topic]
		if !ok {
			return
		}
		delete(sub.handlers, id)
		if len(sub.handlers) == 0 {
			sub.cancel()
			sub.pubsub.Close()
			delete(b.subs, topic)
		}
	}, nil
}

// pump forwards redis messages to every handler registered for the topic
func (b *RedisBus) pump(topic string, sub *redisTopic) {
	for msg := range sub.pubsub.Channel() {
		b.mu.Lock()
		handlers := make([]Handler, 0, len(sub.handlers))
		for _, fn := range sub.handlers {
			handlers = append(handlers, fn)
		}
		b.mu.Unlock()

		for _, fn := range handlers {
			fn([]byte(msg.Payload))
		}
	}
	b.logger.Debug("Bus topic closed", "topic", topic)
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, sub := range b.subs {
		sub.cancel()
		sub.pubsub.Close()
		delete(b.subs, topic)
	}
	return nil
}
