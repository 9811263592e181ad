// Package bus abstracts the gateway's broadcast primitive behind a
// publish/subscribe interface so the single-node in-memory fan-out and the
// redis-backed multi-node fan-out are interchangeable without touching
// membership or relay code.
package bus

import "context"

// Handler receives every payload published to a subscribed topic. Handlers
// must not block; slow consumers are the subscriber's problem.
type Handler func(payload []byte)

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers fn for a topic and returns an unsubscribe
	// function. Multiple subscribers per topic are supported.
	Subscribe(topic string, fn Handler) (unsubscribe func(), err error)

	Close() error
}
