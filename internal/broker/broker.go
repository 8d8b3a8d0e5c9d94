// Package broker abstracts the publish/subscribe backplane used to fan
// room traffic out across server processes. A single-process deployment
// runs on the in-memory implementation; clustered deployments use NATS.
package broker

import "context"

// Handler is invoked for every message delivered on a subscribed topic.
type Handler func(topic string, data []byte)

// Broker is the pub/sub backplane. Implementations must treat delivery as
// best-effort and at-most-once; ordering across processes is whatever the
// underlying transport preserves.
//
// Rooms are the only subscribers: each room holds at most one
// subscription to its own topic, and Unsubscribe releases that topic.
type Broker interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(topic string) error
	Close() error
}
