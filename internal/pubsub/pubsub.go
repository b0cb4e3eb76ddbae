// Package pubsub provides the broadcast-channel abstraction used to keep
// multiple instances of the same logical storage consistent. Delivery is
// asynchronous and at-least-once; consumers must deduplicate by event id.
package pubsub

import "context"

// Message is one received broadcast message.
type Message struct {
	Subject string
	Data    []byte
}

// Bus is an abstract publish/subscribe primitive.
type Bus interface {
	// Publish sends a message to the subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe starts consuming messages on the subject. The returned
	// cancel func releases the subscription and closes the channel.
	Subscribe(ctx context.Context, subject string) (<-chan Message, func(), error)

	// Close releases all subscriptions and resources.
	Close() error
}
