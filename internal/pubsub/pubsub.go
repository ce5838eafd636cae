package pubsub

import (
	"context"
)

// Message is the envelope passed between the stream, the sessions and any
// other in-process consumer.
type Message struct {
	// Topic identifies the bus channel, e.g. "carechat.channel.ch-1.events".
	Topic string
	// ParticipantID names whoever produced the payload, when known.
	ParticipantID string
	// Payload is the raw frame, usually a JSON event envelope.
	Payload []byte
	// Metadata carries extra context such as the receive timestamp.
	Metadata map[string]string
}

// Handler processes a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber receives messages from the bus.
type Subscriber interface {
	// Subscribe starts delivering messages for topic to handler and returns
	// immediately. Delivery stops when ctx is canceled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Bus is both ends of the in-process event bus.
type Bus interface {
	Publisher
	Subscriber
}
