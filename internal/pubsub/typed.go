package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TopicPrefix namespaces every topic this module publishes.
const TopicPrefix = "carechat."

// ChannelEventsTopic is where raw push frames for one channel are published.
func ChannelEventsTopic(channelID string) string {
	return TopicPrefix + "channel." + channelID + ".events"
}

// TransportTopic carries stream connectivity changes.
const TransportTopic = TopicPrefix + "transport"

// ChannelFromTopic extracts the channel id from a ChannelEventsTopic name.
func ChannelFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix+"channel.")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".events")
	return id, ok && id != ""
}

// Event[T] binds a topic name to its payload type.
type Event[T any] struct {
	topicName string
}

// NewEvent creates a typed event for name.
func NewEvent[T any](name string) Event[T] {
	return Event[T]{topicName: name}
}

// Name returns the topic name.
func (e Event[T]) Name() string {
	return e.topicName
}

// Publish sends a typed payload. The compiler ensures payload matches T.
func Publish[T any](ctx context.Context, p Publisher, event Event[T], payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.Name(), err)
	}
	return p.Publish(ctx, Message{
		Topic:   event.Name(),
		Payload: data,
	})
}

// Subscribe decodes each message on event's topic into T before calling fn.
// Payloads that do not decode are reported to the bus as handler errors.
func Subscribe[T any](ctx context.Context, s Subscriber, event Event[T], fn func(context.Context, T) error) error {
	return s.Subscribe(ctx, event.Name(), func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Name(), err)
		}
		return fn(ctx, payload)
	})
}
