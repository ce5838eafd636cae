package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
)

// WatermillBridge implements Bus on top of watermill's GoChannel.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	tracer trace.Tracer
	logger watermill.LoggerAdapter
}

const (
	// Metadata keys that carry Message fields through watermill.
	metaKeyParticipantID = "participant_id"
	metaKeyTopic         = "topic"
)

// Option configures a WatermillBridge.
type Option func(*WatermillBridge)

// WithTracer traces every publish and every handler invocation.
func WithTracer(tracer trace.Tracer) Option {
	return func(wb *WatermillBridge) {
		wb.tracer = tracer
	}
}

// NewWatermillBridge initializes the in-memory bus.
func NewWatermillBridge(opts ...Option) *WatermillBridge {
	logger := watermill.NewStdLogger(false, false)
	// Blocking until ack keeps each publisher's frames in order per subscriber.
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		},
		logger,
	)

	wb := &WatermillBridge{
		pub:    goChannel,
		sub:    goChannel,
		logger: logger,
	}
	for _, opt := range opts {
		opt(wb)
	}
	if wb.tracer != nil {
		wb.pub = NewPublisherTracingMiddleware(goChannel, wb.tracer)
	}
	return wb
}

func mapToWatermillMessage(ctx context.Context, msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	wmMsg.SetContext(ctx)

	wmMsg.Metadata.Set(metaKeyParticipantID, msg.ParticipantID)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)
	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	return wmMsg
}

func mapToPubSubMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string)
	for k, v := range wmMsg.Metadata {
		if k != metaKeyParticipantID && k != metaKeyTopic {
			metadata[k] = v
		}
	}

	return Message{
		Topic:         wmMsg.Metadata.Get(metaKeyTopic),
		ParticipantID: wmMsg.Metadata.Get(metaKeyParticipantID),
		Payload:       wmMsg.Payload,
		Metadata:      metadata,
	}
}

// Publish implements Publisher. A topic without subscribers drops the message.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	return wb.pub.Publish(msg.Topic, mapToWatermillMessage(ctx, msg))
}

// Subscribe implements Subscriber.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	process := func(wmMsg *message.Message) ([]*message.Message, error) {
		return nil, handler(wmMsg.Context(), mapToPubSubMessage(wmMsg))
	}
	if wb.tracer != nil {
		process = TracingMiddleware(wb.tracer)(process)
	}

	go func() {
		for wmMsg := range messages {
			if _, err := process(wmMsg); err != nil {
				// GoChannel redelivers nacked messages forever, so failures are
				// logged and acked.
				slog.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
			}
			wmMsg.Ack()
		}
		slog.Debug("Subscription message loop ended", "topic", topic)
	}()

	return nil
}

// Close shuts the bus down and ends every subscription.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}

// Shutdown closes the bus when its owning container shuts down.
func (wb *WatermillBridge) Shutdown() error {
	return wb.Close()
}
