package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const payloadPreviewLen = 100

func spanAttributes(operation, topic string, msg *message.Message) []attribute.KeyValue {
	preview := string(msg.Payload)
	if len(preview) > payloadPreviewLen {
		preview = preview[:payloadPreviewLen] + "..."
	}
	return []attribute.KeyValue{
		attribute.String("messaging.system", "watermill"),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.message_id", msg.UUID),
		attribute.String("participant.id", msg.Metadata.Get(metaKeyParticipantID)),
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
		attribute.String("messaging.message_payload_preview", preview),
	}
}

// TracingMiddleware wraps a watermill handler in a "pubsub.process.<topic>" span.
func TracingMiddleware(tracer trace.Tracer) func(message.HandlerFunc) message.HandlerFunc {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			topic := msg.Metadata.Get(metaKeyTopic)
			ctx, span := tracer.Start(msg.Context(), fmt.Sprintf("pubsub.process.%s", topic),
				trace.WithAttributes(spanAttributes("process", topic, msg)...),
			)
			defer span.End()
			msg.SetContext(ctx)

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetAttributes(attribute.Int("messaging.messages_produced", len(produced)))
			return produced, nil
		}
	}
}

// PublisherTracingMiddleware wraps a publisher with a span per message.
type PublisherTracingMiddleware struct {
	publisher message.Publisher
	tracer    trace.Tracer
}

// NewPublisherTracingMiddleware creates a tracing publisher.
func NewPublisherTracingMiddleware(publisher message.Publisher, tracer trace.Tracer) *PublisherTracingMiddleware {
	return &PublisherTracingMiddleware{
		publisher: publisher,
		tracer:    tracer,
	}
}

// Publish starts a span per message, publishes, then ends the spans.
func (p *PublisherTracingMiddleware) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, 0, len(messages))
	for _, msg := range messages {
		ctx, span := p.tracer.Start(msg.Context(), fmt.Sprintf("pubsub.publish.%s", topic),
			trace.WithAttributes(spanAttributes("publish", topic, msg)...),
		)
		msg.SetContext(ctx)
		spans = append(spans, span)
	}

	err := p.publisher.Publish(topic, messages...)
	for _, span := range spans {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return err
}

// Close closes the underlying publisher.
func (p *PublisherTracingMiddleware) Close() error {
	return p.publisher.Close()
}
