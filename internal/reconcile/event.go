package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nfrund/carechat/internal/domain"
)

// EventType is the discriminator carried by every push envelope.
type EventType string

const (
	EventMessage  EventType = "message"
	EventRead     EventType = "read"
	EventTyping   EventType = "typing"
	EventClosed   EventType = "closed"
	EventReopened EventType = "reopened"
)

// Event is one decoded remote event. Only the fields relevant to Type are set.
type Event struct {
	Type          EventType
	ChannelID     string
	Message       *domain.Message
	ParticipantID string
	At            time.Time
}

// MessageReceived builds a message event.
func MessageReceived(m domain.Message) Event {
	return Event{Type: EventMessage, ChannelID: m.ChannelID, Message: &m}
}

// ReadReceipt builds a read event for participantID.
func ReadReceipt(channelID, participantID string) Event {
	return Event{Type: EventRead, ChannelID: channelID, ParticipantID: participantID}
}

// TypingPing builds a typing event for participantID.
func TypingPing(channelID, participantID string) Event {
	return Event{Type: EventTyping, ChannelID: channelID, ParticipantID: participantID}
}

// ChannelClosed builds a close event.
func ChannelClosed(channelID, by string, at time.Time) Event {
	return Event{Type: EventClosed, ChannelID: channelID, ParticipantID: by, At: at}
}

// ChannelReopened builds a reopen event.
func ChannelReopened(channelID, by string, at time.Time) Event {
	return Event{Type: EventReopened, ChannelID: channelID, ParticipantID: by, At: at}
}

// Envelope is the wire shape of a push event.
type Envelope struct {
	Type      EventType       `json:"type" validate:"required,oneof=message read typing closed reopened"`
	ChannelID string          `json:"channelId" validate:"required"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

type participantPayload struct {
	ParticipantID string    `json:"participantId" validate:"required"`
	At            time.Time `json:"at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses and validates a raw push frame. Every failure wraps
// domain.ErrMalformedEvent; callers log and drop such frames.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if err := validate.Struct(env); err != nil {
		return Event{}, fmt.Errorf("%w: envelope: %v", domain.ErrMalformedEvent, err)
	}

	ev := Event{Type: env.Type, ChannelID: env.ChannelID}
	switch env.Type {
	case EventMessage:
		var m domain.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return Event{}, fmt.Errorf("%w: message payload: %v", domain.ErrMalformedEvent, err)
		}
		if m.ChannelID == "" {
			m.ChannelID = env.ChannelID
		}
		if m.Kind == "" {
			m.Kind = domain.MessageUser
		}
		if err := validate.Struct(m); err != nil {
			return Event{}, fmt.Errorf("%w: message payload: %v", domain.ErrMalformedEvent, err)
		}
		if m.ChannelID != env.ChannelID {
			return Event{}, fmt.Errorf("%w: message for %s in %s envelope", domain.ErrMalformedEvent, m.ChannelID, env.ChannelID)
		}
		m.Delivery = domain.DeliverySent
		ev.Message = &m
	default:
		var p participantPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %s payload: %v", domain.ErrMalformedEvent, env.Type, err)
		}
		if err := validate.Struct(p); err != nil {
			return Event{}, fmt.Errorf("%w: %s payload: %v", domain.ErrMalformedEvent, env.Type, err)
		}
		ev.ParticipantID = p.ParticipantID
		ev.At = p.At
	}
	return ev, nil
}

// Encode is the inverse of Decode, used by the provider simulator.
func Encode(ev Event) ([]byte, error) {
	var payload any
	switch ev.Type {
	case EventMessage:
		if ev.Message == nil {
			return nil, fmt.Errorf("encode %s event: nil message", ev.Type)
		}
		payload = ev.Message
	default:
		payload = participantPayload{ParticipantID: ev.ParticipantID, At: ev.At}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.Type, ChannelID: ev.ChannelID, Payload: body})
}
