package domain

import (
	"fmt"
	"time"
)

// MessageKind separates participant-authored messages from lifecycle markers.
type MessageKind string

const (
	MessageUser   MessageKind = "USER"
	MessageSystem MessageKind = "SYSTEM"
)

// SystemType names the lifecycle transition a SYSTEM message records. The
// text is localized at render time, never stored.
type SystemType string

const (
	SystemCreated  SystemType = "CREATED"
	SystemClosed   SystemType = "CLOSED"
	SystemReopened SystemType = "REOPENED"
)

// Delivery tracks a locally authored message through provider acknowledgement.
// Messages received from the provider are always DeliverySent.
type Delivery string

const (
	DeliveryPending Delivery = "PENDING"
	DeliverySent    Delivery = "SENT"
	DeliveryFailed  Delivery = "FAILED"
)

// Message is a single entry in a channel's ordered history.
type Message struct {
	ID         string      `json:"id" validate:"required"`
	ChannelID  string      `json:"channelId" validate:"required"`
	Kind       MessageKind `json:"kind" validate:"omitempty,oneof=USER SYSTEM"`
	SystemType SystemType  `json:"systemType,omitempty" validate:"required_if=Kind SYSTEM"`
	SenderID   string      `json:"senderId"`
	Body       string      `json:"body"`
	CreatedAt  time.Time   `json:"createdAt" validate:"required"`
	IsRead     bool        `json:"isRead"`

	// ClientID is generated by the sending client and echoed by the provider.
	ClientID string   `json:"clientMessageId,omitempty"`
	Delivery Delivery `json:"-"`
}

// IsSystem reports whether the message is a lifecycle marker.
func (m Message) IsSystem() bool {
	return m.Kind == MessageSystem
}

// Before reports whether m sorts before o in a channel's total order.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// NewSystemMessage builds the marker for a lifecycle transition. The id is
// derived from the channel, type and instant so the same transition observed
// locally and over the push stream collapses into one entry.
func NewSystemMessage(channelID string, st SystemType, actor string, at time.Time) Message {
	return Message{
		ID:         SystemMessageID(channelID, st, at),
		ChannelID:  channelID,
		Kind:       MessageSystem,
		SystemType: st,
		SenderID:   actor,
		CreatedAt:  at,
		IsRead:     true,
		Delivery:   DeliverySent,
	}
}

// SystemMessageID returns the deterministic id of a lifecycle marker.
func SystemMessageID(channelID string, st SystemType, at time.Time) string {
	return fmt.Sprintf("sys:%s:%s:%d", channelID, st, at.UnixNano())
}
