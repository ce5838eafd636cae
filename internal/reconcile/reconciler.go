// Package reconcile merges a possibly duplicated, possibly out-of-order
// stream of remote events into one ordered message list per channel.
package reconcile

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/lifecycle"
)

// LocalIDPrefix marks optimistic echoes that have no provider id yet.
const LocalIDPrefix = "local:"

// LocalID returns the placeholder id of an optimistic echo.
func LocalID(clientID string) string {
	return LocalIDPrefix + clientID
}

// Delta describes what a single Apply changed.
type Delta struct {
	Inserted  []domain.Message
	Confirmed []domain.Message
	Duplicate bool
	// ReadMarked counts messages whose IsRead flipped to true.
	ReadMarked    int
	TypingFrom    string
	StatusChanged bool
}

// Empty reports whether the event had no visible effect.
func (d Delta) Empty() bool {
	return len(d.Inserted) == 0 && len(d.Confirmed) == 0 && d.ReadMarked == 0 &&
		d.TypingFrom == "" && !d.StatusChanged
}

// Reconciler owns one channel's ordered message list. It is not safe for
// concurrent use; the channel session serializes every call.
type Reconciler struct {
	channelID string
	localID   string
	machine   *lifecycle.Machine
	now       func() time.Time
	logger    *slog.Logger

	messages []domain.Message
	ids      map[string]struct{}
	pending  map[string]string // clientID -> placeholder id
	// provisional lifecycle markers, replaced by the provider's copy
	pendingSystem map[domain.SystemType]string
}

// New creates a Reconciler for channelID as seen by localID.
func New(channelID, localID string, machine *lifecycle.Machine, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		channelID: channelID,
		localID:   localID,
		machine:   machine,
		now:       now,
		logger:    slog.Default().With("component", "reconciler", "channel_id", channelID),
		ids:       make(map[string]struct{}),
		pending:   make(map[string]string),

		pendingSystem: make(map[domain.SystemType]string),
	}
}

// Apply merges one event. Events for other channels are rejected with
// ErrMalformedEvent and change nothing.
func (r *Reconciler) Apply(ev Event) (Delta, error) {
	if ev.ChannelID != "" && ev.ChannelID != r.channelID {
		return Delta{}, fmt.Errorf("%w: event for channel %s applied to %s", domain.ErrMalformedEvent, ev.ChannelID, r.channelID)
	}

	switch ev.Type {
	case EventMessage:
		if ev.Message == nil {
			return Delta{}, fmt.Errorf("%w: message event without message", domain.ErrMalformedEvent)
		}
		return r.mergeMessage(*ev.Message), nil
	case EventRead:
		return r.applyRead(ev.ParticipantID), nil
	case EventTyping:
		if ev.ParticipantID == r.localID {
			return Delta{}, nil
		}
		return Delta{TypingFrom: ev.ParticipantID}, nil
	case EventClosed:
		msg, changed := r.machine.ApplyRemoteClose(ev.ParticipantID, r.at(ev))
		if !changed {
			return r.confirmProvisional(domain.SystemClosed, ev), nil
		}
		return r.applyTransition(msg, changed), nil
	case EventReopened:
		msg, changed := r.machine.ApplyRemoteReopen(ev.ParticipantID, r.at(ev))
		if !changed {
			return r.confirmProvisional(domain.SystemReopened, ev), nil
		}
		return r.applyTransition(msg, changed), nil
	default:
		return Delta{}, fmt.Errorf("%w: unknown event type %q", domain.ErrMalformedEvent, ev.Type)
	}
}

// AddLocal inserts an optimistic echo for a message that has not been
// acknowledged yet. A USER message must carry a ClientID. A SYSTEM message
// is kept as a provisional marker until the provider's copy of the same
// transition arrives.
func (r *Reconciler) AddLocal(m domain.Message) domain.Message {
	m.ChannelID = r.channelID
	if m.IsSystem() {
		m.ID = fmt.Sprintf("%ssys:%s:%d", LocalIDPrefix, m.SystemType, m.CreatedAt.UnixNano())
		m.Delivery = domain.DeliverySent
		if old, ok := r.pendingSystem[m.SystemType]; ok {
			if i := r.indexOf(old); i >= 0 {
				r.remove(i)
			}
		}
		r.pendingSystem[m.SystemType] = m.ID
		r.insert(m)
		return m
	}

	m.ID = LocalID(m.ClientID)
	m.Delivery = domain.DeliveryPending
	r.pending[m.ClientID] = m.ID
	r.insert(m)
	return m
}

// Insert adds a locally produced message, such as a SYSTEM marker, through the
// same ordered-insert path as remote messages.
func (r *Reconciler) Insert(m domain.Message) Delta {
	return r.mergeMessage(m)
}

// MarkFailed flags the optimistic echo for clientID as undeliverable.
func (r *Reconciler) MarkFailed(clientID string) bool {
	id, ok := r.pending[clientID]
	if !ok {
		return false
	}
	i := r.indexOf(id)
	if i < 0 {
		return false
	}
	r.messages[i].Delivery = domain.DeliveryFailed
	return true
}

// Failed reports whether the echo for clientID is waiting for a retry.
func (r *Reconciler) Failed(clientID string) bool {
	id, ok := r.pending[clientID]
	if !ok {
		return false
	}
	i := r.indexOf(id)
	return i >= 0 && r.messages[i].Delivery == domain.DeliveryFailed
}

// Resend flips a FAILED echo back to PENDING and returns it. A non-zero at
// moves the echo to that time so it follows anything inserted meanwhile.
func (r *Reconciler) Resend(clientID string, at time.Time) (domain.Message, bool) {
	id, ok := r.pending[clientID]
	if !ok {
		return domain.Message{}, false
	}
	i := r.indexOf(id)
	if i < 0 || r.messages[i].Delivery != domain.DeliveryFailed {
		return domain.Message{}, false
	}
	m := r.messages[i]
	m.Delivery = domain.DeliveryPending
	if at.IsZero() {
		r.messages[i] = m
		return m, true
	}
	r.remove(i)
	m.CreatedAt = at
	r.insert(m)
	return m, true
}

// DropProvisional removes the local marker for st that the provider never
// confirmed. It reports whether a marker was removed.
func (r *Reconciler) DropProvisional(st domain.SystemType) bool {
	id, ok := r.pendingSystem[st]
	if !ok {
		return false
	}
	delete(r.pendingSystem, st)
	if i := r.indexOf(id); i >= 0 {
		r.remove(i)
		return true
	}
	return false
}

// MarkRemoteRead records that the local viewer has seen every remote message.
func (r *Reconciler) MarkRemoteRead() int {
	marked := 0
	for i := range r.messages {
		m := &r.messages[i]
		if !m.IsRead && m.SenderID != r.localID {
			m.IsRead = true
			marked++
		}
	}
	return marked
}

// Load merges an initial or re-fetched history. Already known messages are
// absorbed, which makes reconnect-and-replay safe.
func (r *Reconciler) Load(history []domain.Message) Delta {
	var total Delta
	for _, m := range history {
		d := r.mergeMessage(m)
		total.Inserted = append(total.Inserted, d.Inserted...)
		total.Confirmed = append(total.Confirmed, d.Confirmed...)
	}
	return total
}

// Messages returns a copy of the ordered list.
func (r *Reconciler) Messages() []domain.Message {
	return append([]domain.Message(nil), r.messages...)
}

// Last returns the newest message.
func (r *Reconciler) Last() (domain.Message, bool) {
	if len(r.messages) == 0 {
		return domain.Message{}, false
	}
	return r.messages[len(r.messages)-1], true
}

// Len returns the number of messages held.
func (r *Reconciler) Len() int {
	return len(r.messages)
}

func (r *Reconciler) mergeMessage(m domain.Message) Delta {
	if m.ChannelID == "" {
		m.ChannelID = r.channelID
	}
	if m.Delivery == "" {
		m.Delivery = domain.DeliverySent
	}

	if i := r.indexOf(m.ID); i >= 0 {
		d := Delta{Duplicate: true}
		// Read state only ever moves forward, even on a replay.
		if m.IsRead && !r.messages[i].IsRead {
			r.messages[i].IsRead = true
			d.ReadMarked = 1
		}
		// The push copy may have landed before the ack that names our echo.
		if placeholder, ok := r.pending[m.ClientID]; ok && m.ClientID != "" {
			delete(r.pending, m.ClientID)
			if j := r.indexOf(placeholder); j >= 0 {
				r.remove(j)
				d.Confirmed = []domain.Message{m}
			}
		}
		return d
	}

	if m.ClientID != "" {
		if placeholder, ok := r.pending[m.ClientID]; ok {
			delete(r.pending, m.ClientID)
			if i := r.indexOf(placeholder); i >= 0 {
				m.IsRead = m.IsRead || r.messages[i].IsRead
				r.remove(i)
			}
			r.insert(m)
			r.logger.Debug("optimistic message confirmed", "client_id", m.ClientID, "message_id", m.ID)
			return Delta{Confirmed: []domain.Message{m}}
		}
	}

	if m.IsSystem() {
		if placeholder, ok := r.pendingSystem[m.SystemType]; ok {
			if i := r.indexOf(placeholder); i >= 0 && r.messages[i].SenderID == m.SenderID {
				delete(r.pendingSystem, m.SystemType)
				r.remove(i)
				r.insert(m)
				return Delta{Confirmed: []domain.Message{m}}
			}
		}
	}

	r.insert(m)
	return Delta{Inserted: []domain.Message{m}}
}

func (r *Reconciler) applyRead(participantID string) Delta {
	if participantID == r.localID {
		return Delta{ReadMarked: r.MarkRemoteRead()}
	}
	marked := 0
	for i := range r.messages {
		m := &r.messages[i]
		if m.SenderID == r.localID && !m.IsSystem() && !m.IsRead {
			m.IsRead = true
			marked++
		}
	}
	return Delta{ReadMarked: marked}
}

func (r *Reconciler) applyTransition(msg domain.Message, changed bool) Delta {
	if !changed {
		return Delta{}
	}
	d := r.mergeMessage(msg)
	d.StatusChanged = true
	return d
}

// confirmProvisional swaps a local marker for the provider's record of a
// transition the machine had already applied.
func (r *Reconciler) confirmProvisional(st domain.SystemType, ev Event) Delta {
	id, ok := r.pendingSystem[st]
	if !ok {
		return Delta{}
	}
	if i := r.indexOf(id); i < 0 || r.messages[i].SenderID != ev.ParticipantID {
		return Delta{}
	}
	return r.mergeMessage(domain.NewSystemMessage(r.channelID, st, ev.ParticipantID, r.at(ev)))
}

func (r *Reconciler) at(ev Event) time.Time {
	if ev.At.IsZero() {
		return r.now()
	}
	return ev.At
}

// insert places m at its (CreatedAt, ID) position.
func (r *Reconciler) insert(m domain.Message) {
	i := sort.Search(len(r.messages), func(i int) bool {
		return m.Before(r.messages[i])
	})
	r.messages = append(r.messages, domain.Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = m
	r.ids[m.ID] = struct{}{}
}

func (r *Reconciler) remove(i int) {
	delete(r.ids, r.messages[i].ID)
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
}

func (r *Reconciler) indexOf(id string) int {
	if _, ok := r.ids[id]; !ok {
		return -1
	}
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}
