package providersim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/lifecycle"
)

// ErrChannelExists is returned when creating a channel id twice.
var ErrChannelExists = errors.New("channel already exists")

// SendResult is the outcome of a stored send.
type SendResult struct {
	Message domain.Message
	// Reopened is the marker stored when a staff send reopened the channel.
	Reopened *domain.Message
	// Replayed is set when the clientMessageId was already stored.
	Replayed bool
}

type record struct {
	machine  *lifecycle.Machine
	messages []domain.Message
	byClient map[string]domain.Message
}

// Store is the simulator's in-memory channel and message store. It applies
// the same lifecycle rules the engine enforces locally.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	last     time.Time
	channels map[string]*record
}

// NewStore creates an empty Store stamped by now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, channels: make(map[string]*record)}
}

// CreateChannel stores ch as ACTIVE and records its SYSTEM(CREATED) marker,
// attributed to the first staff participant.
func (s *Store) CreateChannel(ch domain.Channel) (domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[ch.ID]; ok {
		return domain.Channel{}, fmt.Errorf("create %s: %w", ch.ID, ErrChannelExists)
	}
	if ch.Kind == "" {
		ch.Kind = domain.KindStaffInitiated
	}
	ch.Status = domain.StatusActive

	var creator string
	for _, p := range ch.Participants {
		if p.Role.IsStaff() {
			creator = p.ID
			break
		}
	}

	rec := &record{machine: lifecycle.New(ch), byClient: make(map[string]domain.Message)}
	rec.messages = append(rec.messages, domain.NewSystemMessage(ch.ID, domain.SystemCreated, creator, s.stamp()))
	s.channels[ch.ID] = rec
	return rec.machine.Channel(), nil
}

// Channel returns the stored channel.
func (s *Store) Channel(id string) (domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(id)
	if err != nil {
		return domain.Channel{}, err
	}
	return rec.machine.Channel(), nil
}

// Messages returns the channel history in order.
func (s *Store) Messages(id string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return append([]domain.Message(nil), rec.messages...), nil
}

// Send stores a message. A patient send on a CLOSED channel fails with
// domain.ErrChannelClosed; a staff send reopens it first. Sends are
// idempotent per clientMessageId.
func (s *Store) Send(channelID, senderID, body, clientID string) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(channelID)
	if err != nil {
		return SendResult{}, err
	}
	if clientID != "" {
		if m, ok := rec.byClient[clientID]; ok {
			return SendResult{Message: m, Replayed: true}, nil
		}
	}
	actor, err := s.actor(rec, senderID)
	if err != nil {
		return SendResult{}, err
	}

	var res SendResult
	plan, err := rec.machine.PrepareSend(actor, s.stamp())
	if err != nil {
		return SendResult{}, err
	}
	if plan.Reopened != nil {
		rec.messages = append(rec.messages, *plan.Reopened)
		res.Reopened = plan.Reopened
	}

	res.Message = domain.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Kind:      domain.MessageUser,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: s.stamp(),
		ClientID:  clientID,
	}
	rec.messages = append(rec.messages, res.Message)
	if clientID != "" {
		rec.byClient[clientID] = res.Message
	}
	return res, nil
}

// Close ends the conversation on behalf of a staff participant.
func (s *Store) Close(channelID, participantID string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(channelID)
	if err != nil {
		return domain.Message{}, err
	}
	actor, err := s.actor(rec, participantID)
	if err != nil {
		return domain.Message{}, err
	}
	if rec.machine.Status() == domain.StatusClosed {
		return domain.Message{}, domain.ErrChannelClosed
	}
	marker, err := rec.machine.Close(actor, s.stamp())
	if err != nil {
		return domain.Message{}, err
	}
	rec.messages = append(rec.messages, marker)
	return marker, nil
}

// MarkRead marks every message not sent by participantID as read.
func (s *Store) MarkRead(channelID, participantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(channelID)
	if err != nil {
		return 0, err
	}
	if _, err := s.actor(rec, participantID); err != nil {
		return 0, err
	}
	marked := 0
	for i := range rec.messages {
		m := &rec.messages[i]
		if !m.IsRead && m.SenderID != participantID {
			m.IsRead = true
			marked++
		}
	}
	return marked, nil
}

// Participants returns the ids a channel's events are fanned out to.
func (s *Store) Participants(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(channelID)
	if err != nil {
		return nil
	}
	ch := rec.machine.Channel()
	ids := make([]string, 0, len(ch.Participants))
	for _, p := range ch.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// Member reports whether participantID belongs to the channel.
func (s *Store) Member(channelID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(channelID)
	if err != nil {
		return err
	}
	_, err = s.actor(rec, participantID)
	return err
}

func (s *Store) get(id string) (*record, error) {
	rec, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) actor(rec *record, participantID string) (lifecycle.Actor, error) {
	ch := rec.machine.Channel()
	p, ok := ch.Participant(participantID)
	if !ok {
		return lifecycle.Actor{}, fmt.Errorf("%s is not in channel %s: %w", participantID, ch.ID, domain.ErrForbidden)
	}
	return lifecycle.Actor{ID: p.ID, Role: p.Role}, nil
}

// stamp returns a strictly increasing server time.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}
