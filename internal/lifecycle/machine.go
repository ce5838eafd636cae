// Package lifecycle tracks a channel's ACTIVE/CLOSED state and emits the
// SYSTEM messages that are the durable trace of each transition.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/nfrund/carechat/internal/domain"
)

// Actor is whoever triggers a transition.
type Actor struct {
	ID   string
	Role domain.Role
}

// SendPlan is the outcome of checking a send against the transition table.
type SendPlan struct {
	// Reopened is set when the send reopens a CLOSED channel. It must be
	// inserted before the sent message.
	Reopened *domain.Message

	prior domain.Channel
}

// Machine is the per-channel state machine. CLOSED is never terminal; the
// only way back to ACTIVE is a staff-authored send.
type Machine struct {
	mu      sync.RWMutex
	channel domain.Channel
}

// New creates a Machine seeded from the provider's view of the channel. An
// empty status is treated as ACTIVE, the state every channel is created in.
func New(ch domain.Channel) *Machine {
	if ch.Status == "" {
		ch.Status = domain.StatusActive
	}
	return &Machine{channel: ch}
}

// Status returns the current state.
func (m *Machine) Status() domain.ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channel.Status
}

// Channel returns a copy of the channel including its audit fields.
func (m *Machine) Channel() domain.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch := m.channel
	ch.Participants = append([]domain.Participant(nil), m.channel.Participants...)
	return ch
}

// CanSend reports whether a participant with role may send right now. Staff
// may always send; on a CLOSED channel the send reopens it.
func (m *Machine) CanSend(role domain.Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channel.Status == domain.StatusActive || role.IsStaff()
}

// SendReopens reports whether a send by role would reopen the channel.
func (m *Machine) SendReopens(role domain.Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channel.Status == domain.StatusClosed && role.IsStaff()
}

// CanOfferClose reports whether "end conversation" should be offered. It is
// staff-only and never offered on internal staff-to-staff channels.
func (m *Machine) CanOfferClose(role domain.Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return role.IsStaff() &&
		m.channel.Kind != domain.KindInternal &&
		m.channel.Status == domain.StatusActive
}

// Close moves ACTIVE to CLOSED on behalf of a staff member.
func (m *Machine) Close(by Actor, at time.Time) (domain.Message, error) {
	if !by.Role.IsStaff() {
		return domain.Message{}, fmt.Errorf("close by %s: %w", by.ID, domain.ErrForbidden)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channel.Status != domain.StatusActive {
		return domain.Message{}, fmt.Errorf("close from %s: %w", m.channel.Status, domain.ErrInvalidTransition)
	}
	return m.closeLocked(by.ID, at), nil
}

// ImplicitReopenOnSend moves CLOSED to ACTIVE as a side effect of a staff
// send. Patients get ErrChannelClosed and the channel stays CLOSED.
func (m *Machine) ImplicitReopenOnSend(by Actor, at time.Time) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channel.Status != domain.StatusClosed {
		return domain.Message{}, fmt.Errorf("reopen from %s: %w", m.channel.Status, domain.ErrInvalidTransition)
	}
	if !by.Role.IsStaff() {
		return domain.Message{}, domain.ErrChannelClosed
	}
	return m.reopenLocked(by.ID, at), nil
}

// PrepareSend applies the send rows of the transition table.
func (m *Machine) PrepareSend(by Actor, at time.Time) (SendPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.channel.Status {
	case domain.StatusActive:
		return SendPlan{}, nil
	case domain.StatusClosed:
		if !by.Role.IsStaff() {
			return SendPlan{}, domain.ErrChannelClosed
		}
		prior := m.channel
		msg := m.reopenLocked(by.ID, at)
		return SendPlan{Reopened: &msg, prior: prior}, nil
	default:
		return SendPlan{}, fmt.Errorf("send in unknown state %q: %w", m.channel.Status, domain.ErrInvalidTransition)
	}
}

// RevertReopen undoes the reopen planned by PrepareSend when the provider
// never accepted the send that caused it. It reports false when plan did not
// reopen or the channel has moved on since.
func (m *Machine) RevertReopen(plan SendPlan) bool {
	if plan.Reopened == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channel.Status != domain.StatusActive || m.channel.ReopenedAt == nil ||
		!m.channel.ReopenedAt.Equal(plan.Reopened.CreatedAt) {
		return false
	}
	m.channel.Status = plan.prior.Status
	m.channel.ReopenedAt = plan.prior.ReopenedAt
	m.channel.ReopenedBy = plan.prior.ReopenedBy
	return true
}

// ApplyRemoteClose mirrors a close reported by the provider. It returns false
// when the channel is already CLOSED, so a transition observed twice yields
// one SYSTEM message.
func (m *Machine) ApplyRemoteClose(by string, at time.Time) (domain.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel.Status == domain.StatusClosed {
		return domain.Message{}, false
	}
	return m.closeLocked(by, at), true
}

// ApplyRemoteReopen mirrors a reopen reported by the provider.
func (m *Machine) ApplyRemoteReopen(by string, at time.Time) (domain.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel.Status == domain.StatusActive {
		return domain.Message{}, false
	}
	return m.reopenLocked(by, at), true
}

func (m *Machine) closeLocked(by string, at time.Time) domain.Message {
	m.channel.Status = domain.StatusClosed
	closedAt := at
	m.channel.ClosedAt = &closedAt
	m.channel.ClosedBy = by
	return domain.NewSystemMessage(m.channel.ID, domain.SystemClosed, by, at)
}

func (m *Machine) reopenLocked(by string, at time.Time) domain.Message {
	m.channel.Status = domain.StatusActive
	reopenedAt := at
	m.channel.ReopenedAt = &reopenedAt
	m.channel.ReopenedBy = by
	return domain.NewSystemMessage(m.channel.ID, domain.SystemReopened, by, at)
}
