package domain

import "time"

// Role identifies which side of the conversation a participant is on.
type Role string

const (
	RoleStaff   Role = "staff"
	RolePatient Role = "patient"
)

// IsStaff reports whether the role carries staff privileges.
func (r Role) IsStaff() bool {
	return r == RoleStaff
}

// ChannelStatus is the lifecycle state of a channel.
type ChannelStatus string

const (
	StatusActive ChannelStatus = "ACTIVE"
	StatusClosed ChannelStatus = "CLOSED"
)

// ChannelKind distinguishes patient-facing channels opened by staff from
// staff-to-staff internal channels.
type ChannelKind string

const (
	KindStaffInitiated ChannelKind = "STAFF_INITIATED"
	KindInternal       ChannelKind = "INTERNAL"
)

// Participant describes one member of a channel.
type Participant struct {
	ID          string `json:"id" validate:"required"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role" validate:"omitempty,oneof=staff patient"`
}

// Channel is the engine's reflection of a provider channel. The audit fields
// are written only by lifecycle transitions.
type Channel struct {
	ID           string        `json:"id" validate:"required"`
	Status       ChannelStatus `json:"status"`
	Kind         ChannelKind   `json:"kind"`
	Participants []Participant `json:"participants"`

	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	ClosedBy   string     `json:"closedBy,omitempty"`
	ReopenedAt *time.Time `json:"reopenedAt,omitempty"`
	ReopenedBy string     `json:"reopenedBy,omitempty"`
}

// Participant returns the participant with the given id.
func (c *Channel) Participant(id string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// DisplayName returns the participant's display name, falling back to the id.
func (c *Channel) DisplayName(id string) string {
	if p, ok := c.Participant(id); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return id
}
