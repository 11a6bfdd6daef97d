package models

import (
	"time"
)

type RSVPStatus string

const (
	RSVPConfirmed  RSVPStatus = "confirmed"
	RSVPWaitlisted RSVPStatus = "waitlisted"
	RSVPCancelled  RSVPStatus = "cancelled"
)

// Live reports whether the status still holds or awaits a seat.
func (s RSVPStatus) Live() bool {
	return s == RSVPConfirmed || s == RSVPWaitlisted
}

type RSVP struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	UserName     string     `json:"user_name"`
	UserEmail    string     `json:"user_email"`
	Status       RSVPStatus `json:"status"`             // confirmed, waitlisted, cancelled
	Position     *int       `json:"position,omitempty"` // set only while waitlisted
	RegisteredAt time.Time  `json:"registered_at"`
	PromotedAt   *time.Time `json:"promoted_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PositionValue returns the waitlist position or 0 when the RSVP is not queued.
func (r *RSVP) PositionValue() int {
	if r.Position == nil {
		return 0
	}
	return *r.Position
}

// UserInfo is the caller-supplied identity attached to an RSVP.
type UserInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Attendees is the roster of a session. Waitlisted is ordered by position.
type Attendees struct {
	SessionID  string `json:"session_id"`
	Confirmed  []RSVP `json:"confirmed"`
	Waitlisted []RSVP `json:"waitlisted"`
}

// PromotedUser identifies the waitlisted attendee who took a vacated seat.
type PromotedUser struct {
	RSVPID   string `json:"rsvp_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}
