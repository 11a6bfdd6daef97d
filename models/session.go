package models

import (
	"time"
)

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionFull   SessionStatus = "full"
	SessionClosed SessionStatus = "closed"
)

type Session struct {
	ID             string        `json:"id"`
	EventID        string        `json:"event_id"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Location       string        `json:"location,omitempty"`
	Capacity       int           `json:"capacity"`
	ConfirmedCount int           `json:"confirmed_count"`
	WaitlistCount  int           `json:"waitlist_count"`
	Status         SessionStatus `json:"status"` // open, full, closed
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Available returns the number of unclaimed seats, never negative.
func (s *Session) Available() int {
	if s.ConfirmedCount >= s.Capacity {
		return 0
	}
	return s.Capacity - s.ConfirmedCount
}

// IsFull reports whether every seat is confirmed.
func (s *Session) IsFull() bool {
	return s.ConfirmedCount >= s.Capacity
}

// DeriveStatus returns the status implied by the counters. The closed
// override is kept until an administrator reopens the session.
func (s *Session) DeriveStatus() SessionStatus {
	if s.Status == SessionClosed {
		return SessionClosed
	}
	if s.IsFull() {
		return SessionFull
	}
	return SessionOpen
}

// SessionInput is the administrative payload for creating a session.
type SessionInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Capacity    int       `json:"capacity"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}
