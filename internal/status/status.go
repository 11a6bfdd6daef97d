package status

import (
	"errors"
	"fmt"

	"rsvp-system/models"
)

var (
	ErrSessionNotFound   = errors.New("session: session not found")
	ErrRSVPNotFound      = errors.New("rsvp: no live rsvp for user")
	ErrAlreadyRegistered = errors.New("rsvp: user already registered")
	ErrSessionClosed     = errors.New("session: session is closed")
	ErrCapacityExceeded  = errors.New("session: confirmed count exceeds capacity")
	ErrConflict          = errors.New("session: concurrent update, retry")
	ErrInvalidCapacity   = errors.New("session: invalid capacity")
	ErrValidation        = errors.New("request: validation failed")
)

// AlreadyRegisteredError carries the state of the existing live RSVP so
// callers can tell "already confirmed" from "already waitlisted".
type AlreadyRegisteredError struct {
	RSVPID   string
	Status   models.RSVPStatus
	Position *int
}

func (e *AlreadyRegisteredError) Error() string {
	if e.Position != nil {
		return fmt.Sprintf("%v (%s at position %d)", ErrAlreadyRegistered, e.Status, *e.Position)
	}
	return fmt.Sprintf("%v (%s)", ErrAlreadyRegistered, e.Status)
}

func (e *AlreadyRegisteredError) Unwrap() error {
	return ErrAlreadyRegistered
}

// Validation wraps ErrValidation with a field-specific message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
