// Package store defines the storage contract of the admission engine.
//
// Reads go through SessionReader and RSVPReader. Writes happen only inside
// Store.Atomically, which hands the caller a snapshot of one session and its
// live RSVPs and commits every change made to that snapshot as a single unit.
package store

import (
	"context"
	"errors"
	"sort"

	"rsvp-system/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: write conflict")
)

type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	// ListSessions returns the sessions of an event ordered by start time.
	ListSessions(ctx context.Context, eventID string) ([]models.Session, error)
}

type RSVPReader interface {
	ListRSVPs(ctx context.Context, sessionID string, status models.RSVPStatus) ([]models.RSVP, error)
	// FindLiveRSVP returns the user's confirmed or waitlisted RSVP through
	// the (session, user) index, or ErrNotFound.
	FindLiveRSVP(ctx context.Context, sessionID, userID string) (*models.RSVP, error)
}

type Reader interface {
	SessionReader
	RSVPReader
}

type Store interface {
	Reader

	// CreateSession persists a new session and assigns its ID when empty.
	CreateSession(ctx context.Context, session *models.Session) error

	// Atomically loads the session and its live RSVPs, runs fn and commits
	// the session record together with every RSVP inserted or marked on the
	// snapshot. Nothing is written when fn returns an error. A missing
	// session yields ErrNotFound; losing a race to another writer of the
	// same session yields ErrConflict.
	Atomically(ctx context.Context, sessionID string, fn func(tx *SessionTx) error) error
}

// Change is a pending RSVP write. Previous is empty for inserts.
type Change struct {
	RSVP     *models.RSVP
	Previous models.RSVPStatus
}

// SessionTx is the in-transaction view of one session.
type SessionTx struct {
	Session *models.Session

	rsvps    []*models.RSVP
	original map[*models.RSVP]models.RSVPStatus
	changes  []*models.RSVP
	changed  map[*models.RSVP]bool
}

// NewSessionTx builds a snapshot from records loaded by a backend.
func NewSessionTx(session *models.Session, live []*models.RSVP) *SessionTx {
	tx := &SessionTx{
		Session:  session,
		rsvps:    live,
		original: make(map[*models.RSVP]models.RSVPStatus, len(live)),
		changed:  make(map[*models.RSVP]bool),
	}
	for _, r := range live {
		tx.original[r] = r.Status
	}
	return tx
}

// FindLive returns the user's confirmed or waitlisted RSVP, or nil.
func (tx *SessionTx) FindLive(userID string) *models.RSVP {
	for _, r := range tx.rsvps {
		if r.UserID == userID && r.Status.Live() {
			return r
		}
	}
	return nil
}

func (tx *SessionTx) Confirmed() []*models.RSVP {
	var out []*models.RSVP
	for _, r := range tx.rsvps {
		if r.Status == models.RSVPConfirmed {
			out = append(out, r)
		}
	}
	return out
}

// Waitlisted returns queued RSVPs by ascending position, registration time
// breaking ties left behind by a damaged index.
func (tx *SessionTx) Waitlisted() []*models.RSVP {
	var out []*models.RSVP
	for _, r := range tx.rsvps {
		if r.Status == models.RSVPWaitlisted {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].PositionValue(), out[j].PositionValue()
		if pi != pj {
			return pi < pj
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Insert adds a new RSVP to the snapshot.
func (tx *SessionTx) Insert(r *models.RSVP) {
	tx.rsvps = append(tx.rsvps, r)
	tx.Mark(r)
}

// Mark records that r was modified and must be written on commit.
func (tx *SessionTx) Mark(r *models.RSVP) {
	if tx.changed[r] {
		return
	}
	tx.changed[r] = true
	tx.changes = append(tx.changes, r)
}

// Changes lists pending RSVP writes in the order they were first marked.
func (tx *SessionTx) Changes() []Change {
	out := make([]Change, 0, len(tx.changes))
	for _, r := range tx.changes {
		out = append(out, Change{RSVP: r, Previous: tx.original[r]})
	}
	return out
}

// SortRSVPs orders a status listing the way callers display it: waitlist by
// position, everything else by registration time.
func SortRSVPs(list []models.RSVP, status models.RSVPStatus) {
	sort.SliceStable(list, func(i, j int) bool {
		if status == models.RSVPWaitlisted {
			pi, pj := list[i].PositionValue(), list[j].PositionValue()
			if pi != pj {
				return pi < pj
			}
		}
		return list[i].RegisteredAt.Before(list[j].RegisteredAt)
	})
}

// SortSessions orders sessions by start time, then creation time.
func SortSessions(list []models.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].StartTime.Before(list[j].StartTime)
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
