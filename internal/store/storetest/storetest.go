// Package storetest is the conformance suite every store backend runs from
// its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rsvp-system/internal/store"
	"rsvp-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGetSession", func(t *testing.T) { testCreateAndGetSession(t, newStore(t)) })
	t.Run("GetSessionNotFound", func(t *testing.T) { testGetSessionNotFound(t, newStore(t)) })
	t.Run("ListSessionsByStartTime", func(t *testing.T) { testListSessions(t, newStore(t)) })
	t.Run("AtomicallyNotFound", func(t *testing.T) { testAtomicallyNotFound(t, newStore(t)) })
	t.Run("AtomicallyCommits", func(t *testing.T) { testAtomicallyCommits(t, newStore(t)) })
	t.Run("AtomicallyAbortsOnError", func(t *testing.T) { testAtomicallyAborts(t, newStore(t)) })
	t.Run("StatusTransitions", func(t *testing.T) { testStatusTransitions(t, newStore(t)) })
	t.Run("ConcurrentAdmission", func(t *testing.T) { testConcurrentAdmission(t, newStore(t)) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func newSession(eventID, title string, capacity int, start time.Time) *models.Session {
	ts := now()
	return &models.Session{
		EventID:   eventID,
		Title:     title,
		Capacity:  capacity,
		Status:    models.SessionOpen,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func mustCreate(t *testing.T, s store.Store, session *models.Session) *models.Session {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), session))
	require.NotEmpty(t, session.ID)
	return session
}

func testCreateAndGetSession(t *testing.T, s store.Store) {
	ctx := context.Background()
	start := now().Add(24 * time.Hour)
	created := mustCreate(t, s, newSession("event-1", "Keynote", 50, start))

	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "event-1", got.EventID)
	assert.Equal(t, "Keynote", got.Title)
	assert.Equal(t, 50, got.Capacity)
	assert.Equal(t, 0, got.ConfirmedCount)
	assert.Equal(t, 0, got.WaitlistCount)
	assert.Equal(t, models.SessionOpen, got.Status)
	assert.WithinDuration(t, start, got.StartTime, time.Second)
}

func testGetSessionNotFound(t *testing.T, s store.Store) {
	_, err := s.GetSession(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testListSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now().Add(48 * time.Hour)

	late := mustCreate(t, s, newSession("event-1", "Late", 10, base.Add(2*time.Hour)))
	early := mustCreate(t, s, newSession("event-1", "Early", 10, base))
	mustCreate(t, s, newSession("event-2", "Elsewhere", 10, base))

	sessions, err := s.ListSessions(ctx, "event-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, early.ID, sessions[0].ID)
	assert.Equal(t, late.ID, sessions[1].ID)

	none, err := s.ListSessions(ctx, "event-without-sessions")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAtomicallyNotFound(t *testing.T, s store.Store) {
	called := false
	err := s.Atomically(context.Background(), "missing", func(tx *store.SessionTx) error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	assert.False(t, called)
}

func seed(t *testing.T, s store.Store, sessionID string) (confirmed, waitlisted *models.RSVP) {
	t.Helper()
	ts := now()
	pos := 1
	confirmed = &models.RSVP{
		SessionID: sessionID, UserID: "u1", UserName: "Ada", UserEmail: "ada@example.com",
		Status: models.RSVPConfirmed, RegisteredAt: ts, UpdatedAt: ts,
	}
	waitlisted = &models.RSVP{
		SessionID: sessionID, UserID: "u2", UserName: "Grace", UserEmail: "grace@example.com",
		Status: models.RSVPWaitlisted, Position: &pos, RegisteredAt: ts.Add(time.Second), UpdatedAt: ts,
	}

	err := s.Atomically(context.Background(), sessionID, func(tx *store.SessionTx) error {
		tx.Insert(confirmed)
		tx.Insert(waitlisted)
		tx.Session.ConfirmedCount = 1
		tx.Session.WaitlistCount = 1
		tx.Session.Status = models.SessionFull
		tx.Session.UpdatedAt = ts
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, confirmed.ID)
	require.NotEmpty(t, waitlisted.ID)
	return confirmed, waitlisted
}

func testAtomicallyCommits(t *testing.T, s store.Store) {
	ctx := context.Background()
	session := mustCreate(t, s, newSession("event-1", "Workshop", 1, now()))
	confirmed, waitlisted := seed(t, s, session.ID)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConfirmedCount)
	assert.Equal(t, 1, got.WaitlistCount)
	assert.Equal(t, models.SessionFull, got.Status)

	list, err := s.ListRSVPs(ctx, session.ID, models.RSVPConfirmed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, confirmed.ID, list[0].ID)
	assert.Nil(t, list[0].Position)

	list, err = s.ListRSVPs(ctx, session.ID, models.RSVPWaitlisted)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, waitlisted.ID, list[0].ID)
	require.NotNil(t, list[0].Position)
	assert.Equal(t, 1, *list[0].Position)
	assert.Equal(t, "grace@example.com", list[0].UserEmail)

	live, err := s.FindLiveRSVP(ctx, session.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, waitlisted.ID, live.ID)

	// the next transaction sees both live records
	err = s.Atomically(ctx, session.ID, func(tx *store.SessionTx) error {
		assert.Len(t, tx.Confirmed(), 1)
		assert.Len(t, tx.Waitlisted(), 1)
		assert.NotNil(t, tx.FindLive("u1"))
		return nil
	})
	require.NoError(t, err)
}

func testAtomicallyAborts(t *testing.T, s store.Store) {
	ctx := context.Background()
	session := mustCreate(t, s, newSession("event-1", "Panel", 5, now()))
	boom := errors.New("boom")

	err := s.Atomically(ctx, session.ID, func(tx *store.SessionTx) error {
		ts := now()
		tx.Insert(&models.RSVP{
			SessionID: session.ID, UserID: "u1", UserName: "Ada", UserEmail: "ada@example.com",
			Status: models.RSVPConfirmed, RegisteredAt: ts, UpdatedAt: ts,
		})
		tx.Session.ConfirmedCount = 1
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConfirmedCount)

	list, err := s.ListRSVPs(ctx, session.ID, models.RSVPConfirmed)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.FindLiveRSVP(ctx, session.ID, "u1")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testStatusTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	session := mustCreate(t, s, newSession("event-1", "Lab", 1, now()))
	confirmed, waitlisted := seed(t, s, session.ID)

	err := s.Atomically(ctx, session.ID, func(tx *store.SessionTx) error {
		ts := now()
		first := tx.FindLive("u1")
		require.NotNil(t, first)
		first.Status = models.RSVPCancelled
		first.CancelledAt = &ts
		tx.Mark(first)

		next := tx.FindLive("u2")
		require.NotNil(t, next)
		next.Status = models.RSVPConfirmed
		next.Position = nil
		next.PromotedAt = &ts
		tx.Mark(next)

		tx.Session.WaitlistCount = 0
		return nil
	})
	require.NoError(t, err)

	cancelled, err := s.ListRSVPs(ctx, session.ID, models.RSVPCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, confirmed.ID, cancelled[0].ID)
	assert.NotNil(t, cancelled[0].CancelledAt)

	list, err := s.ListRSVPs(ctx, session.ID, models.RSVPConfirmed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, waitlisted.ID, list[0].ID)
	assert.NotNil(t, list[0].PromotedAt)
	assert.Nil(t, list[0].Position)

	list, err = s.ListRSVPs(ctx, session.ID, models.RSVPWaitlisted)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.FindLiveRSVP(ctx, session.ID, "u1")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	err = s.Atomically(ctx, session.ID, func(tx *store.SessionTx) error {
		assert.Nil(t, tx.FindLive("u1"))
		assert.Len(t, tx.Confirmed(), 1)
		assert.Empty(t, tx.Waitlisted())
		return nil
	})
	require.NoError(t, err)
}

// admit registers userID the way the admission engine does: a seat while
// one is free, otherwise the tail of the waitlist.
func admit(ctx context.Context, s store.Store, sessionID, userID string) error {
	for attempt := 1; ; attempt++ {
		err := s.Atomically(ctx, sessionID, func(tx *store.SessionTx) error {
			ts := now()
			r := &models.RSVP{
				SessionID: sessionID, UserID: userID, UserName: userID, UserEmail: userID + "@example.com",
				RegisteredAt: ts, UpdatedAt: ts,
			}
			if len(tx.Confirmed()) < tx.Session.Capacity {
				r.Status = models.RSVPConfirmed
			} else {
				pos := len(tx.Waitlisted()) + 1
				r.Status = models.RSVPWaitlisted
				r.Position = &pos
			}
			tx.Insert(r)

			tx.Session.ConfirmedCount = len(tx.Confirmed())
			tx.Session.WaitlistCount = len(tx.Waitlisted())
			tx.Session.Status = tx.Session.DeriveStatus()
			tx.Session.UpdatedAt = ts
			return nil
		})
		if !errors.Is(err, store.ErrConflict) || attempt == 200 {
			return err
		}
		time.Sleep(time.Duration(attempt%10+1) * time.Millisecond)
	}
}

func testConcurrentAdmission(t *testing.T, s store.Store) {
	ctx := context.Background()
	const users = 8

	for round := 0; round < 3; round++ {
		session := mustCreate(t, s, newSession("event-1", fmt.Sprintf("Round %d", round), 1, now()))

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, users)
		for i := 0; i < users; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				errs[i] = admit(ctx, s, session.ID, fmt.Sprintf("user-%d", i))
			}(i)
		}
		close(start)
		wg.Wait()

		for i, err := range errs {
			require.NoError(t, err, "user-%d", i)
		}

		confirmed, err := s.ListRSVPs(ctx, session.ID, models.RSVPConfirmed)
		require.NoError(t, err)
		assert.Len(t, confirmed, 1)

		waitlisted, err := s.ListRSVPs(ctx, session.ID, models.RSVPWaitlisted)
		require.NoError(t, err)
		require.Len(t, waitlisted, users-1)
		for i, r := range waitlisted {
			require.NotNil(t, r.Position)
			assert.Equal(t, i+1, *r.Position)
		}

		got, err := s.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ConfirmedCount)
		assert.Equal(t, users-1, got.WaitlistCount)
		assert.Equal(t, models.SessionFull, got.Status)
	}
}
