package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rsvp-system/internal/status"
	"rsvp-system/internal/store"
	"rsvp-system/internal/store/redisstore"
	"rsvp-system/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingNotifier struct {
	mu        sync.Mutex
	promoted  []models.PromotedUser
	snapshots []models.CapacitySnapshot
}

func (n *recordingNotifier) NotifyPromoted(_ context.Context, _ *models.Session, p models.PromotedUser) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.promoted = append(n.promoted, p)
}

func (n *recordingNotifier) NotifyCapacity(_ context.Context, s models.CapacitySnapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, s)
}

type countingRecorder struct {
	mu         sync.Mutex
	operations map[string]int
	retries    int
}

func (r *countingRecorder) TrackOperation(operation, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.operations == nil {
		r.operations = map[string]int{}
	}
	r.operations[operation+":"+outcome]++
}

func (r *countingRecorder) TrackConflictRetry(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *countingRecorder) TrackCapacity(models.CapacitySnapshot) {}

// conflictStore fails the first n transactions with store.ErrConflict.
type conflictStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *conflictStore) Atomically(ctx context.Context, sessionID string, fn func(tx *store.SessionTx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures < 0 || s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return store.ErrConflict
	}
	return s.Store.Atomically(ctx, sessionID, fn)
}

type testEnv struct {
	store      *redisstore.Store
	controller *AdmissionController
	reporter   *CapacityReporter
	notifier   *recordingNotifier
	recorder   *countingRecorder
}

func setupTestEnv(t *testing.T) *testEnv {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		store:    redisstore.New(client),
		notifier: &recordingNotifier{},
		recorder: &countingRecorder{},
	}
	clock := &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	env.controller = NewAdmissionController(env.store, AdmissionOptions{
		MaxAttempts: 50,
		RetryBase:   time.Millisecond,
		Recorder:    env.recorder,
		Notifier:    env.notifier,
		Now:         clock.Now,
	})
	env.reporter = NewCapacityReporter(env.store, env.recorder, nil)
	return env
}

func (env *testEnv) createSession(t *testing.T, capacity int) *models.Session {
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	session, err := env.controller.CreateSession(context.Background(), "event-1", models.SessionInput{
		Title:     "Keynote",
		Capacity:  capacity,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
	})
	require.NoError(t, err)
	return session
}

func (env *testEnv) rsvp(t *testing.T, sessionID, userID string) *AdmissionResult {
	result, err := env.controller.RSVP(context.Background(), sessionID, userID, userInfo(userID))
	require.NoError(t, err)
	return result
}

func userInfo(userID string) models.UserInfo {
	return models.UserInfo{Name: "User " + userID, Email: userID + "@example.com"}
}

func userIDs(list []models.RSVP) []string {
	ids := make([]string, 0, len(list))
	for _, r := range list {
		ids = append(ids, r.UserID)
	}
	return ids
}

func positions(list []models.RSVP) []int {
	out := make([]int, 0, len(list))
	for _, r := range list {
		out = append(out, r.PositionValue())
	}
	return out
}

func TestRSVP_FillsSeatsThenWaitlists(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 2)

	first := env.rsvp(t, session.ID, "u1")
	second := env.rsvp(t, session.ID, "u2")
	third := env.rsvp(t, session.ID, "u3")
	fourth := env.rsvp(t, session.ID, "u4")

	assert.Equal(t, models.RSVPConfirmed, first.Status)
	assert.Nil(t, first.Position)
	assert.NotEmpty(t, first.RSVP.ID)
	assert.Equal(t, models.RSVPConfirmed, second.Status)

	assert.Equal(t, models.RSVPWaitlisted, third.Status)
	require.NotNil(t, third.Position)
	assert.Equal(t, 1, *third.Position)
	require.NotNil(t, fourth.Position)
	assert.Equal(t, 2, *fourth.Position)

	got, err := env.controller.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConfirmedCount)
	assert.Equal(t, 2, got.WaitlistCount)
	assert.Equal(t, models.SessionFull, got.Status)
}

func TestCancel_PromotesHeadOfWaitlist(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 2)
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		env.rsvp(t, session.ID, u)
	}

	result, err := env.controller.Cancel(ctx, session.ID, "u1")
	require.NoError(t, err)

	assert.Equal(t, models.RSVPCancelled, result.Cancelled.Status)
	assert.NotNil(t, result.Cancelled.CancelledAt)
	require.NotNil(t, result.Promoted)
	assert.Equal(t, "u3", result.Promoted.UserID)
	assert.Equal(t, "User u3", result.Promoted.UserName)
	assert.NotEmpty(t, result.Promoted.RSVPID)

	attendees, err := env.controller.GetAttendees(ctx, session.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u2", "u3"}, userIDs(attendees.Confirmed))
	assert.Equal(t, []string{"u4"}, userIDs(attendees.Waitlisted))
	assert.Equal(t, []int{1}, positions(attendees.Waitlisted))

	for _, r := range attendees.Confirmed {
		if r.UserID == "u3" {
			assert.Nil(t, r.Position)
			assert.NotNil(t, r.PromotedAt)
		}
	}

	got, err := env.controller.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConfirmedCount)
	assert.Equal(t, 1, got.WaitlistCount)
	assert.Equal(t, models.SessionFull, got.Status)

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	require.Len(t, env.notifier.promoted, 1)
	assert.Equal(t, "u3", env.notifier.promoted[0].UserID)
}

func TestCancel_ConfirmedWithoutWaitlistOpensSeat(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 2)
	env.rsvp(t, session.ID, "u1")
	env.rsvp(t, session.ID, "u2")

	result, err := env.controller.Cancel(ctx, session.ID, "u2")
	require.NoError(t, err)
	assert.Nil(t, result.Promoted)

	got, err := env.controller.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConfirmedCount)
	assert.Equal(t, models.SessionOpen, got.Status)
}

func TestCancel_WaitlistedRenumbersQueue(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)
	for _, u := range []string{"u1", "w1", "w2", "w3", "w4"} {
		env.rsvp(t, session.ID, u)
	}

	result, err := env.controller.Cancel(ctx, session.ID, "w2")
	require.NoError(t, err)
	assert.Nil(t, result.Promoted)
	assert.Nil(t, result.Cancelled.Position)

	attendees, err := env.controller.GetAttendees(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w3", "w4"}, userIDs(attendees.Waitlisted))
	assert.Equal(t, []int{1, 2, 3}, positions(attendees.Waitlisted))

	got, err := env.controller.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.WaitlistCount)
}

func TestCancel_ThenRegisterAgain(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)
	env.rsvp(t, session.ID, "u1")
	env.rsvp(t, session.ID, "u2")

	_, err := env.controller.Cancel(ctx, session.ID, "u1")
	require.NoError(t, err)

	// the seat went to u2, so u1 queues
	again := env.rsvp(t, session.ID, "u1")
	assert.Equal(t, models.RSVPWaitlisted, again.Status)
	require.NotNil(t, again.Position)
	assert.Equal(t, 1, *again.Position)
}

func TestCancel_Errors(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)

	_, err := env.controller.Cancel(ctx, session.ID, "nobody")
	assert.ErrorIs(t, err, status.ErrRSVPNotFound)

	_, err = env.controller.Cancel(ctx, "missing", "u1")
	assert.ErrorIs(t, err, status.ErrSessionNotFound)

	_, err = env.controller.Cancel(ctx, session.ID, " ")
	assert.ErrorIs(t, err, status.ErrValidation)

	env.rsvp(t, session.ID, "u1")
	_, err = env.controller.Cancel(ctx, session.ID, "u1")
	require.NoError(t, err)
	_, err = env.controller.Cancel(ctx, session.ID, "u1")
	assert.ErrorIs(t, err, status.ErrRSVPNotFound)
}

func TestRSVP_DuplicateReportsExistingState(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)
	env.rsvp(t, session.ID, "u1")
	env.rsvp(t, session.ID, "u2")

	_, err := env.controller.RSVP(ctx, session.ID, "u1", userInfo("u1"))
	var already *status.AlreadyRegisteredError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, models.RSVPConfirmed, already.Status)
	assert.Nil(t, already.Position)

	_, err = env.controller.RSVP(ctx, session.ID, "u2", userInfo("u2"))
	require.ErrorAs(t, err, &already)
	assert.ErrorIs(t, err, status.ErrAlreadyRegistered)
	assert.Equal(t, models.RSVPWaitlisted, already.Status)
	require.NotNil(t, already.Position)
	assert.Equal(t, 1, *already.Position)

	got, err := env.controller.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConfirmedCount)
	assert.Equal(t, 1, got.WaitlistCount)
}

func TestRSVP_Validation(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)

	tests := []struct {
		name   string
		userID string
		user   models.UserInfo
	}{
		{"missing user", "", userInfo("u1")},
		{"missing name", "u1", models.UserInfo{Email: "u1@example.com"}},
		{"missing email", "u1", models.UserInfo{Name: "User"}},
		{"bad email", "u1", models.UserInfo{Name: "User", Email: "not-an-email"}},
		{"display name address", "u1", models.UserInfo{Name: "Bob", Email: "Bob Smith <bob@x.io>"}},
		{"blank name", "u1", models.UserInfo{Name: "   ", Email: "u1@example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.controller.RSVP(ctx, session.ID, tt.userID, tt.user)
			assert.ErrorIs(t, err, status.ErrValidation)
		})
	}

	_, err := env.controller.RSVP(ctx, "missing", "u1", userInfo("u1"))
	assert.ErrorIs(t, err, status.ErrSessionNotFound)

	attendees, err := env.controller.GetAttendees(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, attendees.Confirmed)
}

func TestRSVP_StoresTrimmedEmail(t *testing.T) {
	env := setupTestEnv(t)
	session := env.createSession(t, 1)

	result, err := env.controller.RSVP(context.Background(), session.ID, "u1",
		models.UserInfo{Name: " Bob ", Email: "  bob@x.io "})
	require.NoError(t, err)
	assert.Equal(t, "bob@x.io", result.RSVP.UserEmail)
	assert.Equal(t, "Bob", result.RSVP.UserName)
}

func TestRSVP_ClosedSessionRejects(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 2)
	env.rsvp(t, session.ID, "u1")

	closed, err := env.controller.CloseSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, closed.Status)

	_, err = env.controller.RSVP(ctx, session.ID, "u2", userInfo("u2"))
	assert.ErrorIs(t, err, status.ErrSessionClosed)

	// existing attendees can still leave
	_, err = env.controller.Cancel(ctx, session.ID, "u1")
	require.NoError(t, err)

	got, err := env.controller.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, got.Status)

	reopened, err := env.controller.ReopenSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionOpen, reopened.Status)

	result := env.rsvp(t, session.ID, "u2")
	assert.Equal(t, models.RSVPConfirmed, result.Status)
}

func TestReopenSession_RecomputesFull(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)
	env.rsvp(t, session.ID, "u1")

	_, err := env.controller.CloseSession(ctx, session.ID)
	require.NoError(t, err)
	reopened, err := env.controller.ReopenSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFull, reopened.Status)
}

func TestUpdateCapacity(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 2)
	for _, u := range []string{"u1", "u2", "w1", "w2", "w3"} {
		env.rsvp(t, session.ID, u)
	}

	t.Run("below confirmed is rejected", func(t *testing.T) {
		_, err := env.controller.UpdateCapacity(ctx, session.ID, 1)
		assert.ErrorIs(t, err, status.ErrInvalidCapacity)
	})

	t.Run("out of range is rejected", func(t *testing.T) {
		_, err := env.controller.UpdateCapacity(ctx, session.ID, 0)
		assert.ErrorIs(t, err, status.ErrInvalidCapacity)
		_, err = env.controller.UpdateCapacity(ctx, session.ID, MaxSessionCapacity+1)
		assert.ErrorIs(t, err, status.ErrInvalidCapacity)
	})

	t.Run("raising admits waitlist in order", func(t *testing.T) {
		update, err := env.controller.UpdateCapacity(ctx, session.ID, 4)
		require.NoError(t, err)
		require.Len(t, update.Promoted, 2)
		assert.Equal(t, "w1", update.Promoted[0].UserID)
		assert.Equal(t, "w2", update.Promoted[1].UserID)
		assert.Equal(t, 4, update.Session.ConfirmedCount)
		assert.Equal(t, 1, update.Session.WaitlistCount)
		assert.Equal(t, models.SessionFull, update.Session.Status)

		attendees, err := env.controller.GetAttendees(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"w3"}, userIDs(attendees.Waitlisted))
		assert.Equal(t, []int{1}, positions(attendees.Waitlisted))
	})

	t.Run("raising with empty waitlist reopens", func(t *testing.T) {
		_, err := env.controller.Cancel(ctx, session.ID, "w3")
		require.NoError(t, err)
		update, err := env.controller.UpdateCapacity(ctx, session.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, update.Promoted)
		assert.Equal(t, models.SessionOpen, update.Session.Status)
	})
}

func TestCreateSession_Validation(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		eventID string
		in      models.SessionInput
		want    error
	}{
		{"missing event", "", models.SessionInput{Title: "T", Capacity: 1, StartTime: start, EndTime: start}, status.ErrValidation},
		{"missing title", "e", models.SessionInput{Capacity: 1, StartTime: start, EndTime: start}, status.ErrValidation},
		{"zero capacity", "e", models.SessionInput{Title: "T", StartTime: start, EndTime: start}, status.ErrInvalidCapacity},
		{"huge capacity", "e", models.SessionInput{Title: "T", Capacity: 100001, StartTime: start, EndTime: start}, status.ErrInvalidCapacity},
		{"missing times", "e", models.SessionInput{Title: "T", Capacity: 1}, status.ErrValidation},
		{"ends before start", "e", models.SessionInput{Title: "T", Capacity: 1, StartTime: start, EndTime: start.Add(-time.Minute)}, status.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.controller.CreateSession(ctx, tt.eventID, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGetSessions_OrderedByStart(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	for _, offset := range []int{3, 1, 2} {
		_, err := env.controller.CreateSession(ctx, "event-9", models.SessionInput{
			Title:     fmt.Sprintf("Slot %d", offset),
			Capacity:  10,
			StartTime: base.Add(time.Duration(offset) * time.Hour),
			EndTime:   base.Add(time.Duration(offset+1) * time.Hour),
		})
		require.NoError(t, err)
	}

	sessions, err := env.controller.GetSessions(ctx, "event-9")
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "Slot 1", sessions[0].Title)
	assert.Equal(t, "Slot 2", sessions[1].Title)
	assert.Equal(t, "Slot 3", sessions[2].Title)
	assert.Equal(t, models.SessionOpen, sessions[0].Status)

	empty, err := env.controller.GetSessions(ctx, "no-such-event")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NotNil(t, empty)
}

func TestGetUserRSVP(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)
	env.rsvp(t, session.ID, "u1")
	env.rsvp(t, session.ID, "u2")

	r, err := env.controller.GetUserRSVP(ctx, session.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, models.RSVPWaitlisted, r.Status)
	assert.Equal(t, 1, r.PositionValue())

	_, err = env.controller.GetUserRSVP(ctx, session.ID, "u3")
	assert.ErrorIs(t, err, status.ErrRSVPNotFound)

	_, err = env.controller.GetUserRSVP(ctx, "missing", "u1")
	assert.ErrorIs(t, err, status.ErrSessionNotFound)
}

func TestGetAttendees_MissingSession(t *testing.T) {
	env := setupTestEnv(t)
	_, err := env.controller.GetAttendees(context.Background(), "missing")
	assert.ErrorIs(t, err, status.ErrSessionNotFound)
}

func TestRSVP_ConcurrentRequestsNeverOverbook(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	const capacity, users = 3, 20
	session := env.createSession(t, capacity)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		conflicts int
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := env.controller.RSVP(ctx, session.ID, userID, userInfo(userID))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, status.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error for %s: %v", userID, err)
			}
		}(fmt.Sprintf("user-%02d", i))
	}
	wg.Wait()

	assert.Equal(t, users, admitted+conflicts)
	assert.GreaterOrEqual(t, admitted, capacity)

	got, err := env.controller.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.ConfirmedCount, capacity)
	assert.Equal(t, min(admitted, capacity), got.ConfirmedCount)
	assert.Equal(t, admitted-got.ConfirmedCount, got.WaitlistCount)

	audit, err := env.reporter.Audit(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, audit.Healthy(), "violations: %v", audit.Violations)
}

func TestRSVP_TwoRequestsRaceForLastSeat(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		session := env.createSession(t, 1)

		var wg sync.WaitGroup
		start := make(chan struct{})
		results := make([]*AdmissionResult, 2)
		errs := make([]error, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				userID := fmt.Sprintf("racer-%d", i)
				results[i], errs[i] = env.controller.RSVP(ctx, session.ID, userID, userInfo(userID))
			}(i)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		statuses := map[models.RSVPStatus]*AdmissionResult{}
		for _, r := range results {
			statuses[r.Status] = r
		}
		require.Len(t, statuses, 2, "round %d", round)
		assert.Nil(t, statuses[models.RSVPConfirmed].Position)
		waitlisted := statuses[models.RSVPWaitlisted]
		require.NotNil(t, waitlisted)
		require.NotNil(t, waitlisted.Position)
		assert.Equal(t, 1, *waitlisted.Position)

		got, err := env.controller.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ConfirmedCount)
		assert.Equal(t, 1, got.WaitlistCount)
		assert.Equal(t, models.SessionFull, got.Status)
	}
}

func TestCancel_ConcurrentCancellationsPromoteInOrder(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 3)
	for _, u := range []string{"c1", "c2", "c3", "w1", "w2", "w3", "w4"} {
		env.rsvp(t, session.ID, u)
	}

	var wg sync.WaitGroup
	for _, u := range []string{"c1", "c2", "c3"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := env.controller.Cancel(ctx, session.ID, userID)
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	attendees, err := env.controller.GetAttendees(ctx, session.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w2", "w3"}, userIDs(attendees.Confirmed))
	assert.Equal(t, []string{"w4"}, userIDs(attendees.Waitlisted))
	assert.Equal(t, []int{1}, positions(attendees.Waitlisted))
}

func TestRun_RetriesConflicts(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)

	flaky := &conflictStore{Store: env.store, failures: 2}
	controller := NewAdmissionController(flaky, AdmissionOptions{
		MaxAttempts: 5,
		RetryBase:   time.Millisecond,
		Recorder:    env.recorder,
	})

	result, err := controller.RSVP(ctx, session.ID, "u1", userInfo("u1"))
	require.NoError(t, err)
	assert.Equal(t, models.RSVPConfirmed, result.Status)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 2, env.recorder.retries)
}

func TestRun_ExhaustedRetriesSurfaceConflict(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)

	broken := &conflictStore{Store: env.store, failures: -1}
	controller := NewAdmissionController(broken, AdmissionOptions{
		MaxAttempts: 4,
		RetryBase:   time.Millisecond,
		Recorder:    env.recorder,
	})

	_, err := controller.RSVP(ctx, session.ID, "u1", userInfo("u1"))
	assert.ErrorIs(t, err, status.ErrConflict)
	assert.Equal(t, 4, broken.calls)
	assert.Equal(t, 1, env.recorder.operations["rsvp:conflict"])

	// nothing was written
	got, err := env.controller.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConfirmedCount)
}

func TestRun_DomainErrorsAreNotRetried(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 1)
	env.rsvp(t, session.ID, "u1")

	counting := &conflictStore{Store: env.store}
	controller := NewAdmissionController(counting, AdmissionOptions{MaxAttempts: 5, RetryBase: time.Millisecond})

	_, err := controller.RSVP(ctx, session.ID, "u1", userInfo("u1"))
	assert.ErrorIs(t, err, status.ErrAlreadyRegistered)
	assert.Equal(t, 1, counting.calls)
}

func TestReconcile_RepairsDrift(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 2)
	for _, u := range []string{"u1", "u2", "w1", "w2", "w3"} {
		env.rsvp(t, session.ID, u)
	}

	// damage the session behind the controller's back: drop a seat without
	// promoting, leave position gaps and stale counters
	require.NoError(t, env.store.Atomically(ctx, session.ID, func(tx *store.SessionTx) error {
		for _, r := range tx.Confirmed() {
			if r.UserID == "u1" {
				r.Status = models.RSVPCancelled
				tx.Mark(r)
			}
		}
		for i, r := range tx.Waitlisted() {
			pos := (i + 1) * 3
			r.Position = &pos
			tx.Mark(r)
		}
		tx.Session.ConfirmedCount = 0
		tx.Session.WaitlistCount = 9
		return nil
	}))

	audit, err := env.reporter.Audit(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, audit.Healthy())

	report, err := env.controller.Reconcile(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, report.Changed())
	assert.Equal(t, 0, report.ConfirmedBefore)
	assert.Equal(t, 2, report.ConfirmedAfter)
	assert.Equal(t, 9, report.WaitlistBefore)
	assert.Equal(t, 2, report.WaitlistAfter)
	require.Len(t, report.Promoted, 1)
	assert.Equal(t, "w1", report.Promoted[0].UserID)
	assert.Equal(t, 2, report.Renumbered)
	assert.Equal(t, models.SessionFull, report.StatusAfter)

	audit, err = env.reporter.Audit(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, audit.Healthy(), "violations: %v", audit.Violations)
	assert.Equal(t, []int{1, 2}, audit.WaitlistPositions)

	again, err := env.controller.Reconcile(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, again.Changed())
}

func TestReconcile_OverbookedSessionIsReported(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	session := env.createSession(t, 2)
	env.rsvp(t, session.ID, "u1")
	env.rsvp(t, session.ID, "u2")

	require.NoError(t, env.store.Atomically(ctx, session.ID, func(tx *store.SessionTx) error {
		tx.Session.Capacity = 1
		return nil
	}))

	_, err := env.controller.Reconcile(ctx, session.ID)
	assert.ErrorIs(t, err, status.ErrCapacityExceeded)

	_, err = env.controller.RSVP(ctx, session.ID, "u3", userInfo("u3"))
	assert.ErrorIs(t, err, status.ErrCapacityExceeded)
}
