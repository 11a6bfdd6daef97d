package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rsvp-system/internal/status"
	"rsvp-system/internal/store"
	"rsvp-system/models"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const MaxSessionCapacity = 100000

// Recorder receives operation metrics. monitoring.Monitor implements it.
type Recorder interface {
	TrackOperation(operation, outcome string, elapsed time.Duration)
	TrackConflictRetry(operation string)
	TrackCapacity(snapshot models.CapacitySnapshot)
}

// Notifier delivers realtime updates after a transaction commits. Delivery
// is best effort and never fails the operation.
type Notifier interface {
	NotifyPromoted(ctx context.Context, session *models.Session, promoted models.PromotedUser)
	NotifyCapacity(ctx context.Context, snapshot models.CapacitySnapshot)
}

type AdmissionOptions struct {
	MaxAttempts int
	RetryBase   time.Duration
	Logger      *slog.Logger
	Recorder    Recorder
	Notifier    Notifier
	Now         func() time.Time
}

// AdmissionController owns every write to sessions and RSVPs.
type AdmissionController struct {
	store       store.Store
	maxAttempts int
	retryBase   time.Duration
	logger      *slog.Logger
	recorder    Recorder
	notifier    Notifier
	now         func() time.Time
}

func NewAdmissionController(s store.Store, opts AdmissionOptions) *AdmissionController {
	c := &AdmissionController{
		store:       s,
		maxAttempts: opts.MaxAttempts,
		retryBase:   opts.RetryBase,
		logger:      opts.Logger,
		recorder:    opts.Recorder,
		notifier:    opts.Notifier,
		now:         opts.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 5
	}
	if c.retryBase <= 0 {
		c.retryBase = 10 * time.Millisecond
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type AdmissionResult struct {
	RSVP     models.RSVP       `json:"rsvp"`
	Status   models.RSVPStatus `json:"status"`
	Position *int              `json:"position,omitempty"`
}

type CancelResult struct {
	Cancelled models.RSVP          `json:"cancelled"`
	Promoted  *models.PromotedUser `json:"promoted,omitempty"`
}

type CapacityUpdate struct {
	Session  models.Session        `json:"session"`
	Promoted []models.PromotedUser `json:"promoted"`
}

// ReconcileReport describes what Reconcile had to repair.
type ReconcileReport struct {
	SessionID       string                `json:"session_id"`
	ConfirmedBefore int                   `json:"confirmed_before"`
	ConfirmedAfter  int                   `json:"confirmed_after"`
	WaitlistBefore  int                   `json:"waitlist_before"`
	WaitlistAfter   int                   `json:"waitlist_after"`
	StatusBefore    models.SessionStatus  `json:"status_before"`
	StatusAfter     models.SessionStatus  `json:"status_after"`
	Renumbered      int                   `json:"renumbered"`
	Promoted        []models.PromotedUser `json:"promoted"`
}

func (r *ReconcileReport) Changed() bool {
	return r.ConfirmedBefore != r.ConfirmedAfter ||
		r.WaitlistBefore != r.WaitlistAfter ||
		r.StatusBefore != r.StatusAfter ||
		r.Renumbered > 0 ||
		len(r.Promoted) > 0
}

func (c *AdmissionController) CreateSession(ctx context.Context, eventID string, in models.SessionInput) (*models.Session, error) {
	if err := validateSessionInput(eventID, in); err != nil {
		return nil, err
	}

	now := c.now()
	session := &models.Session{
		EventID:     eventID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Location:    in.Location,
		Capacity:    in.Capacity,
		Status:      models.SessionOpen,
		StartTime:   in.StartTime.UTC(),
		EndTime:     in.EndTime.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		c.logger.Error("Failed to create session", "error", err, "event_id", eventID)
		return nil, fmt.Errorf("create session: %w", err)
	}

	c.logger.Info("Session created", "session_id", session.ID, "event_id", eventID, "capacity", session.Capacity)
	c.publishCapacity(ctx, session)
	return session, nil
}

func (c *AdmissionController) GetSessions(ctx context.Context, eventID string) ([]models.Session, error) {
	sessions, err := c.store.ListSessions(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	return sessions, nil
}

func (c *AdmissionController) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return session, nil
}

// RSVP confirms the user while seats remain and queues them at the tail of
// the waitlist otherwise.
func (c *AdmissionController) RSVP(ctx context.Context, sessionID, userID string, user models.UserInfo) (*AdmissionResult, error) {
	if err := validateRSVP(userID, user); err != nil {
		return nil, err
	}

	var (
		rsvp    *models.RSVP
		session models.Session
	)
	err := c.run(ctx, "rsvp", sessionID, func(tx *store.SessionTx) error {
		if existing := tx.FindLive(userID); existing != nil {
			return &status.AlreadyRegisteredError{
				RSVPID:   existing.ID,
				Status:   existing.Status,
				Position: existing.Position,
			}
		}
		if tx.Session.Status == models.SessionClosed {
			return status.ErrSessionClosed
		}

		now := c.now()
		rsvp = &models.RSVP{
			SessionID:    sessionID,
			UserID:       userID,
			UserName:     strings.TrimSpace(user.Name),
			UserEmail:    strings.TrimSpace(user.Email),
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		if len(tx.Confirmed()) < tx.Session.Capacity {
			rsvp.Status = models.RSVPConfirmed
		} else {
			position := len(tx.Waitlisted()) + 1
			rsvp.Status = models.RSVPWaitlisted
			rsvp.Position = &position
		}
		tx.Insert(rsvp)

		if err := recount(tx, now); err != nil {
			return err
		}
		session = *tx.Session
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("RSVP admitted",
		"session_id", sessionID,
		"user_id", userID,
		"status", rsvp.Status,
		"position", rsvp.PositionValue(),
	)
	c.publishCapacity(ctx, &session)

	return &AdmissionResult{RSVP: *rsvp, Status: rsvp.Status, Position: rsvp.Position}, nil
}

// Cancel withdraws the user's live RSVP. A vacated seat goes to the head of
// the waitlist in the same transaction.
func (c *AdmissionController) Cancel(ctx context.Context, sessionID, userID string) (*CancelResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, status.Validation("user_id is required")
	}

	var (
		cancelled *models.RSVP
		promoted  []models.PromotedUser
		session   models.Session
	)
	err := c.run(ctx, "cancel", sessionID, func(tx *store.SessionTx) error {
		cancelled = tx.FindLive(userID)
		if cancelled == nil {
			return status.ErrRSVPNotFound
		}

		now := c.now()
		cancelled.Status = models.RSVPCancelled
		cancelled.Position = nil
		cancelled.CancelledAt = &now
		cancelled.UpdatedAt = now
		tx.Mark(cancelled)

		promoted = fillSeats(tx, now)
		compactWaitlist(tx, now)

		if err := recount(tx, now); err != nil {
			return err
		}
		session = *tx.Session
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &CancelResult{Cancelled: *cancelled}
	if len(promoted) > 0 {
		result.Promoted = &promoted[0]
	}

	c.logger.Info("RSVP cancelled",
		"session_id", sessionID,
		"user_id", userID,
		"promoted", len(promoted),
	)
	c.publishPromotions(ctx, &session, promoted)
	c.publishCapacity(ctx, &session)
	return result, nil
}

func (c *AdmissionController) GetAttendees(ctx context.Context, sessionID string) (*models.Attendees, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return nil, mapStoreError(err)
	}

	confirmed, err := c.store.ListRSVPs(ctx, sessionID, models.RSVPConfirmed)
	if err != nil {
		return nil, fmt.Errorf("list confirmed: %w", err)
	}
	waitlisted, err := c.store.ListRSVPs(ctx, sessionID, models.RSVPWaitlisted)
	if err != nil {
		return nil, fmt.Errorf("list waitlisted: %w", err)
	}

	if confirmed == nil {
		confirmed = []models.RSVP{}
	}
	if waitlisted == nil {
		waitlisted = []models.RSVP{}
	}
	return &models.Attendees{SessionID: sessionID, Confirmed: confirmed, Waitlisted: waitlisted}, nil
}

// GetUserRSVP returns the user's live RSVP for the session.
func (c *AdmissionController) GetUserRSVP(ctx context.Context, sessionID, userID string) (*models.RSVP, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return nil, mapStoreError(err)
	}
	rsvp, err := c.store.FindLiveRSVP(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, status.ErrRSVPNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find rsvp: %w", err)
	}
	return rsvp, nil
}

// UpdateCapacity changes the seat count. Capacity cannot drop below the
// confirmed count; new seats go to the waitlist in order.
func (c *AdmissionController) UpdateCapacity(ctx context.Context, sessionID string, capacity int) (*CapacityUpdate, error) {
	if err := validateCapacity(capacity); err != nil {
		return nil, err
	}

	var (
		promoted []models.PromotedUser
		session  models.Session
	)
	err := c.run(ctx, "update_capacity", sessionID, func(tx *store.SessionTx) error {
		confirmed := len(tx.Confirmed())
		if capacity < confirmed {
			return fmt.Errorf("%w: %d seats already confirmed", status.ErrInvalidCapacity, confirmed)
		}

		now := c.now()
		tx.Session.Capacity = capacity
		promoted = fillSeats(tx, now)
		compactWaitlist(tx, now)

		if err := recount(tx, now); err != nil {
			return err
		}
		session = *tx.Session
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Session capacity updated",
		"session_id", sessionID,
		"capacity", capacity,
		"promoted", len(promoted),
	)
	c.publishPromotions(ctx, &session, promoted)
	c.publishCapacity(ctx, &session)

	if promoted == nil {
		promoted = []models.PromotedUser{}
	}
	return &CapacityUpdate{Session: session, Promoted: promoted}, nil
}

// CloseSession stops new RSVPs. Existing RSVPs keep their state.
func (c *AdmissionController) CloseSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return c.setClosed(ctx, "close", sessionID, true)
}

// ReopenSession lifts the closed override; status follows the counters again.
func (c *AdmissionController) ReopenSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return c.setClosed(ctx, "reopen", sessionID, false)
}

func (c *AdmissionController) setClosed(ctx context.Context, op, sessionID string, closed bool) (*models.Session, error) {
	var session models.Session
	err := c.run(ctx, op, sessionID, func(tx *store.SessionTx) error {
		if closed {
			tx.Session.Status = models.SessionClosed
		} else if tx.Session.Status == models.SessionClosed {
			tx.Session.Status = models.SessionOpen
		}
		if err := recount(tx, c.now()); err != nil {
			return err
		}
		session = *tx.Session
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Session status changed", "session_id", sessionID, "status", session.Status)
	c.publishCapacity(ctx, &session)
	return &session, nil
}

// Reconcile rebuilds the cached counters from the live RSVPs, closes gaps
// in the waitlist and fills any free seat from it.
func (c *AdmissionController) Reconcile(ctx context.Context, sessionID string) (*ReconcileReport, error) {
	var (
		report  ReconcileReport
		session models.Session
	)
	err := c.run(ctx, "reconcile", sessionID, func(tx *store.SessionTx) error {
		s := tx.Session
		report = ReconcileReport{
			SessionID:       sessionID,
			ConfirmedBefore: s.ConfirmedCount,
			WaitlistBefore:  s.WaitlistCount,
			StatusBefore:    s.Status,
		}

		now := c.now()
		report.Promoted = fillSeats(tx, now)
		report.Renumbered = compactWaitlist(tx, now)
		if err := recount(tx, now); err != nil {
			return err
		}

		report.ConfirmedAfter = s.ConfirmedCount
		report.WaitlistAfter = s.WaitlistCount
		report.StatusAfter = s.Status
		session = *s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if report.Changed() {
		c.logger.Warn("Session reconciled with repairs",
			"session_id", sessionID,
			"confirmed_before", report.ConfirmedBefore,
			"confirmed_after", report.ConfirmedAfter,
			"waitlist_before", report.WaitlistBefore,
			"waitlist_after", report.WaitlistAfter,
			"renumbered", report.Renumbered,
			"promoted", len(report.Promoted),
		)
		c.publishPromotions(ctx, &session, report.Promoted)
		c.publishCapacity(ctx, &session)
	}
	if report.Promoted == nil {
		report.Promoted = []models.PromotedUser{}
	}
	return &report, nil
}

// fillSeats promotes waitlisted RSVPs in position order while seats remain.
func fillSeats(tx *store.SessionTx, now time.Time) []models.PromotedUser {
	var promoted []models.PromotedUser

	free := tx.Session.Capacity - len(tx.Confirmed())
	for _, r := range tx.Waitlisted() {
		if free <= 0 {
			break
		}
		promotedAt := now
		r.Status = models.RSVPConfirmed
		r.Position = nil
		r.PromotedAt = &promotedAt
		r.UpdatedAt = now
		tx.Mark(r)

		promoted = append(promoted, models.PromotedUser{RSVPID: r.ID, UserID: r.UserID, UserName: r.UserName})
		free--
	}
	return promoted
}

// compactWaitlist renumbers the waitlist to 1..n in queue order and returns
// how many positions moved.
func compactWaitlist(tx *store.SessionTx, now time.Time) int {
	moved := 0
	for i, r := range tx.Waitlisted() {
		want := i + 1
		if r.PositionValue() == want {
			continue
		}
		r.Position = &want
		r.UpdatedAt = now
		tx.Mark(r)
		moved++
	}
	return moved
}

// recount derives the cached counters and status from the live RSVPs.
func recount(tx *store.SessionTx, now time.Time) error {
	s := tx.Session
	confirmed := len(tx.Confirmed())
	if confirmed > s.Capacity {
		return fmt.Errorf("%w: %d confirmed for %d seats", status.ErrCapacityExceeded, confirmed, s.Capacity)
	}

	s.ConfirmedCount = confirmed
	s.WaitlistCount = len(tx.Waitlisted())
	s.Status = s.DeriveStatus()
	s.UpdatedAt = now
	return nil
}

func (c *AdmissionController) publishPromotions(ctx context.Context, session *models.Session, promoted []models.PromotedUser) {
	for _, p := range promoted {
		c.logger.Info("Waitlisted RSVP promoted", "session_id", session.ID, "user_id", p.UserID, "rsvp_id", p.RSVPID)
		c.notifier.NotifyPromoted(ctx, session, p)
	}
}

func (c *AdmissionController) publishCapacity(ctx context.Context, session *models.Session) {
	snapshot := Snapshot(session)
	c.recorder.TrackCapacity(snapshot)
	c.notifier.NotifyCapacity(ctx, snapshot)
}

func validateSessionInput(eventID string, in models.SessionInput) error {
	if strings.TrimSpace(eventID) == "" {
		return status.Validation("event_id is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return status.Validation("title is required")
	}
	if err := validateCapacity(in.Capacity); err != nil {
		return err
	}
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		return status.Validation("start_time and end_time are required")
	}
	if in.EndTime.Before(in.StartTime) {
		return status.Validation("end_time must not be before start_time")
	}
	return nil
}

func validateCapacity(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: capacity must be a positive integer", status.ErrInvalidCapacity)
	}
	if capacity > MaxSessionCapacity {
		return fmt.Errorf("%w: capacity cannot exceed 100,000", status.ErrInvalidCapacity)
	}
	return nil
}

func validateRSVP(userID string, user models.UserInfo) error {
	if strings.TrimSpace(userID) == "" {
		return status.Validation("user_id is required")
	}

	in := models.UserInfo{Name: strings.TrimSpace(user.Name), Email: strings.TrimSpace(user.Email)}
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required),
		validation.Field(&in.Email, validation.Required, is.EmailFormat),
	)
	if err != nil {
		return status.Validation("%v", err)
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) TrackOperation(string, string, time.Duration) {}
func (nopRecorder) TrackConflictRetry(string) {}
func (nopRecorder) TrackCapacity(models.CapacitySnapshot) {}

type nopNotifier struct{}

func (nopNotifier) NotifyPromoted(context.Context, *models.Session, models.PromotedUser) {}
func (nopNotifier) NotifyCapacity(context.Context, models.CapacitySnapshot) {}
