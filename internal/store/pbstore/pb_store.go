// Package pbstore keeps sessions and RSVPs as PocketBase records.
// PocketBase serializes write transactions on its single writer
// connection, which gives Atomically per-session serializability.
package pbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rsvp-system/internal/store"
	"rsvp-system/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

type Store struct {
	app core.App
}

func New(app core.App) *Store {
	return &Store{app: app}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	collection, err := s.app.FindCollectionByNameOrId(SessionsCollection)
	if err != nil {
		return fmt.Errorf("find sessions collection: %w", err)
	}

	record := core.NewRecord(collection)
	fillSessionRecord(record, session)
	if err := s.app.SaveWithContext(ctx, record); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	session.ID = record.Id
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	record, err := s.app.FindRecordById(SessionsCollection, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sessionFromRecord(record), nil
}

func (s *Store) ListSessions(ctx context.Context, eventID string) ([]models.Session, error) {
	records := []*core.Record{}
	err := s.app.RecordQuery(SessionsCollection).
		WithContext(ctx).
		AndWhere(dbx.HashExp{"event_id": eventID}).
		OrderBy("start_time ASC", "created_at ASC").
		All(&records)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]models.Session, 0, len(records))
	for _, record := range records {
		sessions = append(sessions, *sessionFromRecord(record))
	}
	store.SortSessions(sessions)
	return sessions, nil
}

func (s *Store) ListRSVPs(ctx context.Context, sessionID string, status models.RSVPStatus) ([]models.RSVP, error) {
	records := []*core.Record{}
	err := s.app.RecordQuery(RSVPsCollection).
		WithContext(ctx).
		AndWhere(dbx.HashExp{"session_id": sessionID, "status": string(status)}).
		All(&records)
	if err != nil {
		return nil, fmt.Errorf("list %s rsvps: %w", status, err)
	}

	out := make([]models.RSVP, 0, len(records))
	for _, record := range records {
		out = append(out, *rsvpFromRecord(record))
	}
	store.SortRSVPs(out, status)
	return out, nil
}

func (s *Store) FindLiveRSVP(ctx context.Context, sessionID, userID string) (*models.RSVP, error) {
	record, err := s.app.FindFirstRecordByFilter(
		RSVPsCollection,
		"session_id = {:sessionId} && user_id = {:userId} && status != 'cancelled'",
		dbx.Params{"sessionId": sessionID, "userId": userID},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find rsvp: %w", err)
	}
	return rsvpFromRecord(record), nil
}

func (s *Store) Atomically(ctx context.Context, sessionID string, fn func(tx *store.SessionTx) error) error {
	err := s.app.RunInTransaction(func(txApp core.App) error {
		sessionRecord, err := txApp.FindRecordById(SessionsCollection, sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}

		liveRecords := []*core.Record{}
		err = txApp.RecordQuery(RSVPsCollection).
			WithContext(ctx).
			AndWhere(dbx.HashExp{"session_id": sessionID}).
			AndWhere(dbx.In("status", string(models.RSVPConfirmed), string(models.RSVPWaitlisted))).
			All(&liveRecords)
		if err != nil {
			return fmt.Errorf("load live rsvps: %w", err)
		}

		backing := make(map[*models.RSVP]*core.Record, len(liveRecords))
		live := make([]*models.RSVP, 0, len(liveRecords))
		for _, record := range liveRecords {
			r := rsvpFromRecord(record)
			backing[r] = record
			live = append(live, r)
		}

		stx := store.NewSessionTx(sessionFromRecord(sessionRecord), live)
		if err := fn(stx); err != nil {
			return err
		}

		var rsvps *core.Collection
		for _, c := range stx.Changes() {
			record := backing[c.RSVP]
			if record == nil {
				if rsvps == nil {
					if rsvps, err = txApp.FindCollectionByNameOrId(RSVPsCollection); err != nil {
						return fmt.Errorf("find rsvps collection: %w", err)
					}
				}
				record = core.NewRecord(rsvps)
			}
			fillRSVPRecord(record, c.RSVP)
			if err := txApp.SaveWithContext(ctx, record); err != nil {
				return fmt.Errorf("save rsvp: %w", err)
			}
			c.RSVP.ID = record.Id
		}

		fillSessionRecord(sessionRecord, stx.Session)
		if err := txApp.SaveWithContext(ctx, sessionRecord); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	})
	if err != nil && isBusy(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func fillSessionRecord(record *core.Record, s *models.Session) {
	record.Set("event_id", s.EventID)
	record.Set("title", s.Title)
	record.Set("description", s.Description)
	record.Set("location", s.Location)
	record.Set("capacity", s.Capacity)
	record.Set("confirmed_count", s.ConfirmedCount)
	record.Set("waitlist_count", s.WaitlistCount)
	record.Set("status", string(s.Status))
	record.Set("start_time", s.StartTime)
	record.Set("end_time", s.EndTime)
	record.Set("created_at", s.CreatedAt)
	record.Set("updated_at", s.UpdatedAt)
}

func sessionFromRecord(record *core.Record) *models.Session {
	return &models.Session{
		ID:             record.Id,
		EventID:        record.GetString("event_id"),
		Title:          record.GetString("title"),
		Description:    record.GetString("description"),
		Location:       record.GetString("location"),
		Capacity:       record.GetInt("capacity"),
		ConfirmedCount: record.GetInt("confirmed_count"),
		WaitlistCount:  record.GetInt("waitlist_count"),
		Status:         models.SessionStatus(record.GetString("status")),
		StartTime:      record.GetDateTime("start_time").Time(),
		EndTime:        record.GetDateTime("end_time").Time(),
		CreatedAt:      record.GetDateTime("created_at").Time(),
		UpdatedAt:      record.GetDateTime("updated_at").Time(),
	}
}

func fillRSVPRecord(record *core.Record, r *models.RSVP) {
	record.Set("session_id", r.SessionID)
	record.Set("user_id", r.UserID)
	record.Set("user_name", r.UserName)
	record.Set("user_email", r.UserEmail)
	record.Set("status", string(r.Status))
	record.Set("position", r.PositionValue())
	record.Set("registered_at", r.RegisteredAt)
	record.Set("promoted_at", optionalTime(r.PromotedAt))
	record.Set("cancelled_at", optionalTime(r.CancelledAt))
	record.Set("updated_at", r.UpdatedAt)
}

func rsvpFromRecord(record *core.Record) *models.RSVP {
	r := &models.RSVP{
		ID:           record.Id,
		SessionID:    record.GetString("session_id"),
		UserID:       record.GetString("user_id"),
		UserName:     record.GetString("user_name"),
		UserEmail:    record.GetString("user_email"),
		Status:       models.RSVPStatus(record.GetString("status")),
		RegisteredAt: record.GetDateTime("registered_at").Time(),
		PromotedAt:   timePointer(record, "promoted_at"),
		CancelledAt:  timePointer(record, "cancelled_at"),
		UpdatedAt:    record.GetDateTime("updated_at").Time(),
	}
	if pos := record.GetInt("position"); pos > 0 {
		r.Position = &pos
	}
	return r
}

// optionalTime maps nil to the empty value PocketBase stores for unset dates.
func optionalTime(t *time.Time) any {
	if t == nil {
		return ""
	}
	return *t
}

func timePointer(record *core.Record, field string) *time.Time {
	dt := record.GetDateTime(field)
	if dt.IsZero() {
		return nil
	}
	t := dt.Time()
	return &t
}
