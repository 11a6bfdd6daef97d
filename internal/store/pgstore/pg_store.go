// Package pgstore keeps sessions and RSVPs in PostgreSQL using pgx.
//
// Atomically takes a row lock on the session with SELECT ... FOR UPDATE, so
// concurrent transactions on one session queue behind each other while
// other sessions proceed untouched.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"rsvp-system/internal/store"
	"rsvp-system/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	event_id        TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	location        TEXT NOT NULL DEFAULT '',
	capacity        INT  NOT NULL CHECK (capacity > 0),
	confirmed_count INT  NOT NULL DEFAULT 0 CHECK (confirmed_count >= 0 AND confirmed_count <= capacity),
	waitlist_count  INT  NOT NULL DEFAULT 0 CHECK (waitlist_count >= 0),
	status          TEXT NOT NULL,
	start_time      TIMESTAMPTZ NOT NULL,
	end_time        TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_event_start ON sessions (event_id, start_time);

CREATE TABLE IF NOT EXISTS rsvps (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
	user_id       TEXT NOT NULL,
	user_name     TEXT NOT NULL DEFAULT '',
	user_email    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	position      INT,
	registered_at TIMESTAMPTZ NOT NULL,
	promoted_at   TIMESTAMPTZ,
	cancelled_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rsvps_session_status ON rsvps (session_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rsvps_live_user ON rsvps (session_id, user_id) WHERE status <> 'cancelled';
`

const (
	sessionColumns = `id, event_id, title, description, location, capacity, confirmed_count,
		waitlist_count, status, start_time, end_time, created_at, updated_at`
	rsvpColumns = `id, session_id, user_id, user_name, user_email, status, position,
		registered_at, promoted_at, cancelled_at, updated_at`
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)

// EnsureSchema creates the tables and indexes when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		session.ID, session.EventID, session.Title, session.Description, session.Location,
		session.Capacity, session.ConfirmedCount, session.WaitlistCount, string(session.Status),
		session.StartTime, session.EndTime, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, eventID string) ([]models.Session, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE event_id = $1
		 ORDER BY start_time ASC, created_at ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (s *Store) ListRSVPs(ctx context.Context, sessionID string, status models.RSVPStatus) ([]models.RSVP, error) {
	live, err := queryRSVPs(ctx, s.db,
		`SELECT `+rsvpColumns+` FROM rsvps WHERE session_id = $1 AND status = $2`,
		sessionID, string(status),
	)
	if err != nil {
		return nil, err
	}

	out := make([]models.RSVP, 0, len(live))
	for _, r := range live {
		out = append(out, *r)
	}
	store.SortRSVPs(out, status)
	return out, nil
}

func (s *Store) FindLiveRSVP(ctx context.Context, sessionID, userID string) (*models.RSVP, error) {
	found, err := queryRSVPs(ctx, s.db,
		`SELECT `+rsvpColumns+` FROM rsvps
		 WHERE session_id = $1 AND user_id = $2 AND status <> 'cancelled'`,
		sessionID, userID,
	)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, store.ErrNotFound
	}
	return found[0], nil
}

func (s *Store) Atomically(ctx context.Context, sessionID string, fn func(tx *store.SessionTx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Row lock on the session: writers of the same session serialize here.
	session, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`,
		sessionID,
	))
	if err != nil {
		return err
	}

	live, err := queryRSVPs(ctx, tx,
		`SELECT `+rsvpColumns+` FROM rsvps
		 WHERE session_id = $1 AND status IN ('confirmed', 'waitlisted')`,
		sessionID,
	)
	if err != nil {
		return err
	}

	stx := store.NewSessionTx(session, live)
	if err = fn(stx); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, c := range stx.Changes() {
		r := c.RSVP
		if c.Previous == "" {
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			batch.Queue(
				`INSERT INTO rsvps (`+rsvpColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				r.ID, r.SessionID, r.UserID, r.UserName, r.UserEmail, string(r.Status), r.Position,
				r.RegisteredAt, r.PromotedAt, r.CancelledAt, r.UpdatedAt,
			)
			continue
		}
		batch.Queue(
			`UPDATE rsvps
			 SET status = $2, position = $3, promoted_at = $4, cancelled_at = $5, updated_at = $6
			 WHERE id = $1`,
			r.ID, string(r.Status), r.Position, r.PromotedAt, r.CancelledAt, r.UpdatedAt,
		)
	}
	ss := stx.Session
	batch.Queue(
		`UPDATE sessions
		 SET capacity = $2, confirmed_count = $3, waitlist_count = $4, status = $5, updated_at = $6
		 WHERE id = $1`,
		ss.ID, ss.Capacity, ss.ConfirmedCount, ss.WaitlistCount, string(ss.Status), ss.UpdatedAt,
	)

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write session changes: %w", mapError(err))
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// mapError turns contention failures into store.ErrConflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		s      models.Session
		status string
	)
	err := row.Scan(&s.ID, &s.EventID, &s.Title, &s.Description, &s.Location, &s.Capacity,
		&s.ConfirmedCount, &s.WaitlistCount, &status, &s.StartTime, &s.EndTime, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = models.SessionStatus(status)
	return &s, nil
}

func queryRSVPs(ctx context.Context, q querier, sql string, args ...any) ([]*models.RSVP, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query rsvps: %w", err)
	}
	defer rows.Close()

	var out []*models.RSVP
	for rows.Next() {
		var (
			r      models.RSVP
			status string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.UserName, &r.UserEmail, &status,
			&r.Position, &r.RegisteredAt, &r.PromotedAt, &r.CancelledAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rsvp: %w", err)
		}
		r.Status = models.RSVPStatus(status)
		out = append(out, &r)
	}
	return out, rows.Err()
}
