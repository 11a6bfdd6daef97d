// Package redisstore keeps sessions and RSVPs in Redis. Every admission
// transaction WATCHes the session key and writes it on commit, so two
// writers of the same session can never both succeed.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rsvp-system/internal/store"
	"rsvp-system/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Store struct {
	Redis *redis.Client
}

func New(redisClient *redis.Client) *Store {
	return &Store{Redis: redisClient}
}

var _ store.Store = (*Store)(nil)

func sessionKey(sessionID string) string {
	return fmt.Sprintf("rsvp:session:%s", sessionID)
}

func eventSessionsKey(eventID string) string {
	return fmt.Sprintf("rsvp:event:%s:sessions", eventID)
}

func rsvpKey(rsvpID string) string {
	return fmt.Sprintf("rsvp:record:%s", rsvpID)
}

func statusKey(sessionID string, status models.RSVPStatus) string {
	return fmt.Sprintf("rsvp:session:%s:%s", sessionID, status)
}

func usersKey(sessionID string) string {
	return fmt.Sprintf("rsvp:session:%s:users", sessionID)
}

// reader is the subset of commands shared by *redis.Client and *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(session.ID), data, 0)
		pipe.ZAdd(ctx, eventSessionsKey(session.EventID), redis.Z{
			Score:  float64(session.StartTime.Unix()),
			Member: session.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return getSession(ctx, s.Redis, sessionID)
}

func getSession(ctx context.Context, r reader, sessionID string) (*models.Session, error) {
	data, err := r.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *Store) ListSessions(ctx context.Context, eventID string) ([]models.Session, error) {
	ids, err := s.Redis.ZRange(ctx, eventSessionsKey(eventID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := s.Redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	sessions := make([]models.Session, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // index entry without a record
		}
		var session models.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", ids[i], err)
		}
		sessions = append(sessions, session)
	}
	store.SortSessions(sessions)
	return sessions, nil
}

func (s *Store) ListRSVPs(ctx context.Context, sessionID string, status models.RSVPStatus) ([]models.RSVP, error) {
	records, err := loadByStatus(ctx, s.Redis, sessionID, status)
	if err != nil {
		return nil, err
	}

	out := make([]models.RSVP, 0, len(records))
	for _, r := range records {
		out = append(out, *r)
	}
	store.SortRSVPs(out, status)
	return out, nil
}

func loadByStatus(ctx context.Context, r reader, sessionID string, statuses ...models.RSVPStatus) ([]*models.RSVP, error) {
	var ids []string
	for _, st := range statuses {
		members, err := r.SMembers(ctx, statusKey(sessionID, st)).Result()
		if err != nil {
			return nil, fmt.Errorf("list %s rsvps: %w", st, err)
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = rsvpKey(id)
	}
	values, err := r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load rsvps: %w", err)
	}

	out := make([]*models.RSVP, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rsvp models.RSVP
		if err := json.Unmarshal([]byte(raw), &rsvp); err != nil {
			return nil, fmt.Errorf("decode rsvp %s: %w", ids[i], err)
		}
		out = append(out, &rsvp)
	}
	return out, nil
}

func (s *Store) Atomically(ctx context.Context, sessionID string, fn func(tx *store.SessionTx) error) error {
	key := sessionKey(sessionID)

	err := s.Redis.Watch(ctx, func(tx *redis.Tx) error {
		session, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		live, err := loadByStatus(ctx, tx, sessionID, models.RSVPConfirmed, models.RSVPWaitlisted)
		if err != nil {
			return err
		}

		stx := store.NewSessionTx(session, live)
		if err := fn(stx); err != nil {
			return err
		}

		changes := stx.Changes()
		encoded := make([][]byte, len(changes))
		for i, c := range changes {
			if c.RSVP.ID == "" {
				c.RSVP.ID = uuid.NewString()
			}
			if encoded[i], err = json.Marshal(c.RSVP); err != nil {
				return fmt.Errorf("encode rsvp: %w", err)
			}
		}
		sessionData, err := json.Marshal(stx.Session)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, sessionData, 0)
			for i, c := range changes {
				r := c.RSVP
				pipe.Set(ctx, rsvpKey(r.ID), encoded[i], 0)
				if c.Previous != r.Status {
					if c.Previous != "" {
						pipe.SRem(ctx, statusKey(sessionID, c.Previous), r.ID)
					}
					pipe.SAdd(ctx, statusKey(sessionID, r.Status), r.ID)
				}
				if r.Status.Live() {
					pipe.HSet(ctx, usersKey(sessionID), r.UserID, r.ID)
				} else if c.Previous.Live() {
					pipe.HDel(ctx, usersKey(sessionID), r.UserID)
				}
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) FindLiveRSVP(ctx context.Context, sessionID, userID string) (*models.RSVP, error) {
	id, err := s.Redis.HGet(ctx, usersKey(sessionID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user rsvp: %w", err)
	}

	data, err := s.Redis.Get(ctx, rsvpKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rsvp: %w", err)
	}

	var rsvp models.RSVP
	if err := json.Unmarshal(data, &rsvp); err != nil {
		return nil, fmt.Errorf("decode rsvp %s: %w", id, err)
	}
	if !rsvp.Status.Live() {
		return nil, store.ErrNotFound
	}
	return &rsvp, nil
}
