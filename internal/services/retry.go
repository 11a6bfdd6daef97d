package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rsvp-system/internal/status"
	"rsvp-system/internal/store"

	"github.com/cenkalti/backoff/v5"
)

// run executes fn inside a session transaction, retrying lost races with
// exponential backoff. Each attempt sees a fresh snapshot.
func (c *AdmissionController) run(ctx context.Context, operation, sessionID string, fn func(tx *store.SessionTx) error) error {
	start := time.Now()

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := c.store.Atomically(ctx, sessionID, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, store.ErrConflict) {
			c.recorder.TrackConflictRetry(operation)
			c.logger.Debug("Session transaction conflicted",
				"operation", operation,
				"session_id", sessionID,
				"attempt", attempts,
			)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxAttempts)),
	)

	err = mapStoreError(err)
	c.recorder.TrackOperation(operation, outcome(err), time.Since(start))
	if errors.Is(err, status.ErrConflict) {
		c.logger.Warn("Session transaction retries exhausted",
			"operation", operation,
			"session_id", sessionID,
			"attempts", attempts,
		)
	}
	return err
}

func (c *AdmissionController) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = 50 * c.retryBase
	return b
}

// mapStoreError translates storage errors into the caller-facing taxonomy.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return status.ErrSessionNotFound
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %v", status.ErrConflict, err)
	}
	return err
}

func outcome(err error) string {
	var already *status.AlreadyRegisteredError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &already):
		return "already_registered"
	case errors.Is(err, status.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, status.ErrRSVPNotFound):
		return "rsvp_not_found"
	case errors.Is(err, status.ErrSessionClosed):
		return "closed"
	case errors.Is(err, status.ErrConflict):
		return "conflict"
	case errors.Is(err, status.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, status.ErrInvalidCapacity), errors.Is(err, status.ErrValidation):
		return "invalid"
	}
	return "error"
}
