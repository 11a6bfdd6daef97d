package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"rsvp-system/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// respondError maps admission errors to HTTP responses.
func respondError(e *core.RequestEvent, err error) error {
	var already *status.AlreadyRegisteredError
	switch {
	case errors.As(err, &already):
		body := map[string]any{
			"status":  http.StatusConflict,
			"message": "Already registered for this session",
			"rsvp": map[string]any{
				"id":     already.RSVPID,
				"status": already.Status,
			},
		}
		if already.Position != nil {
			body["rsvp"].(map[string]any)["position"] = *already.Position
		}
		return e.JSON(http.StatusConflict, body)
	case errors.Is(err, status.ErrSessionNotFound):
		return apis.NewNotFoundError("Session not found", nil)
	case errors.Is(err, status.ErrRSVPNotFound):
		return apis.NewNotFoundError("No active RSVP for this user", nil)
	case errors.Is(err, status.ErrSessionClosed):
		return apis.NewApiError(http.StatusConflict, "Session is closed for registration", nil)
	case errors.Is(err, status.ErrConflict):
		return apis.NewApiError(http.StatusServiceUnavailable, "Session is busy, please retry", nil)
	case errors.Is(err, status.ErrInvalidCapacity), errors.Is(err, status.ErrValidation):
		return apis.NewBadRequestError(err.Error(), nil)
	case errors.Is(err, status.ErrCapacityExceeded):
		slog.Error("Capacity invariant violated", "error", err, "path", e.Request.URL.Path)
		return apis.NewInternalServerError("Session capacity check failed", nil)
	}

	slog.Error("Request failed", "error", err, "path", e.Request.URL.Path)
	return apis.NewInternalServerError("Internal error", nil)
}
