package handlers

import (
	"net/http"

	"rsvp-system/internal/services"
	"rsvp-system/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type SessionHandler struct {
	admission *services.AdmissionController
	reporter  *services.CapacityReporter
}

func NewSessionHandler(admission *services.AdmissionController, reporter *services.CapacityReporter) *SessionHandler {
	return &SessionHandler{admission: admission, reporter: reporter}
}

// CreateSession - Create a session under an event (superuser only)
func (h *SessionHandler) CreateSession(e *core.RequestEvent) error {
	var req models.SessionInput
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	session, err := h.admission.CreateSession(e.Request.Context(), e.Request.PathValue("eventId"), req)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusCreated, session)
}

// ListSessions - Sessions of an event ordered by start time
func (h *SessionHandler) ListSessions(e *core.RequestEvent) error {
	eventID := e.Request.PathValue("eventId")

	sessions, err := h.admission.GetSessions(e.Request.Context(), eventID)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"event_id": eventID, "sessions": sessions})
}

// GetSession - Session detail with its capacity snapshot
func (h *SessionHandler) GetSession(e *core.RequestEvent) error {
	session, err := h.admission.GetSession(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"session":  session,
		"capacity": services.Snapshot(session),
	})
}

// LiveCapacity - Capacity of every session of an event
func (h *SessionHandler) LiveCapacity(e *core.RequestEvent) error {
	eventID := e.Request.PathValue("eventId")

	snapshots, err := h.reporter.LiveCapacity(e.Request.Context(), eventID)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"event_id": eventID, "sessions": snapshots})
}
