package handlers

import (
	"net/http"

	"rsvp-system/internal/services"
	"rsvp-system/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type RSVPHandler struct {
	admission *services.AdmissionController
}

func NewRSVPHandler(admission *services.AdmissionController) *RSVPHandler {
	return &RSVPHandler{admission: admission}
}

type rsvpRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// RSVP - Register for a session, confirmed or waitlisted
func (h *RSVPHandler) RSVP(e *core.RequestEvent) error {
	var req rsvpRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	userID, err := requestUserID(e, req.UserID)
	if err != nil {
		return err
	}
	user := models.UserInfo{Name: req.Name, Email: req.Email}
	if userID == e.Auth.Id {
		if user.Name == "" {
			user.Name = e.Auth.GetString("name")
		}
		if user.Email == "" {
			user.Email = e.Auth.Email()
		}
	}

	result, err := h.admission.RSVP(e.Request.Context(), e.Request.PathValue("sessionId"), userID, user)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusCreated, result)
}

// Cancel - Withdraw the caller's RSVP
func (h *RSVPHandler) Cancel(e *core.RequestEvent) error {
	var req rsvpRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	userID, err := requestUserID(e, req.UserID)
	if err != nil {
		return err
	}

	result, err := h.admission.Cancel(e.Request.Context(), e.Request.PathValue("sessionId"), userID)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, result)
}

// MyRSVP - The caller's live RSVP with its waitlist position
func (h *RSVPHandler) MyRSVP(e *core.RequestEvent) error {
	userID, err := requestUserID(e, e.Request.URL.Query().Get("user_id"))
	if err != nil {
		return err
	}

	rsvp, err := h.admission.GetUserRSVP(e.Request.Context(), e.Request.PathValue("sessionId"), userID)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, rsvp)
}

// Attendees - Confirmed and waitlisted attendees of a session
func (h *RSVPHandler) Attendees(e *core.RequestEvent) error {
	attendees, err := h.admission.GetAttendees(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, attendees)
}

// requestUserID resolves whose RSVP the request acts on. Users always act on
// their own record; only superusers may name another user.
func requestUserID(e *core.RequestEvent, requested string) (string, error) {
	if e.Auth == nil {
		return "", apis.NewUnauthorizedError("Unauthorized", nil)
	}
	if requested != "" && e.HasSuperuserAuth() {
		return requested, nil
	}
	return e.Auth.Id, nil
}
