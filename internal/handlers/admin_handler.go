package handlers

import (
	"net/http"

	"rsvp-system/internal/services"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// AdminHandler serves superuser-only session management. Routes are guarded
// with apis.RequireSuperuserAuth when registered.
type AdminHandler struct {
	admission *services.AdmissionController
	reporter  *services.CapacityReporter
}

func NewAdminHandler(admission *services.AdmissionController, reporter *services.CapacityReporter) *AdminHandler {
	return &AdminHandler{admission: admission, reporter: reporter}
}

// UpdateCapacity - Change seat count, admitting waitlisted users into new seats
func (h *AdminHandler) UpdateCapacity(e *core.RequestEvent) error {
	var req struct {
		Capacity int `json:"capacity"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	update, err := h.admission.UpdateCapacity(e.Request.Context(), e.Request.PathValue("sessionId"), req.Capacity)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, update)
}

func (h *AdminHandler) CloseSession(e *core.RequestEvent) error {
	session, err := h.admission.CloseSession(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, session)
}

func (h *AdminHandler) ReopenSession(e *core.RequestEvent) error {
	session, err := h.admission.ReopenSession(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, session)
}

// Reconcile - Rebuild counters and waitlist positions from the RSVP index
func (h *AdminHandler) Reconcile(e *core.RequestEvent) error {
	report, err := h.admission.Reconcile(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"changed": report.Changed(), "report": report})
}

// Audit - Read-only invariant check
func (h *AdminHandler) Audit(e *core.RequestEvent) error {
	report, err := h.reporter.Audit(e.Request.Context(), e.Request.PathValue("sessionId"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"healthy": report.Healthy(), "report": report})
}
