package services

import (
	"context"
	"fmt"
	"log/slog"

	"rsvp-system/internal/status"
	"rsvp-system/internal/store"
	"rsvp-system/models"

	"github.com/shopspring/decimal"
)

// CapacityReporter answers read-only capacity questions. It never writes.
type CapacityReporter struct {
	reader   store.Reader
	recorder Recorder
	logger   *slog.Logger
}

func NewCapacityReporter(reader store.Reader, recorder Recorder, logger *slog.Logger) *CapacityReporter {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CapacityReporter{reader: reader, recorder: recorder, logger: logger}
}

// LiveCapacity reports every session of the event from its cached counters,
// ordered by start time.
func (r *CapacityReporter) LiveCapacity(ctx context.Context, eventID string) ([]models.CapacitySnapshot, error) {
	sessions, err := r.reader.ListSessions(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	snapshots := make([]models.CapacitySnapshot, 0, len(sessions))
	for i := range sessions {
		snapshot := Snapshot(&sessions[i])
		r.recorder.TrackCapacity(snapshot)
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (r *CapacityReporter) SessionCapacity(ctx context.Context, sessionID string) (*models.CapacitySnapshot, error) {
	session, err := r.reader.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	snapshot := Snapshot(session)
	r.recorder.TrackCapacity(snapshot)
	return &snapshot, nil
}

// Snapshot converts cached counters into a capacity view. Occupancy is a
// whole percentage rounded half away from zero.
func Snapshot(s *models.Session) models.CapacitySnapshot {
	var rate int64
	if s.Capacity > 0 {
		rate = decimal.NewFromInt(int64(s.ConfirmedCount)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(s.Capacity))).
			Round(0).
			IntPart()
	}

	return models.CapacitySnapshot{
		SessionID:     s.ID,
		Title:         s.Title,
		Capacity:      s.Capacity,
		Confirmed:     s.ConfirmedCount,
		Waitlisted:    s.WaitlistCount,
		Available:     s.Available(),
		OccupancyRate: rate,
		Status:        s.Status,
	}
}

// AuditReport compares a session's cached counters with its RSVP index.
type AuditReport struct {
	SessionID         string   `json:"session_id"`
	Capacity          int      `json:"capacity"`
	CachedConfirmed   int      `json:"cached_confirmed"`
	CachedWaitlisted  int      `json:"cached_waitlisted"`
	ActualConfirmed   int      `json:"actual_confirmed"`
	ActualWaitlisted  int      `json:"actual_waitlisted"`
	WaitlistPositions []int    `json:"waitlist_positions"`
	Violations        []string `json:"violations"`
}

func (a *AuditReport) Healthy() bool {
	return len(a.Violations) == 0
}

// Audit checks the capacity bound, the counters and waitlist density
// without modifying anything. Reads are not transactional, so a report taken
// during heavy traffic may show transient drift.
func (r *CapacityReporter) Audit(ctx context.Context, sessionID string) (*AuditReport, error) {
	session, err := r.reader.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	confirmed, err := r.reader.ListRSVPs(ctx, sessionID, models.RSVPConfirmed)
	if err != nil {
		return nil, fmt.Errorf("list confirmed: %w", err)
	}
	waitlisted, err := r.reader.ListRSVPs(ctx, sessionID, models.RSVPWaitlisted)
	if err != nil {
		return nil, fmt.Errorf("list waitlisted: %w", err)
	}

	report := &AuditReport{
		SessionID:         sessionID,
		Capacity:          session.Capacity,
		CachedConfirmed:   session.ConfirmedCount,
		CachedWaitlisted:  session.WaitlistCount,
		ActualConfirmed:   len(confirmed),
		ActualWaitlisted:  len(waitlisted),
		WaitlistPositions: make([]int, 0, len(waitlisted)),
		Violations:        []string{},
	}

	if report.ActualConfirmed > session.Capacity {
		report.Violations = append(report.Violations,
			fmt.Sprintf("%v: %d confirmed for %d seats", status.ErrCapacityExceeded, report.ActualConfirmed, session.Capacity))
	}
	if report.CachedConfirmed != report.ActualConfirmed {
		report.Violations = append(report.Violations,
			fmt.Sprintf("confirmed counter is %d, index holds %d", report.CachedConfirmed, report.ActualConfirmed))
	}
	if report.CachedWaitlisted != report.ActualWaitlisted {
		report.Violations = append(report.Violations,
			fmt.Sprintf("waitlist counter is %d, index holds %d", report.CachedWaitlisted, report.ActualWaitlisted))
	}
	for i, w := range waitlisted {
		report.WaitlistPositions = append(report.WaitlistPositions, w.PositionValue())
		if w.PositionValue() != i+1 {
			report.Violations = append(report.Violations,
				fmt.Sprintf("waitlist entry %s at position %d, expected %d", w.ID, w.PositionValue(), i+1))
		}
	}
	if len(waitlisted) > 0 && len(confirmed) < session.Capacity {
		report.Violations = append(report.Violations,
			fmt.Sprintf("%d seats free while %d are waitlisted", session.Capacity-len(confirmed), len(waitlisted)))
	}
	if session.Status != models.SessionClosed && session.Status != session.DeriveStatus() {
		report.Violations = append(report.Violations,
			fmt.Sprintf("status is %s, counters imply %s", session.Status, session.DeriveStatus()))
	}

	if !report.Healthy() {
		r.logger.Warn("Session audit found violations", "session_id", sessionID, "violations", len(report.Violations))
	}
	return report, nil
}
