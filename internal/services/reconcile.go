package services

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ReconcileEvent reconciles every session of an event, at most concurrency
// sessions at a time. Each session commits on its own. The first failure
// cancels sessions not yet started and is returned with the partial reports.
func (c *AdmissionController) ReconcileEvent(ctx context.Context, eventID string, concurrency int) ([]ReconcileReport, error) {
	sessions, err := c.store.ListSessions(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	reports := make([]ReconcileReport, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, session := range sessions {
		g.Go(func() error {
			report, err := c.Reconcile(gctx, session.ID)
			if err != nil {
				return fmt.Errorf("reconcile session %s: %w", session.ID, err)
			}
			reports[i] = *report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}
