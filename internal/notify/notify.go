// Package notify pushes admission updates to PubNub channels: promotions go
// to the promoted user's channel, capacity changes to the session channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rsvp-system/models"
	"rsvp-system/utils"

	pubnub "github.com/pubnub/go"
)

const (
	MessagePromoted = "rsvp_promoted"
	MessageCapacity = "capacity_update"
)

func UserChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

func SessionChannel(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// PublishFunc sends one message to one channel.
type PublishFunc func(channel string, message map[string]any) error

// Publisher turns admission events into channel messages. Delivery is best
// effort: failures are logged and counted by the breaker, never returned.
type Publisher struct {
	publish PublishFunc
	breaker *utils.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time
}

func NewPublisher(publish PublishFunc, breaker *utils.CircuitBreaker, logger *slog.Logger) *Publisher {
	if breaker == nil {
		breaker = utils.NewCircuitBreaker("pubnub", utils.DefaultBreakerSettings())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{publish: publish, breaker: breaker, logger: logger, now: time.Now}
}

// NewPubNubPublisher publishes through a PubNub client.
func NewPubNubPublisher(pn *pubnub.PubNub, logger *slog.Logger) *Publisher {
	return NewPublisher(func(channel string, message map[string]any) error {
		_, _, err := pn.Publish().
			Channel(channel).
			Message(message).
			Execute()
		return err
	}, nil, logger)
}

func (p *Publisher) NotifyPromoted(ctx context.Context, session *models.Session, promoted models.PromotedUser) {
	p.send(ctx, UserChannel(promoted.UserID), map[string]any{
		"type":       MessagePromoted,
		"session_id": session.ID,
		"event_id":   session.EventID,
		"title":      session.Title,
		"rsvp_id":    promoted.RSVPID,
		"status":     models.RSVPConfirmed,
		"timestamp":  p.now().Unix(),
	})
}

func (p *Publisher) NotifyCapacity(ctx context.Context, snapshot models.CapacitySnapshot) {
	p.send(ctx, SessionChannel(snapshot.SessionID), map[string]any{
		"type":           MessageCapacity,
		"session_id":     snapshot.SessionID,
		"capacity":       snapshot.Capacity,
		"confirmed":      snapshot.Confirmed,
		"waitlisted":     snapshot.Waitlisted,
		"available":      snapshot.Available,
		"occupancy_rate": snapshot.OccupancyRate,
		"status":         snapshot.Status,
		"timestamp":      p.now().Unix(),
	})
}

func (p *Publisher) send(ctx context.Context, channel string, message map[string]any) {
	err := p.breaker.Call(ctx, func(context.Context) error {
		return p.publish(channel, message)
	})
	if err != nil {
		p.logger.Warn("Failed to publish notification",
			"channel", channel,
			"type", message["type"],
			"error", err,
			"breaker", p.breaker.State().String(),
		)
	}
}
