package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window request counter kept in Redis so every
// instance of the service shares the same budget.
type RateLimiter struct {
	redis  redis.Cmdable
	limit  int64
	window time.Duration
	logger *slog.Logger
}

func NewRateLimiter(redisClient redis.Cmdable, perMinute int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{redis: redisClient, limit: int64(perMinute), window: time.Minute, logger: logger}
}

func rateKey(scope, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, identifier)
}

// Allow counts one request for identifier in the current window and reports
// whether it is within the limit. The window key is created with its expiry
// and incremented in one MULTI, so a counter never outlives its window.
func (r *RateLimiter) Allow(ctx context.Context, scope, identifier string) (bool, error) {
	key := rateKey(scope, identifier)

	var incr *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, r.window)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("count %s: %w", key, err)
	}
	return incr.Val() <= r.limit, nil
}

// Middleware limits a route per authenticated user, falling back to the
// client IP. Redis outages let traffic through.
func (r *RateLimiter) Middleware(scope string) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if r.limit <= 0 {
			return e.Next()
		}

		identifier := requestIdentifier(e)
		allowed, err := r.Allow(e.Request.Context(), scope, identifier)
		if err != nil {
			r.logger.Warn("Rate limiter unavailable", "scope", scope, "error", err)
			return e.Next()
		}
		if !allowed {
			return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}

// BlockBots rejects crawler and scraper user agents. It needs no Redis.
func BlockBots() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.UserAgent()) {
			return apis.NewForbiddenError("Access denied", nil)
		}
		return e.Next()
	}
}

func requestIdentifier(e *core.RequestEvent) string {
	if e.Auth != nil {
		return "user:" + e.Auth.Id
	}
	return "ip:" + e.RealIP()
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
