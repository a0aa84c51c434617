// Package cooldown tracks short-lived provider cooldowns in Redis. When an
// upstream signals rate limiting, the provider is benched for a fixed
// duration so failover stops hammering it. The tracker fails open: with no
// Redis configured (or Redis down), no provider is ever considered cooling.
package cooldown

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relay:cooldown:"

// Tracker records and queries per-provider cooldowns.
type Tracker struct {
	rdb      *redis.Client
	duration time.Duration
}

// NewTracker creates a tracker. A nil client disables cooldown tracking
// entirely.
func NewTracker(rdb *redis.Client, duration time.Duration) *Tracker {
	if duration <= 0 {
		duration = 5 * time.Minute
	}
	return &Tracker{rdb: rdb, duration: duration}
}

// Trip benches a provider for the configured duration.
func (t *Tracker) Trip(ctx context.Context, provider string) {
	if t.rdb == nil {
		return
	}
	if err := t.rdb.Set(ctx, keyPrefix+provider, time.Now().Format(time.RFC3339), t.duration).Err(); err != nil {
		slog.Warn("cooldown trip failed, continuing without", "provider", provider, "error", err)
		return
	}
	slog.Info("provider cooling down",
		"provider", provider,
		"duration", t.duration,
	)
}

// Active reports whether a provider is currently benched. Redis errors are
// treated as not-cooling so an unhealthy Redis never blocks traffic.
func (t *Tracker) Active(ctx context.Context, provider string) bool {
	if t.rdb == nil {
		return false
	}
	n, err := t.rdb.Exists(ctx, keyPrefix+provider).Result()
	if err != nil {
		slog.Warn("cooldown check failed, treating as inactive", "provider", provider, "error", err)
		return false
	}
	return n > 0
}

// Remaining returns the time left on a provider's cooldown, or zero when the
// provider is not cooling.
func (t *Tracker) Remaining(ctx context.Context, provider string) time.Duration {
	if t.rdb == nil {
		return 0
	}
	ttl, err := t.rdb.TTL(ctx, keyPrefix+provider).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

// Clear lifts a provider's cooldown early.
func (t *Tracker) Clear(ctx context.Context, provider string) {
	if t.rdb == nil {
		return
	}
	if err := t.rdb.Del(ctx, keyPrefix+provider).Err(); err != nil {
		slog.Warn("cooldown clear failed", "provider", provider, "error", err)
	}
}

// rateLimitMarkers are the substrings upstream rate-limit and capacity
// errors reliably contain, across provider vocabularies.
var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"429",
	"quota",
	"overloaded",
	"capacity",
	"try again later",
}

// IsRateLimit classifies an upstream error as a rate-limit or capacity
// signal.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
