// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. It throttles session creation per client address so that a
// single client cannot flood the session backend with new records.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:create:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// CreateRule allows perMinute session creations per minute per identifier.
func CreateRule(perMinute int) Rule {
	return Rule{Key: "rl:create:", Limit: perMinute, Window: time.Minute}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, logger: logger.With("component", "ratelimit")}
}

// Allow checks whether identifier is within the limit defined by rule. It
// increments the counter and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block session creation.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("INCR failed, failing open", "key", key, "error", err)
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("EXPIRE failed, failing open", "key", key, "error", err)
			// without a TTL the key would throttle the identifier forever
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests identifier has left in the current
// window. It returns the full limit if the key does not exist yet or Redis
// fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("GET failed, failing open", "key", key, "error", err)
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}
