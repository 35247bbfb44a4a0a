// Package ratelimit provides Redis-backed rate limiting using INCR + EXPIRE
// fixed windows. The HTTP facade uses it to throttle logins and token
// lookups per client address.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // label used in logs and metrics
	Key    string        // Redis key prefix (e.g., "rl:login:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleLogin allows 10 session creations per minute per client.
	RuleLogin = Rule{Name: "login", Key: "rl:login:", Limit: 10, Window: time.Minute}

	// RuleTokenLookup allows 30 token lookups per minute per client.
	RuleTokenLookup = Rule{Name: "token", Key: "rl:token:", Limit: 30, Window: time.Minute}
)

// WithLimit returns a copy of r allowing limit requests per window. A
// non-positive limit leaves r unchanged.
func (r Rule) WithLimit(limit int) Rule {
	if limit > 0 {
		r.Limit = limit
	}
	return r
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.UniversalClient
	log    *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.UniversalClient, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, log: logger.With("component", "ratelimit")}
}

// Take counts one request for identifier under rule and reports whether it
// is allowed and how many requests remain in the current window. The window
// starts at the first request and lasts rule.Window.
//
// On Redis errors Take fails open: the request is allowed, the full limit is
// reported and the error is returned for the caller to log or ignore.
func (l *Limiter) Take(ctx context.Context, identifier string, rule Rule) (allowed bool, remaining int, err error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("INCR failed, failing open", "rule", rule.Name, "key", key, "error", err)
		return true, rule.Limit, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("EXPIRE failed, failing open", "rule", rule.Name, "key", key, "error", err)
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, rule.Limit, err
		}
	}

	remaining = rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count) <= rule.Limit, remaining, nil
}
