// Package ratelimit provides Redis-backed fixed-window rate limiting. The
// guardian uses it to cap how many AI analyses each community can trigger.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:ai:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// AIBudget returns the per-community AI rule.
func AIBudget(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:ai:", Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier and reports whether it is within
// rule. The counter and its expiry are set in one round trip.
//
// On Redis errors the method fails open (returns true) so that a Redis outage
// does not silently disable analysis.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("ratelimit: redis error, failing open")
		return true, err
	}

	return int(incr.Val()) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("ratelimit: redis error, failing open")
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}

// Budget gates AI analyses per community.
type Budget interface {
	Allow(ctx context.Context, community string) bool
}

// Unlimited never refuses.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) bool { return true }

// RedisBudget applies one rule per community through a Limiter.
type RedisBudget struct {
	Limiter *Limiter
	Rule    Rule
}

func (b RedisBudget) Allow(ctx context.Context, community string) bool {
	ok, _ := b.Limiter.Allow(ctx, community, b.Rule)
	return ok
}

// Remaining reports how many AI analyses community has left in the current
// window.
func (b RedisBudget) Remaining(ctx context.Context, community string) (int, error) {
	return b.Limiter.Remaining(ctx, community, b.Rule)
}
