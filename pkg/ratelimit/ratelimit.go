// Package ratelimit implements the sliding-window request counter spec
// §4.7 describes: a Redis sorted set per identity, pruned and re-measured on
// every call, with a fail-open/fail-closed policy switch for KV store
// outages. Factored out of the teacher's login-only rate limiter into a
// reusable component covering every scope in spec §4.7's preset table.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Preset is one named rate-limit policy from spec §4.7's table.
type Preset struct {
	Window     time.Duration
	MaxRequests int
}

// Presets are the scopes spec §4.7 enumerates.
var Presets = map[string]Preset{
	"default": {Window: 60 * time.Second, MaxRequests: 100},
	"auth":    {Window: 60 * time.Second, MaxRequests: 10},
	"upload":  {Window: 60 * time.Second, MaxRequests: 20},
	"export":  {Window: 60 * time.Second, MaxRequests: 10},
	"api_key": {Window: 60 * time.Second, MaxRequests: 1000},
}

// Result reports the outcome of a Check/Allow call, mirroring the
// X-RateLimit-* response headers spec §4.7 requires.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	RetryAfter time.Duration
}

// ErrDependencyUnavailable is returned by Allow, together with a denied
// Result, when Redis is unreachable and the Limiter runs in production
// (fail closed). Outside production an outage fails open: Allow returns an
// allowed Result and no error.
var ErrDependencyUnavailable = errors.New("rate limiter: dependency unavailable")

// Limiter is a sliding-window counter keyed by an arbitrary identity string
// (api:<prefix16> | user:<userId> | ip:<ip>, per spec §4.7).
type Limiter struct {
	redis      *redis.Client
	production bool
}

// New creates a Limiter. production gates the fail-closed policy: under a
// Redis outage, production denies (503, safe default against brute force
// during outages); non-production allows (fail open) so local/dev/staging
// never deadlocks on a flaky dependency.
func New(rdb *redis.Client, production bool) *Limiter {
	return &Limiter{redis: rdb, production: production}
}

// Allow checks and records one request against scope/key's sliding window.
// key is the caller-supplied identity (already scope-prefixed by the
// caller, e.g. "ip:203.0.113.4" or "user:<uuid>").
func (l *Limiter) Allow(ctx context.Context, scope, key string) (Result, error) {
	preset, ok := Presets[scope]
	if !ok {
		preset = Presets["default"]
	}
	return l.AllowWithPreset(ctx, scope, key, preset)
}

// AllowWithPreset is Allow with an explicit preset instead of a named scope
// lookup, for callers that override window/max per call site.
func (l *Limiter) AllowWithPreset(ctx context.Context, scope, key string, preset Preset) (Result, error) {
	redisKey := fmt.Sprintf("rl:%s:%s", scope, key)
	now := time.Now()
	windowStart := now.Add(-preset.Window)

	pipe := l.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%d", windowStart.UnixNano()))
	card := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, redisKey, preset.Window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return l.onDependencyOutage(preset)
	}

	count := int(card.Val()) + 1 // +1 for the request we just added
	resetAt := now.Add(preset.Window)

	if count > preset.MaxRequests {
		// Remove the entry we just added — a rejected request doesn't
		// consume its own budget slot.
		l.redis.ZRem(ctx, redisKey, now.UnixNano())
		return Result{
			Allowed:    false,
			Limit:      preset.MaxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: preset.Window,
		}, nil
	}

	return Result{
		Allowed:   true,
		Limit:     preset.MaxRequests,
		Remaining: preset.MaxRequests - count,
		ResetAt:   resetAt,
	}, nil
}

// onDependencyOutage applies the fail-open/fail-closed policy switch when
// Redis itself is unreachable.
func (l *Limiter) onDependencyOutage(preset Preset) (Result, error) {
	if l.production {
		return Result{
			Allowed:    false,
			Limit:      preset.MaxRequests,
			Remaining:  0,
			RetryAfter: 60 * time.Second,
		}, ErrDependencyUnavailable
	}
	return Result{Allowed: true, Limit: preset.MaxRequests, Remaining: preset.MaxRequests}, nil
}
