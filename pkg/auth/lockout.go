package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Progressive lockout parameters per spec §4.6: 5 failures inside a 15
// minute window trips a lock; the first three lockouts last 15/30/45
// minutes, and the lockout after the third becomes permanent, requiring an
// administrator to clear it.
const (
	lockoutFailThreshold = 5
	lockoutFailWindow    = 15 * time.Minute
	lockoutBaseDuration  = 15 * time.Minute
	lockoutMaxEscalation = 3 * time.Minute * 15 // 45m cap
	lockoutPermanentAt   = 3
)

// LockoutStore tracks failed login attempts and progressive lockout state,
// keyed by the lowercased account email so case variations in the login
// field can't bypass it.
type LockoutStore struct {
	redis *redis.Client
}

// NewLockoutStore creates a LockoutStore.
func NewLockoutStore(rdb *redis.Client) *LockoutStore {
	return &LockoutStore{redis: rdb}
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func failKey(email string) string      { return fmt.Sprintf("lockout:fail:%s", normalizeEmail(email)) }
func countKey(email string) string     { return fmt.Sprintf("lockout:count:%s", normalizeEmail(email)) }
func untilKey(email string) string     { return fmt.Sprintf("lockout:until:%s", normalizeEmail(email)) }
func permanentKey(email string) string { return fmt.Sprintf("lockout:permanent:%s", normalizeEmail(email)) }

// LockoutState is the current lock status for an account.
type LockoutState struct {
	Locked    bool
	Permanent bool
	Until     time.Time
}

// Check reports whether an account is currently locked out, without
// recording anything.
func (s *LockoutStore) Check(ctx context.Context, email string) (LockoutState, error) {
	permanent, err := s.redis.Exists(ctx, permanentKey(email)).Result()
	if err != nil {
		return LockoutState{}, fmt.Errorf("checking permanent lockout: %w", err)
	}
	if permanent > 0 {
		return LockoutState{Locked: true, Permanent: true}, nil
	}

	untilStr, err := s.redis.Get(ctx, untilKey(email)).Result()
	if err == redis.Nil {
		return LockoutState{}, nil
	}
	if err != nil {
		return LockoutState{}, fmt.Errorf("checking lockout: %w", err)
	}
	until, err := time.Parse(time.RFC3339, untilStr)
	if err != nil {
		return LockoutState{}, fmt.Errorf("parsing lockout expiry: %w", err)
	}
	if time.Now().After(until) {
		return LockoutState{}, nil
	}
	return LockoutState{Locked: true, Until: until}, nil
}

// RecordFailure records one failed login attempt and, on crossing the
// threshold, applies or escalates the lockout. Returns the resulting state.
func (s *LockoutStore) RecordFailure(ctx context.Context, email string) (LockoutState, error) {
	fails, err := s.redis.Incr(ctx, failKey(email)).Result()
	if err != nil {
		return LockoutState{}, fmt.Errorf("incrementing failure count: %w", err)
	}
	if fails == 1 {
		s.redis.Expire(ctx, failKey(email), lockoutFailWindow)
	}
	if fails < lockoutFailThreshold {
		return LockoutState{}, nil
	}

	lockoutCount, err := s.redis.Incr(ctx, countKey(email)).Result()
	if err != nil {
		return LockoutState{}, fmt.Errorf("incrementing lockout count: %w", err)
	}
	// countKey has no expiry: escalation tracks across the account's
	// lifetime until an admin clears it via Unlock.

	s.redis.Del(ctx, failKey(email))

	if lockoutCount > lockoutPermanentAt {
		s.redis.Set(ctx, permanentKey(email), 1, 0)
		return LockoutState{Locked: true, Permanent: true}, nil
	}

	duration := time.Duration(lockoutCount) * lockoutBaseDuration
	if duration > lockoutMaxEscalation {
		duration = lockoutMaxEscalation
	}
	until := time.Now().Add(duration)
	if err := s.redis.Set(ctx, untilKey(email), until.Format(time.RFC3339), duration).Err(); err != nil {
		return LockoutState{}, fmt.Errorf("setting lockout expiry: %w", err)
	}
	return LockoutState{Locked: true, Until: until}, nil
}

// RecordSuccess clears the failure counter after a successful login. The
// escalation counter (countKey) is left alone — it only resets via admin
// Unlock, so an attacker can't repeatedly near-brute-force and reset by
// guessing correctly once.
func (s *LockoutStore) RecordSuccess(ctx context.Context, email string) error {
	if err := s.redis.Del(ctx, failKey(email)).Err(); err != nil {
		return fmt.Errorf("clearing failure count: %w", err)
	}
	return nil
}

// Unlock clears all lockout state for an account — the administrator
// action required to lift a permanent lock.
func (s *LockoutStore) Unlock(ctx context.Context, email string) error {
	if err := s.redis.Del(ctx, failKey(email), countKey(email), untilKey(email), permanentKey(email)).Err(); err != nil {
		return fmt.Errorf("unlocking account: %w", err)
	}
	return nil
}
