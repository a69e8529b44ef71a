package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is one logged-in device/browser, keyed by the jti shared by its
// access/refresh pair. Stored as a Redis hash at sess:<jti>, indexed by
// user_sessions:<userId> for the "list my sessions" / "log out everywhere"
// flows spec §4.6 describes.
type Session struct {
	JTI        string    `json:"jti"`
	FamilyID   string    `json:"familyId"`
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	IP         string    `json:"ip"`
	Device     string    `json:"device"`
	Browser    string    `json:"browser"`
	OS         string    `json:"os"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// SessionRegistry is the Redis-backed session store.
type SessionRegistry struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSessionRegistry creates a SessionRegistry. ttl should match the refresh
// token TTL.
func NewSessionRegistry(rdb *redis.Client, ttl time.Duration) *SessionRegistry {
	return &SessionRegistry{redis: rdb, ttl: ttl}
}

func sessionKey(jti string) string         { return fmt.Sprintf("sess:%s", jti) }
func userSessionsKey(userID string) string { return fmt.Sprintf("user_sessions:%s", userID) }

// Create registers a new session at login/refresh time.
func (r *SessionRegistry) Create(ctx context.Context, sess Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.JTI), payload, r.ttl)
	pipe.SAdd(ctx, userSessionsKey(sess.UserID), sess.JTI)
	pipe.Expire(ctx, userSessionsKey(sess.UserID), r.ttl)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Get looks up a session by jti. Returns a redis.Nil-wrapped error if absent
// (expired, never created, or deleted on logout).
func (r *SessionRegistry) Get(ctx context.Context, jti string) (Session, error) {
	raw, err := r.redis.Get(ctx, sessionKey(jti)).Bytes()
	if err != nil {
		return Session{}, fmt.Errorf("reading session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshaling session: %w", err)
	}
	return sess, nil
}

// Touch refreshes LastSeenAt and the key's TTL — called on every
// authenticated request so idle sessions age out even under a long-lived
// refresh token.
func (r *SessionRegistry) Touch(ctx context.Context, jti string) error {
	sess, err := r.Get(ctx, jti)
	if err != nil {
		return err
	}
	sess.LastSeenAt = time.Now()
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	return r.redis.Set(ctx, sessionKey(jti), payload, r.ttl).Err()
}

// List returns every active session for a user, for a "where am I logged
// in" view.
func (r *SessionRegistry) List(ctx context.Context, userID string) ([]Session, error) {
	jtis, err := r.redis.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	sessions := make([]Session, 0, len(jtis))
	for _, jti := range jtis {
		sess, err := r.Get(ctx, jti)
		if err != nil {
			// Expired sessions linger in the set until the next List call
			// prunes them; this is not an error for the caller.
			r.redis.SRem(ctx, userSessionsKey(userID), jti)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Delete removes one session (single-device logout).
func (r *SessionRegistry) Delete(ctx context.Context, userID, jti string) error {
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, sessionKey(jti))
	pipe.SRem(ctx, userSessionsKey(userID), jti)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteAll removes every session for a user — "log out everywhere", and
// the forced-logout path on refresh-token theft detection or password
// reset. Returns the deleted jtis so the caller can blacklist them.
func (r *SessionRegistry) DeleteAll(ctx context.Context, userID string) ([]string, error) {
	jtis, err := r.redis.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions to delete: %w", err)
	}
	if len(jtis) == 0 {
		return nil, nil
	}
	pipe := r.redis.TxPipeline()
	for _, jti := range jtis {
		pipe.Del(ctx, sessionKey(jti))
	}
	pipe.Del(ctx, userSessionsKey(userID))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("deleting sessions: %w", err)
	}
	return jtis, nil
}
