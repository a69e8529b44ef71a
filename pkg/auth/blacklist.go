package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blacklist marks individual tokens (by jti) or a user's entire token
// history (by issued-before cutoff) as revoked, per spec §4.6. Checked on
// every authenticated request in addition to the session registry, so a
// token already deleted from the session set but still cryptographically
// valid (e.g. an access token the corresponding refresh theft invalidated)
// is still rejected until its own expiry.
type Blacklist struct {
	redis *redis.Client
}

// NewBlacklist creates a Blacklist.
func NewBlacklist(rdb *redis.Client) *Blacklist {
	return &Blacklist{redis: rdb}
}

func blacklistJTIKey(jti string) string     { return fmt.Sprintf("bl:jti:%s", jti) }
func blacklistUserKey(userID string) string { return fmt.Sprintf("bl:user:%s", userID) }

// RevokeJTI blacklists a single token id until it would have naturally
// expired anyway (ttl should be the remaining lifetime of the longest-lived
// token sharing that jti — i.e. the refresh token's TTL).
func (b *Blacklist) RevokeJTI(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := b.redis.Set(ctx, blacklistJTIKey(jti), 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoking jti: %w", err)
	}
	return nil
}

// RevokeJTIs blacklists many token ids at once under the same ttl, used
// when invalidating an entire refresh-token family after reuse detection.
func (b *Blacklist) RevokeJTIs(ctx context.Context, jtis []string, ttl time.Duration) error {
	if len(jtis) == 0 || ttl <= 0 {
		return nil
	}
	pipe := b.redis.Pipeline()
	for _, jti := range jtis {
		pipe.Set(ctx, blacklistJTIKey(jti), 1, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoking jtis: %w", err)
	}
	return nil
}

// IsJTIRevoked reports whether a specific token id has been explicitly
// blacklisted.
func (b *Blacklist) IsJTIRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := b.redis.Exists(ctx, blacklistJTIKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("checking jti blacklist: %w", err)
	}
	return n > 0, nil
}

// RevokeUserBefore blacklists every token for a user issued at or before
// cutoff — used on password change/reset, where the server doesn't
// necessarily know every jti in flight but does know "everything issued up
// to now is no longer trusted."
func (b *Blacklist) RevokeUserBefore(ctx context.Context, userID string, cutoff time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := b.redis.Set(ctx, blacklistUserKey(userID), cutoff.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("revoking user tokens: %w", err)
	}
	return nil
}

// IsUserRevokedAt reports whether a token issued at issuedAt for userID
// falls before that user's revoke-before cutoff, if one is set.
func (b *Blacklist) IsUserRevokedAt(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	val, err := b.redis.Get(ctx, blacklistUserKey(userID)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking user blacklist: %w", err)
	}
	return !issuedAt.After(time.Unix(val, 0)), nil
}

// GCOrphans scans bl:jti:* keys and deletes any with no TTL. Every key this
// package sets carries one (RevokeJTI/RevokeJTIs always pass a positive
// ttl), so a TTL-less key can only be left over from a bug or a manual SET
// — this is a belt-and-suspenders sweep per spec §4.8 task 1, not the
// primary expiry mechanism. Returns the number of keys deleted.
func (b *Blacklist) GCOrphans(ctx context.Context) (int, error) {
	deleted := 0
	iter := b.redis.Scan(ctx, 0, "bl:jti:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := b.redis.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		if ttl == -1 { // -1: key exists but has no TTL. -2 would mean it's already gone.
			if err := b.redis.Del(ctx, key).Err(); err == nil {
				deleted++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning blacklist keys: %w", err)
	}
	return deleted, nil
}
