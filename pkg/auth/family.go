package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenReuse is returned by Rotate when a refresh token that is not the
// family's current token is presented — a strong signal the refresh token
// was stolen and already used by someone else. The caller must invalidate
// every session in the family and force the legitimate user to re-login.
var ErrTokenReuse = errors.New("auth: refresh token reuse detected")

// ErrFamilyNotFound means the family was never registered or has already
// expired/been invalidated.
var ErrFamilyNotFound = errors.New("auth: token family not found")

// FamilyStore tracks each refresh-token family's current token, so a replay
// of an already-rotated-away token can be detected and the whole family
// revoked. Keys: family:<fid>:current (jti string), family:<fid>:used
// (set of every jti ever issued in the family, for blacklisting on theft).
type FamilyStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewFamilyStore creates a FamilyStore. ttl should match the refresh token
// TTL — a family's bookkeeping needn't outlive the tokens it tracks.
func NewFamilyStore(rdb *redis.Client, ttl time.Duration) *FamilyStore {
	return &FamilyStore{redis: rdb, ttl: ttl}
}

func currentKey(familyID string) string { return fmt.Sprintf("family:%s:current", familyID) }
func usedKey(familyID string) string    { return fmt.Sprintf("family:%s:used", familyID) }

// Register starts tracking a brand-new family at login time, or records the
// first token of a family minted by IssuePair with a fresh family id.
func (s *FamilyStore) Register(ctx context.Context, familyID, jti string) error {
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, currentKey(familyID), jti, s.ttl)
	pipe.SAdd(ctx, usedKey(familyID), jti)
	pipe.Expire(ctx, usedKey(familyID), s.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("registering token family: %w", err)
	}
	return nil
}

// Rotate advances the family to newJTI after oldJTI's refresh token was
// redeemed. If oldJTI is not the family's recorded current token, this is a
// reuse of an already-rotated-away token: the caller must treat it as theft.
func (s *FamilyStore) Rotate(ctx context.Context, familyID, oldJTI, newJTI string) error {
	current, err := s.redis.Get(ctx, currentKey(familyID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrFamilyNotFound
	}
	if err != nil {
		return fmt.Errorf("reading token family: %w", err)
	}
	if current != oldJTI {
		return ErrTokenReuse
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, currentKey(familyID), newJTI, s.ttl)
	pipe.SAdd(ctx, usedKey(familyID), newJTI)
	pipe.Expire(ctx, usedKey(familyID), s.ttl)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("rotating token family: %w", err)
	}
	return nil
}

// AllIssuedJTIs returns every jti ever issued in the family, so the caller
// can blacklist all of them when theft is detected or on explicit logout of
// every session in the family.
func (s *FamilyStore) AllIssuedJTIs(ctx context.Context, familyID string) ([]string, error) {
	jtis, err := s.redis.SMembers(ctx, usedKey(familyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing token family members: %w", err)
	}
	return jtis, nil
}

// Invalidate removes a family's bookkeeping entirely. Callers detecting
// theft should pair this with blacklisting every jti from AllIssuedJTIs.
func (s *FamilyStore) Invalidate(ctx context.Context, familyID string) error {
	if err := s.redis.Del(ctx, currentKey(familyID), usedKey(familyID)).Err(); err != nil {
		return fmt.Errorf("invalidating token family: %w", err)
	}
	return nil
}
