package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/dbtx"
)

const passwordResetTTL = 1 * time.Hour

// ErrResetTokenInvalid covers not-found, expired, and already-used tokens
// uniformly — the caller never learns which case applies.
var ErrResetTokenInvalid = errors.New("auth: password reset token invalid or expired")

// PasswordResetStore issues and redeems single-use password reset tokens.
type PasswordResetStore struct {
	db dbtx.DBTX
}

// NewPasswordResetStore creates a PasswordResetStore.
func NewPasswordResetStore(db dbtx.DBTX) *PasswordResetStore {
	return &PasswordResetStore{db: db}
}

// Issue mints a random 256-bit reset token for userID, storing only its
// hash, and returns the cleartext token to be emailed.
func (s *PasswordResetStore) Issue(ctx context.Context, userID uuid.UUID) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating reset token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	hash := HashAPIKey(token) // SHA-256; same rationale as API keys — already high entropy

	_, err := s.db.Exec(ctx, `
		INSERT INTO password_reset_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)`,
		userID, hash, time.Now().Add(passwordResetTTL))
	if err != nil {
		return "", fmt.Errorf("storing reset token: %w", err)
	}
	return token, nil
}

// Redeem validates a reset token and, if valid, marks it used and returns
// the associated user id. Callers must then rehash and store the new
// password, blacklist all of the user's existing tokens, and terminate
// every active session.
func (s *PasswordResetStore) Redeem(ctx context.Context, token string) (uuid.UUID, error) {
	hash := HashAPIKey(token)

	var id, userID uuid.UUID
	var expiresAt time.Time
	var usedAt *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, expires_at, used_at FROM password_reset_tokens WHERE token_hash = $1`,
		hash).Scan(&id, &userID, &expiresAt, &usedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrResetTokenInvalid
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("looking up reset token: %w", err)
	}
	if usedAt != nil || expiresAt.Before(time.Now()) {
		return uuid.Nil, ErrResetTokenInvalid
	}

	res, err := s.db.Exec(ctx, `
		UPDATE password_reset_tokens SET used_at = now() WHERE id = $1 AND used_at IS NULL`, id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marking reset token used: %w", err)
	}
	if res.RowsAffected() == 0 {
		// Another concurrent redemption won the race.
		return uuid.Nil, ErrResetTokenInvalid
	}

	return userID, nil
}

// PurgeExpired deletes reset tokens that are either past expiry (regardless
// of age) or used and older than cutoff, in batches of batchSize, for the
// retention scheduler. Returns the total rows deleted.
func (s *PasswordResetStore) PurgeExpired(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	total := 0
	for {
		tag, err := s.db.Exec(ctx, `
			DELETE FROM password_reset_tokens WHERE id IN (
				SELECT id FROM password_reset_tokens
				WHERE expires_at < now() OR (used_at IS NOT NULL AND created_at < $1)
				LIMIT $2
			)`, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("purging password reset tokens: %w", err)
		}
		n := int(tag.RowsAffected())
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}
