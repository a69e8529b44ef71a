package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/costwatchdog/engine/internal/dbtx"
)

// LoginAttempt is an audit row recorded for every login try, successful or
// not, per spec §4.6/§4.9. Retained for a configurable window and purged by
// the retention scheduler.
type LoginAttempt struct {
	Email       string
	IPAddress   string
	Success     bool
	AttemptedAt time.Time
	Reason      string
}

// LoginAttemptStore persists LoginAttempt rows.
type LoginAttemptStore struct {
	db dbtx.DBTX
}

// NewLoginAttemptStore creates a LoginAttemptStore.
func NewLoginAttemptStore(db dbtx.DBTX) *LoginAttemptStore {
	return &LoginAttemptStore{db: db}
}

// Record inserts one login attempt row.
func (s *LoginAttemptStore) Record(ctx context.Context, a LoginAttempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO login_attempts (email, ip_address, success, reason)
		VALUES ($1, $2, $3, NULLIF($4, ''))`,
		normalizeEmail(a.Email), a.IPAddress, a.Success, a.Reason)
	if err != nil {
		return fmt.Errorf("recording login attempt: %w", err)
	}
	return nil
}

// PurgeBefore deletes login attempts older than cutoff in batches of at most
// batchSize rows, repeating the bounded delete until a batch comes back
// short, so a large backlog doesn't hold one giant transaction open. Used by
// the retention scheduler.
func (s *LoginAttemptStore) PurgeBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	total := 0
	for {
		res, err := s.db.Exec(ctx, `
			DELETE FROM login_attempts WHERE id IN (
				SELECT id FROM login_attempts WHERE attempted_at < $1 LIMIT $2
			)`, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("purging login attempts: %w", err)
		}
		n := int(res.RowsAffected())
		total += n
		if n < batchSize {
			break
		}
	}
	return total, nil
}
