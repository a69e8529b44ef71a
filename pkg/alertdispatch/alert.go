// Package alertdispatch turns detected anomalies into delivered
// notifications: an Alert row per channel, a daily send cap, and a
// channel registry (email, Slack, Teams, in-app) guarded against SSRF on
// the outbound webhook channels.
package alertdispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/dbtx"
)

// Channel names an alert delivery channel, per spec §3.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSlack Channel = "slack"
	ChannelTeams Channel = "teams"
	ChannelInApp Channel = "in_app"
)

// Status tracks an Alert's delivery lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Alert is one notification of one anomaly through one channel.
type Alert struct {
	ID           uuid.UUID
	AnomalyID    uuid.UUID
	Channel      Channel
	Recipient    string
	Status       Status
	SentAt       *time.Time
	ErrorMessage *string
	CreatedAt    time.Time
}

// Store persists Alert rows.
type Store struct {
	db dbtx.DBTX
}

// NewStore creates an alert Store.
func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

const alertColumns = `id, anomaly_id, channel, recipient, status, sent_at, error_message, created_at`

func scanAlert(row pgx.Row) (Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.AnomalyID, &a.Channel, &a.Recipient, &a.Status, &a.SentAt, &a.ErrorMessage, &a.CreatedAt)
	return a, err
}

// Create inserts a pending Alert for one anomaly/channel/recipient.
// Callers typically run this inside the outbox dispatcher's transaction.
func (s *Store) Create(ctx context.Context, anomalyID uuid.UUID, channel Channel, recipient string) (Alert, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO alerts (anomaly_id, channel, recipient)
		VALUES ($1, $2, $3)
		RETURNING `+alertColumns,
		anomalyID, channel, recipient)
	return scanAlert(row)
}

// Get returns a single alert by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Alert, error) {
	row := s.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

// CountSentToday returns how many alerts have status='sent' with sentAt
// falling on the current calendar day (midnight in the database session's
// time zone onwards), for the daily-cap check.
func (s *Store) CountSentToday(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM alerts
		WHERE status = 'sent' AND sent_at >= date_trunc('day', now())`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting today's sent alerts: %w", err)
	}
	return n, nil
}

// MarkSent transitions an alert to sent.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE alerts SET status = 'sent', sent_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking alert sent: %w", err)
	}
	return nil
}

// MarkFailed transitions an alert to failed, recording the reason.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.Exec(ctx, `UPDATE alerts SET status = 'failed', error_message = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("marking alert failed: %w", err)
	}
	return nil
}
