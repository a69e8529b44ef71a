// Package outbox implements the transactional outbox: events are written in
// the same transaction as the state change they describe, then picked up by
// the dispatcher and turned into queue jobs — the only path from a DB write
// to an external effect.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/dbtx"
)

// Event is a row describing a state change downstream consumers must react
// to. ProcessedAt is set by the dispatcher once it has successfully enqueued
// the corresponding job — never by the producer.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// Store persists Event rows, parameterized over dbtx.DBTX so producers can
// insert inside their own transaction.
type Store struct {
	db dbtx.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

const eventColumns = `id, aggregate_type, aggregate_id, event_type, payload, created_at, processed_at`

func scanEvent(row pgx.Row) (Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt, &e.ProcessedAt)
	return e, err
}

// Insert writes a new outbox event. Callers are expected to call this inside
// the same transaction as the state change the event describes.
func (s *Store) Insert(ctx context.Context, aggregateType string, aggregateID uuid.UUID, eventType string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling outbox payload: %w", err)
	}
	query := `INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1,$2,$3,$4,$5, now())
		RETURNING ` + eventColumns
	row := s.db.QueryRow(ctx, query, uuid.New(), aggregateType, aggregateID, eventType, body)
	return scanEvent(row)
}

// ErrNotFound is returned when an event id has no matching row.
var ErrNotFound = errors.New("outbox event not found")

// Unprocessed returns up to limit events with processedAt IS NULL, oldest
// first — the dispatcher's poll query.
func (s *Store) Unprocessed(ctx context.Context, limit int) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM outbox_events WHERE processed_at IS NULL ORDER BY created_at LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying unprocessed outbox events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkProcessed sets processedAt on a row that is still unprocessed and
// returns ErrNotFound if there is none. A row marked processed is never
// polled again; a crash between the dispatcher's enqueue and this call
// leaves the row unprocessed, so the next tick enqueues its job again
// (at-least-once delivery).
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `UPDATE outbox_events SET processed_at = now() WHERE id = $1 AND processed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("marking outbox event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeProcessedBefore deletes processed events older than cutoff, in
// batches of batchSize ids, for the retention scheduler. It returns the
// total number of rows deleted.
func (s *Store) PurgeProcessedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	total := 0
	for {
		tag, err := s.db.Exec(ctx, `
			DELETE FROM outbox_events WHERE id IN (
				SELECT id FROM outbox_events
				WHERE processed_at IS NOT NULL AND processed_at < $1
				LIMIT $2
			)`, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("purging outbox events: %w", err)
		}
		n := int(tag.RowsAffected())
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}
