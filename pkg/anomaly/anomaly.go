// Package anomaly runs ordered checks against a cost record and its
// historical context, grading deviations into info/warning/critical
// anomalies and upserting them idempotently.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/dbtx"
)

// Severity grades how far a detected anomaly deviates from expectation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status tracks an Anomaly through its review lifecycle.
type Status string

const (
	StatusNew           Status = "new"
	StatusAcknowledged  Status = "acknowledged"
	StatusDismissed     Status = "dismissed"
	StatusFalsePositive Status = "false_positive"
)

// Anomaly is a graded deviation detected against one cost record.
type Anomaly struct {
	ID             uuid.UUID
	CostRecordID   uuid.UUID
	Type           string
	Severity       Severity
	Status         Status
	Message        string
	Details        json.RawMessage
	IsBackfill     bool
	DetectedAt     time.Time
	AcknowledgedAt *time.Time
}

// gradeSeverity applies the uniform magnitude-based grading every
// deviation-style check shares: |deviation| >= 0.40 is critical, >= 0.20 is
// warning, else info.
func gradeSeverity(deviation float64) Severity {
	abs := deviation
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 0.40:
		return SeverityCritical
	case abs >= 0.20:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Store persists Anomaly rows, upserting on the (costRecordId, type) unique key.
type Store struct {
	db dbtx.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

const anomalyColumns = `id, cost_record_id, type, severity, status, message, details, is_backfill, detected_at, acknowledged_at`

func scanAnomaly(row pgx.Row) (Anomaly, error) {
	var a Anomaly
	var severity, status string
	err := row.Scan(&a.ID, &a.CostRecordID, &a.Type, &severity, &status, &a.Message, &a.Details, &a.IsBackfill, &a.DetectedAt, &a.AcknowledgedAt)
	a.Severity = Severity(severity)
	a.Status = Status(status)
	return a, err
}

// Upsert inserts or replaces the Anomaly for (costRecordId, type), so
// re-running detection against the same record never creates duplicates.
func (s *Store) Upsert(ctx context.Context, a Anomaly) (Anomaly, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query := `INSERT INTO anomalies (` + anomalyColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now(), NULL)
		ON CONFLICT (cost_record_id, type) DO UPDATE SET
			severity = EXCLUDED.severity,
			message = EXCLUDED.message,
			details = EXCLUDED.details,
			is_backfill = EXCLUDED.is_backfill,
			detected_at = now()
		RETURNING ` + anomalyColumns
	row := s.db.QueryRow(ctx, query,
		a.ID, a.CostRecordID, a.Type, string(a.Severity), string(StatusNew), a.Message, a.Details, a.IsBackfill,
	)
	return scanAnomaly(row)
}

// Get returns a single anomaly by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = $1`
	return scanAnomaly(s.db.QueryRow(ctx, query, id))
}

// UpdateStatus transitions an anomaly's review status, stamping
// acknowledgedAt when it moves to acknowledged.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	var err error
	if status == StatusAcknowledged {
		_, err = s.db.Exec(ctx, `UPDATE anomalies SET status = $1, acknowledged_at = now() WHERE id = $2`, string(status), id)
	} else {
		_, err = s.db.Exec(ctx, `UPDATE anomalies SET status = $1 WHERE id = $2`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("updating anomaly status: %w", err)
	}
	return nil
}
