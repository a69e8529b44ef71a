package alertdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/dbtx"
)

// Job is the payload enqueued onto the "alerts" queue by the outbox
// dispatcher.
type Job struct {
	AlertID uuid.UUID `json:"alertId"`
}

// Worker processes individual alert dispatch jobs: idempotent-skip on a
// non-pending alert, daily cap enforcement, dispatch by channel, and the
// sent/failed status transition. Per spec §4.5 it's meant to run at
// concurrency 3 behind an external 20/s limiter, both applied by the
// caller via pkg/queue.ConsumeOptions.
type Worker struct {
	db       dbtx.DBTX
	alerts   *Store
	registry *Registry
	maxPerDay int
	logger   *slog.Logger
}

// NewWorker creates an alert Worker.
func NewWorker(db dbtx.DBTX, registry *Registry, maxAlertsPerDay int, logger *slog.Logger) *Worker {
	return &Worker{db: db, alerts: NewStore(db), registry: registry, maxPerDay: maxAlertsPerDay, logger: logger}
}

// Process handles one alerts-queue job.
func (w *Worker) Process(ctx context.Context, payload json.RawMessage) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decoding alert job: %w", err)
	}

	alert, err := w.alerts.Get(ctx, job.AlertID)
	if errors.Is(err, pgx.ErrNoRows) {
		w.logger.Warn("alert job references missing alert", "alert_id", job.AlertID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading alert %s: %w", job.AlertID, err)
	}

	if alert.Status != StatusPending {
		return nil // already handled; idempotent skip.
	}

	sentToday, err := w.alerts.CountSentToday(ctx)
	if err != nil {
		return fmt.Errorf("checking daily alert cap: %w", err)
	}
	if sentToday >= w.maxPerDay {
		if err := w.alerts.MarkFailed(ctx, alert.ID, "daily alert cap reached"); err != nil {
			return fmt.Errorf("marking alert failed on cap: %w", err)
		}
		return nil
	}

	var severity, anomalyType, message string
	err = w.db.QueryRow(ctx, `SELECT severity, type, message FROM anomalies WHERE id = $1`, alert.AnomalyID).
		Scan(&severity, &anomalyType, &message)
	if err != nil {
		return fmt.Errorf("loading anomaly %s for alert: %w", alert.AnomalyID, err)
	}

	n := Notification{
		AlertID:   alert.ID.String(),
		Severity:  severity,
		Title:     anomalyType,
		Message:   message,
		Recipient: alert.Recipient,
	}

	if err := w.registry.Send(ctx, alert.Channel, n); err != nil {
		markErr := w.alerts.MarkFailed(ctx, alert.ID, err.Error())
		if markErr != nil {
			w.logger.Error("marking alert failed", "alert_id", alert.ID, "error", markErr)
		}
		return fmt.Errorf("dispatching alert %s via %s: %w", alert.ID, alert.Channel, err)
	}

	if err := w.alerts.MarkSent(ctx, alert.ID); err != nil {
		return fmt.Errorf("marking alert sent: %w", err)
	}
	return nil
}
