package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/costwatchdog/engine/pkg/outbox"
	"github.com/costwatchdog/engine/pkg/record"
)

// historyWindow is how far back the engine looks for historical context,
// per spec §4.3's context definition.
const historyWindow = 24 * 30 * 24 * time.Hour

// Engine runs the ordered check list against a cost record, upserting any
// anomalies it produces and, for live (non-backfill) warning/critical
// findings, writing the outbox event that fans out to alerting.
type Engine struct {
	pool     *pgxpool.Pool
	checks   []Check
	settings Settings
	logger   *slog.Logger
	detected *prometheus.CounterVec // anomaly_detected_total{check, severity}
	duration *prometheus.HistogramVec
}

// NewEngine creates an Engine with the built-in check list.
func NewEngine(pool *pgxpool.Pool, settings Settings, logger *slog.Logger, detected *prometheus.CounterVec, duration *prometheus.HistogramVec) *Engine {
	return &Engine{pool: pool, checks: BuiltinChecks(), settings: settings, logger: logger, detected: detected, duration: duration}
}

// DetectResult is the outcome of running the full check list once.
type DetectResult struct {
	Anomalies    []Anomaly
	CheckResults []CheckResult
}

// Detect loads the historical context for costRecordID, runs every check
// against it, and upserts any anomalies found. When isBackfill is false, a
// warning/critical anomaly also gets an outbox event written in the same
// transaction as its upsert, so detection's side effects stay atomic.
func (e *Engine) Detect(ctx context.Context, costRecordID uuid.UUID, isBackfill bool) (DetectResult, error) {
	start := time.Now()
	defer func() {
		e.duration.WithLabelValues("all").Observe(time.Since(start).Seconds())
	}()

	recStore := record.NewStore(e.pool)
	rec, err := recStore.Get(ctx, costRecordID)
	if err != nil {
		return DetectResult{}, fmt.Errorf("loading cost record: %w", err)
	}

	history, err := recStore.History(ctx, record.HistoryParams{
		LocationID:      rec.LocationID,
		SupplierID:      rec.SupplierID,
		CostType:        rec.CostType,
		ExcludeRecordID: rec.ID,
		Since:           rec.PeriodStart.Add(-historyWindow),
	})
	if err != nil {
		return DetectResult{}, fmt.Errorf("loading historical context: %w", err)
	}

	runCtx := Context{HistoricalRecords: history, Settings: e.settings}

	var results DetectResult
	for _, check := range e.checks {
		res, err := e.runCheckSafely(check, rec, runCtx)
		if err != nil {
			e.logger.Error("anomaly check failed", "check", check.ID, "cost_record_id", rec.ID, "error", err)
			continue
		}
		results.CheckResults = append(results.CheckResults, res)
		if !res.IsAnomaly {
			continue
		}
		e.detected.WithLabelValues(check.ID, string(res.Severity)).Inc()

		anomaly, err := e.upsertAndEmit(ctx, rec.ID, res, isBackfill)
		if err != nil {
			e.logger.Error("persisting anomaly failed", "check", check.ID, "cost_record_id", rec.ID, "error", err)
			continue
		}
		results.Anomalies = append(results.Anomalies, anomaly)
	}

	return results, nil
}

// runCheckSafely isolates a single check's panic, if one occurs, so one
// buggy check can never prevent the others from running.
func (e *Engine) runCheckSafely(check Check, rec record.CostRecord, ctx Context) (res CheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check %s panicked: %v", check.ID, r)
		}
	}()
	return check.Run(rec, ctx)
}

// upsertAndEmit persists the anomaly and, for live warning/critical
// findings, the outbox event, inside one transaction.
func (e *Engine) upsertAndEmit(ctx context.Context, costRecordID uuid.UUID, res CheckResult, isBackfill bool) (Anomaly, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Anomaly{}, fmt.Errorf("beginning anomaly transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	details, err := json.Marshal(res.Details)
	if err != nil {
		return Anomaly{}, fmt.Errorf("marshaling anomaly details: %w", err)
	}

	anomalyStore := NewStore(tx)
	a, err := anomalyStore.Upsert(ctx, Anomaly{
		CostRecordID: costRecordID,
		Type:         res.CheckID,
		Severity:     res.Severity,
		Message:      res.Message,
		Details:      details,
		IsBackfill:   isBackfill,
	})
	if err != nil {
		return Anomaly{}, fmt.Errorf("upserting anomaly: %w", err)
	}

	if !isBackfill && (res.Severity == SeverityWarning || res.Severity == SeverityCritical) {
		obStore := outbox.NewStore(tx)
		if _, err := obStore.Insert(ctx, "anomaly", a.ID, "anomaly.detected", map[string]any{
			"anomalyId": a.ID, "costRecordId": costRecordID, "type": res.CheckID, "severity": string(res.Severity),
		}); err != nil {
			return Anomaly{}, fmt.Errorf("enqueueing anomaly.detected outbox event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Anomaly{}, fmt.Errorf("committing anomaly transaction: %w", err)
	}
	return a, nil
}
