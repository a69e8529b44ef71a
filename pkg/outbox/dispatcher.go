package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/costwatchdog/engine/pkg/alertdispatch"
	"github.com/costwatchdog/engine/pkg/queue"
)

// dispatchLockKey is the advisory lock key serializing dispatcher ticks
// across process instances, so only one ever drains the unprocessed queue
// at a time — the same pattern pkg/aggregate's rebuild lock and the
// teacher's escalation.Engine tick loop both use.
const dispatchLockKey = 0x6f757462 // "outb" as a 32-bit int, arbitrary but stable

// ChannelTarget names one (channel, recipient) pair to alert through for
// an anomaly, resolved by the dispatcher's routing rules.
type ChannelTarget struct {
	Channel   alertdispatch.Channel
	Recipient string
}

// Router decides which channels/recipients an anomaly.detected event fans
// out to. The composition root supplies an implementation backed by
// config (email recipients, whether Slack/Teams webhooks are configured)
// plus, in future, per-user notification preferences.
type Router interface {
	RouteAnomalyAlert(ctx context.Context, anomalyID uuid.UUID, severity string) ([]ChannelTarget, error)
}

// Dispatcher polls for unprocessed outbox events, turns each into the
// concrete side effects its event type describes, and marks it processed
// once those effects are durably scheduled. Adapted from the teacher's
// escalation.Engine tick loop: a ticker-driven Run, one tick draining a
// bounded batch under an advisory lock so at most one dispatcher instance
// is ever draining the table.
type Dispatcher struct {
	pool        *pgxpool.Pool
	store       *Store
	alerts      *alertdispatch.Store
	alertQ      *queue.Queue
	anomalyQ    *queue.Queue
	aggregateQ  *queue.Queue
	router      Router
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	processed   *prometheus.CounterVec
}

// NewDispatcher creates an outbox Dispatcher. alertQueue/anomalyQueue/
// aggregateQueue are the named queues each outbox event type's job lands
// on. processed, if non-nil, is incremented per (event_type, outcome) —
// telemetry.OutboxEventsDispatchedTotal.
func NewDispatcher(pool *pgxpool.Pool, alertQueue, anomalyQueue, aggregateQueue *queue.Queue, router Router, logger *slog.Logger, interval time.Duration, batchSize int, processed *prometheus.CounterVec) *Dispatcher {
	return &Dispatcher{
		pool:       pool,
		store:      NewStore(pool),
		alerts:     alertdispatch.NewStore(pool),
		alertQ:     alertQueue,
		anomalyQ:   anomalyQueue,
		aggregateQ: aggregateQueue,
		router:     router,
		logger:     logger,
		interval:   interval,
		batchSize:  batchSize,
		processed:  processed,
	}
}

// Run starts the dispatcher loop. It blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("outbox dispatcher started", "interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				d.logger.Error("outbox dispatcher tick", "error", err)
			}
		}
	}
}

// tick acquires the dispatch advisory lock, drains up to batchSize
// unprocessed events, and releases it. A tick that can't acquire the lock
// returns immediately without error — another instance is already
// draining.
func (d *Dispatcher) tick(ctx context.Context) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for dispatch lock: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, int64(dispatchLockKey)).Scan(&acquired); err != nil {
		return fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, int64(dispatchLockKey))

	events, err := d.store.Unprocessed(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("listing unprocessed outbox events: %w", err)
	}

	for _, e := range events {
		if err := d.dispatch(ctx, e); err != nil {
			d.logger.Error("dispatching outbox event", "event_id", e.ID, "event_type", e.EventType, "error", err)
			if d.processed != nil {
				d.processed.WithLabelValues(e.EventType, "error").Inc()
			}
			continue
		}
		if d.processed != nil {
			d.processed.WithLabelValues(e.EventType, "success").Inc()
		}
	}
	return nil
}

// anomalyDetectedPayload mirrors pkg/anomaly.Engine's outbox payload for
// the anomaly.detected event type.
type anomalyDetectedPayload struct {
	AnomalyID    uuid.UUID `json:"anomalyId"`
	CostRecordID uuid.UUID `json:"costRecordId"`
	Type         string    `json:"type"`
	Severity     string    `json:"severity"`
}

// dispatch turns one outbox event into its side effects and marks it
// processed. Unrecognized event types are marked processed and logged
// rather than retried forever — there is no handler that will ever claim
// them.
func (d *Dispatcher) dispatch(ctx context.Context, e Event) error {
	switch e.EventType {
	case "anomaly.detected":
		if err := d.dispatchAnomalyDetected(ctx, e); err != nil {
			return err
		}
	case "anomaly-detection":
		if _, err := d.anomalyQ.Enqueue(ctx, json.RawMessage(e.Payload), queue.EnqueueOptions{}); err != nil {
			return fmt.Errorf("enqueueing anomaly-detection job: %w", err)
		}
	case "aggregation":
		if _, err := d.aggregateQ.Enqueue(ctx, json.RawMessage(e.Payload), queue.EnqueueOptions{}); err != nil {
			return fmt.Errorf("enqueueing aggregation job: %w", err)
		}
	default:
		d.logger.Warn("outbox event has no handler, marking processed", "event_id", e.ID, "event_type", e.EventType)
	}
	return d.store.MarkProcessed(ctx, e.ID)
}

// dispatchAnomalyDetected creates one Alert row per routed channel/
// recipient and enqueues an alerts-queue job per row. A failure creating
// or enqueueing one target is logged and skipped rather than aborting the
// whole event, so one bad recipient never blocks the others.
func (d *Dispatcher) dispatchAnomalyDetected(ctx context.Context, e Event) error {
	var payload anomalyDetectedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("decoding anomaly.detected payload: %w", err)
	}

	targets, err := d.router.RouteAnomalyAlert(ctx, payload.AnomalyID, payload.Severity)
	if err != nil {
		return fmt.Errorf("routing anomaly alert: %w", err)
	}

	for _, t := range targets {
		alert, err := d.alerts.Create(ctx, payload.AnomalyID, t.Channel, t.Recipient)
		if err != nil {
			d.logger.Error("creating alert row", "anomaly_id", payload.AnomalyID, "channel", t.Channel, "error", err)
			continue
		}
		if _, err := d.alertQ.Enqueue(ctx, alertdispatch.Job{AlertID: alert.ID}, queue.EnqueueOptions{}); err != nil {
			d.logger.Error("enqueueing alert job", "alert_id", alert.ID, "error", err)
			continue
		}
	}
	return nil
}
