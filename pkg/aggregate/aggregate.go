// Package aggregate maintains CostRecordMonthlyAgg: an incremental upsert
// path triggered per cost record, and a cursor-paginated full rebuild for
// when the incremental path needs to be thrown away and recomputed from
// scratch. Offset pagination is never used for the rebuild scan — it is
// O(n) over a cursor, per spec §4.4.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/costwatchdog/engine/pkg/record"
)

// rebuildPageSize is the cursor page size the full rebuild scans
// cost_records with — never offset, per spec §4.4.
const rebuildPageSize = 1000

// bulkInsertChunk is the batch size full rebuild results are bulk-inserted in.
const bulkInsertChunk = 500

// rebuildLockKey is the advisory lock key serializing full rebuilds: only
// one can run at a time, system-wide.
const rebuildLockKey = 0x636f7374 // "cost" as a 32-bit int, arbitrary but stable

// Worker maintains the monthly aggregate table.
type Worker struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	rebuilds  prometheus.Counter
}

// NewWorker creates an aggregate Worker.
func NewWorker(pool *pgxpool.Pool, logger *slog.Logger, rebuilds prometheus.Counter) *Worker {
	return &Worker{pool: pool, logger: logger, rebuilds: rebuilds}
}

// dimensionKey identifies one (year, month, location, supplier, costType)
// bucket the rebuild accumulates into before bulk-inserting.
type dimensionKey struct {
	year       int
	month      int
	locationID uuid.UUID
	supplierID uuid.UUID
	costType   record.CostType
}

// Incremental upserts the monthly aggregate row for the cost record's
// dimension tuple, adding its amounts/quantity/count onto whatever is
// already there. This is the steady-state path, driven by the
// "aggregation" outbox/queue job per cost record.
func (w *Worker) Incremental(ctx context.Context, costRecordID uuid.UUID) error {
	recStore := record.NewStore(w.pool)
	rec, err := recStore.Get(ctx, costRecordID)
	if err != nil {
		return fmt.Errorf("loading cost record %s: %w", costRecordID, err)
	}

	quantity := 0.0
	if rec.Quantity != nil {
		quantity = *rec.Quantity
	}
	costType := rec.CostType

	aggStore := record.NewMonthlyAggStore(w.pool)
	err = aggStore.UpsertIncrement(ctx, record.MonthlyAgg{
		Year:         rec.PeriodStart.Year(),
		Month:        int(rec.PeriodStart.Month()),
		LocationID:   &rec.LocationID,
		SupplierID:   &rec.SupplierID,
		CostType:     &costType,
		AmountSum:    rec.AmountGross,
		AmountNetSum: rec.AmountNet,
		QuantitySum:  quantity,
		RecordCount:  1,
	})
	if err != nil {
		return fmt.Errorf("incrementing monthly aggregate: %w", err)
	}
	return nil
}

// FullRebuild deletes every aggregate row and recomputes it from a cursor
// scan over cost_records, accumulating in memory before bulk-inserting in
// chunks. It holds a named Postgres advisory lock for the duration so
// concurrent rebuild triggers serialize rather than race; a second caller
// that cannot acquire the lock returns immediately without error (the
// in-flight rebuild will cover it).
func (w *Worker) FullRebuild(ctx context.Context) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for rebuild lock: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, int64(rebuildLockKey)).Scan(&acquired); err != nil {
		return fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !acquired {
		w.logger.Info("aggregate rebuild already in progress, skipping")
		return nil
	}
	defer conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, int64(rebuildLockKey))

	start := time.Now()

	recStore := record.NewStore(w.pool)
	aggStore := record.NewMonthlyAggStore(w.pool)

	if err := aggStore.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clearing monthly aggregates: %w", err)
	}

	buckets := make(map[dimensionKey]record.MonthlyAgg)
	var lastID uuid.UUID
	totalRows := 0

	for {
		page, err := recStore.CursorPage(ctx, lastID, rebuildPageSize)
		if err != nil {
			return fmt.Errorf("scanning cost records: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			quantity := 0.0
			if rec.Quantity != nil {
				quantity = *rec.Quantity
			}
			key := dimensionKey{
				year:       rec.PeriodStart.Year(),
				month:      int(rec.PeriodStart.Month()),
				locationID: rec.LocationID,
				supplierID: rec.SupplierID,
				costType:   rec.CostType,
			}
			bucket := buckets[key]
			bucket.Year = key.year
			bucket.Month = key.month
			bucket.LocationID = &rec.LocationID
			bucket.SupplierID = &rec.SupplierID
			ct := rec.CostType
			bucket.CostType = &ct
			bucket.AmountSum = bucket.AmountSum.Add(rec.AmountGross)
			bucket.AmountNetSum = bucket.AmountNetSum.Add(rec.AmountNet)
			bucket.QuantitySum += quantity
			bucket.RecordCount++
			buckets[key] = bucket
		}

		totalRows += len(page)
		lastID = page[len(page)-1].ID

		if len(page) < rebuildPageSize {
			break
		}
	}

	rows := make([]record.MonthlyAgg, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, b)
	}
	for i := 0; i < len(rows); i += bulkInsertChunk {
		end := i + bulkInsertChunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := aggStore.BulkInsert(ctx, rows[i:end]); err != nil {
			return fmt.Errorf("bulk inserting aggregate chunk: %w", err)
		}
	}

	w.rebuilds.Inc()
	w.logger.Info("aggregate full rebuild completed",
		"scanned_records", totalRows, "buckets", len(buckets), "duration", time.Since(start))
	return nil
}
