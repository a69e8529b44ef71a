package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/costwatchdog/engine/internal/dbtx"
	"github.com/costwatchdog/engine/pkg/money"
)

// Store provides CostRecord persistence, parameterized over DBTX so it works
// both standalone and inside the ingestion service's transaction.
type Store struct {
	db dbtx.DBTX
}

// NewStore creates a Store backed by the given connection or transaction.
func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

const costRecordInsertColumns = `id, location_id, supplier_id, cost_type, cost_category, period_start, period_end,
	invoice_date, amount_gross, amount_net, vat_amount, vat_rate, quantity, unit, price_per_unit,
	invoice_number, contract_number, confidence, data_quality, is_verified`

const costRecordColumns = costRecordInsertColumns + `, created_at`

func scanCostRecord(row pgx.Row) (CostRecord, error) {
	var c CostRecord
	var costType string
	var dataQuality string
	err := row.Scan(
		&c.ID, &c.LocationID, &c.SupplierID, &costType, &c.CostCategory, &c.PeriodStart, &c.PeriodEnd,
		&c.InvoiceDate, &c.AmountGross, &c.AmountNet, &c.VatAmount, &c.VatRate, &c.Quantity, &c.Unit, &c.PricePerUnit,
		&c.InvoiceNumber, &c.ContractNumber, &c.Confidence, &dataQuality, &c.IsVerified, &c.CreatedAt,
	)
	c.CostType = CostType(costType)
	c.DataQuality = DataQuality(dataQuality)
	return c, err
}

// Insert persists a validated CostRecord. Callers must call Validate first;
// Insert does not re-check invariants, matching the ingestion service's
// "validate once at the boundary" contract.
func (s *Store) Insert(ctx context.Context, c CostRecord) (CostRecord, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	query := `INSERT INTO cost_records (` + costRecordInsertColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING ` + costRecordColumns
	row := s.db.QueryRow(ctx, query,
		c.ID, c.LocationID, c.SupplierID, string(c.CostType), c.CostCategory, c.PeriodStart, c.PeriodEnd,
		c.InvoiceDate, c.AmountGross, c.AmountNet, c.VatAmount, c.VatRate, c.Quantity, c.Unit, c.PricePerUnit,
		c.InvoiceNumber, c.ContractNumber, c.Confidence, string(c.DataQuality), c.IsVerified,
	)
	inserted, err := scanCostRecord(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "cost_records_dedup_key" {
		return CostRecord{}, ErrDuplicateInvoice
	}
	return inserted, err
}

// ErrDuplicateInvoice is returned by Insert when the compound unique
// constraint on (locationId, supplierId, costType, periodStart, invoiceNumber) fires.
var ErrDuplicateInvoice = fmt.Errorf("duplicate cost record for location/supplier/cost type/period/invoice")

// Get returns a single cost record by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (CostRecord, error) {
	query := `SELECT ` + costRecordColumns + ` FROM cost_records WHERE id = $1`
	return scanCostRecord(s.db.QueryRow(ctx, query, id))
}

// HistoryParams selects the historical window the anomaly engine builds its
// context from: same location+supplier+costType, last N months excluding the
// current record.
type HistoryParams struct {
	LocationID      uuid.UUID
	SupplierID      uuid.UUID
	CostType        CostType
	ExcludeRecordID uuid.UUID
	Since           time.Time
}

// History returns matching cost records ordered by periodStart ascending.
func (s *Store) History(ctx context.Context, p HistoryParams) ([]CostRecord, error) {
	query := `SELECT ` + costRecordColumns + ` FROM cost_records
		WHERE location_id = $1 AND supplier_id = $2 AND cost_type = $3
		AND period_start >= $4 AND id != $5
		ORDER BY period_start ASC`
	rows, err := s.db.Query(ctx, query, p.LocationID, p.SupplierID, string(p.CostType), p.Since, p.ExcludeRecordID)
	if err != nil {
		return nil, fmt.Errorf("querying cost record history: %w", err)
	}
	defer rows.Close()

	var out []CostRecord
	for rows.Next() {
		c, err := scanCostRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cost record: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CursorPage returns up to limit cost records with id > afterID, ordered by
// id — the only pagination style used for aggregate rebuild scans (never
// offset, per spec §4.4).
func (s *Store) CursorPage(ctx context.Context, afterID uuid.UUID, limit int) ([]CostRecord, error) {
	query := `SELECT ` + costRecordColumns + ` FROM cost_records WHERE id > $1 ORDER BY id LIMIT $2`
	rows, err := s.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cost record cursor page: %w", err)
	}
	defer rows.Close()

	var out []CostRecord
	for rows.Next() {
		c, err := scanCostRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cost record: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveLocation checks a location id references an existing row.
func (s *Store) ResolveLocation(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM locations WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// ResolveSupplier checks a supplier id references an existing row.
func (s *Store) ResolveSupplier(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM suppliers WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// FindOrCreateSupplier resolves a connector-extracted supplier identity to a
// supplier id: exact tax-id match first, then exact name match, else a new
// supplier row is created. Ingestion calls this once per extracted record
// rather than requiring suppliers to be pre-registered.
func (s *Store) FindOrCreateSupplier(ctx context.Context, name, taxID string) (uuid.UUID, error) {
	if taxID != "" {
		var id uuid.UUID
		err := s.db.QueryRow(ctx, `SELECT id FROM suppliers WHERE tax_id = $1`, taxID).Scan(&id)
		if err == nil {
			return id, nil
		}
	}
	if name != "" {
		var id uuid.UUID
		err := s.db.QueryRow(ctx, `SELECT id FROM suppliers WHERE name = $1`, name).Scan(&id)
		if err == nil {
			return id, nil
		}
	}
	var taxIDPtr *string
	if taxID != "" {
		taxIDPtr = &taxID
	}
	id := uuid.New()
	_, err := s.db.Exec(ctx, `INSERT INTO suppliers (id, name, tax_id) VALUES ($1, $2, $3)`, id, name, taxIDPtr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating supplier: %w", err)
	}
	return id, nil
}

// MonthlyAggStore persists CostRecordMonthlyAgg rows.
type MonthlyAggStore struct {
	db dbtx.DBTX
}

// NewMonthlyAggStore creates a MonthlyAggStore.
func NewMonthlyAggStore(db dbtx.DBTX) *MonthlyAggStore {
	return &MonthlyAggStore{db: db}
}

// UpsertIncrement adds delta amounts/quantity/count onto the existing
// aggregate row for (year, month, locationId, supplierId, costType),
// creating it if absent. Used by the incremental aggregation path.
func (m *MonthlyAggStore) UpsertIncrement(ctx context.Context, a MonthlyAgg) error {
	_, err := m.db.Exec(ctx, `
		INSERT INTO cost_record_monthly_agg (year, month, location_id, supplier_id, cost_type, amount_sum, amount_net_sum, quantity_sum, record_count, last_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
		ON CONFLICT (year, month, location_id, supplier_id, cost_type) DO UPDATE SET
			amount_sum = cost_record_monthly_agg.amount_sum + EXCLUDED.amount_sum,
			amount_net_sum = cost_record_monthly_agg.amount_net_sum + EXCLUDED.amount_net_sum,
			quantity_sum = cost_record_monthly_agg.quantity_sum + EXCLUDED.quantity_sum,
			record_count = cost_record_monthly_agg.record_count + EXCLUDED.record_count,
			last_updated_at = now()`,
		a.Year, a.Month, a.LocationID, a.SupplierID, a.CostType,
		a.AmountSum, a.AmountNetSum, a.QuantitySum, a.RecordCount,
	)
	if err != nil {
		return fmt.Errorf("upserting monthly aggregate: %w", err)
	}
	return nil
}

// DeleteAll removes every aggregate row — the first step of a full rebuild.
func (m *MonthlyAggStore) DeleteAll(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `DELETE FROM cost_record_monthly_agg`)
	if err != nil {
		return fmt.Errorf("deleting monthly aggregates: %w", err)
	}
	return nil
}

// BulkInsert inserts a chunk of freshly computed aggregate rows (500-row
// chunks during a full rebuild, per spec §4.4).
func (m *MonthlyAggStore) BulkInsert(ctx context.Context, rows []MonthlyAgg) error {
	for _, a := range rows {
		_, err := m.db.Exec(ctx, `
			INSERT INTO cost_record_monthly_agg (year, month, location_id, supplier_id, cost_type, amount_sum, amount_net_sum, quantity_sum, record_count, last_updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())`,
			a.Year, a.Month, a.LocationID, a.SupplierID, a.CostType,
			a.AmountSum, a.AmountNetSum, a.QuantitySum, a.RecordCount,
		)
		if err != nil {
			return fmt.Errorf("bulk inserting monthly aggregate: %w", err)
		}
	}
	return nil
}

// SumFor returns the current aggregate amount sum for a dimension tuple.
func (m *MonthlyAggStore) SumFor(ctx context.Context, year, month int, locationID, supplierID uuid.UUID, costType CostType) (money.Amount, error) {
	var sum money.Amount
	err := m.db.QueryRow(ctx, `
		SELECT COALESCE(amount_sum, 0) FROM cost_record_monthly_agg
		WHERE year = $1 AND month = $2 AND location_id = $3 AND supplier_id = $4 AND cost_type = $5`,
		year, month, locationID, supplierID, string(costType),
	).Scan(&sum)
	if err != nil {
		return money.Zero, fmt.Errorf("querying monthly aggregate sum: %w", err)
	}
	return sum, nil
}
