// Package ingestion orchestrates a connector's output into durable state:
// content-hash dedup, object-store upload, and a single DB transaction that
// inserts the Document, its CostRecords, and the outbox events that fan out
// to the anomaly and aggregation workers.
package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/costwatchdog/engine/internal/dbtx"
	"github.com/costwatchdog/engine/pkg/connector"
	"github.com/costwatchdog/engine/pkg/document"
	"github.com/costwatchdog/engine/pkg/money"
	"github.com/costwatchdog/engine/pkg/outbox"
	"github.com/costwatchdog/engine/pkg/record"
)

// Request is a single ingestion run: one file, destined for one location.
type Request struct {
	LocationID       uuid.UUID
	OriginalFilename string
	MimeType         string
	DocumentType     string
	Buffer           []byte
	UploadedBy       *uuid.UUID

	// Exactly one of CSV or PDF must be set to select the connector.
	CSV *connector.CSVConfig
	PDF *connector.PDFConfig
}

// Outcome summarizes what an ingestion run did.
type Outcome struct {
	DocumentID    uuid.UUID
	Duplicate     bool
	RecordsStored int
	Warnings      []string
}

// Service wires the connectors, the document store/object store, the cost
// record store, and the outbox together.
type Service struct {
	pool                 *pgxpool.Pool
	objects              document.ObjectStore
	logger               *slog.Logger
	documentsIngested    *prometheus.CounterVec // ingestion_documents_total{connector, outcome}
	costRecordsExtracted *prometheus.CounterVec // ingestion_cost_records_extracted_total{connector}
	ingestionDuration    *prometheus.HistogramVec // ingestion_duration_seconds{connector}
}

// NewService creates an ingestion Service.
func NewService(pool *pgxpool.Pool, objects document.ObjectStore, logger *slog.Logger,
	documentsIngested, costRecordsExtracted *prometheus.CounterVec, ingestionDuration *prometheus.HistogramVec,
) *Service {
	return &Service{
		pool: pool, objects: objects, logger: logger,
		documentsIngested: documentsIngested, costRecordsExtracted: costRecordsExtracted, ingestionDuration: ingestionDuration,
	}
}

// Ingest runs a connector over req.Buffer and, if it isn't a dedup hit,
// persists the resulting Document, CostRecords, and outbox events in one
// transaction. Failures are fatal to the whole batch: no partial Document,
// no orphaned CostRecords, no orphaned outbox events.
func (s *Service) Ingest(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	var sourceType string
	defer func() {
		s.ingestionDuration.WithLabelValues(sourceType).Observe(time.Since(start).Seconds())
	}()

	result, sourceType, err := s.extract(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("extracting: %w", err)
	}
	if !result.Success {
		return Outcome{}, fmt.Errorf("connector failed: %s", result.Error)
	}

	docStore := document.NewStore(s.pool)
	existing, found, err := docStore.FindByHash(ctx, result.Audit.InputHash)
	if err != nil {
		return Outcome{}, fmt.Errorf("checking document dedup: %w", err)
	}
	if found {
		s.logger.Info("ingestion dedup hit", "document_id", existing.ID, "file_hash", result.Audit.InputHash)
		return Outcome{DocumentID: existing.ID, Duplicate: true}, nil
	}

	docID := uuid.New()
	uploadedAt := time.Now()
	key := document.StorageKey(uploadedAt, docID, req.OriginalFilename)
	if err := s.objects.Put(ctx, key, bytes.NewReader(req.Buffer), req.MimeType); err != nil {
		return Outcome{}, fmt.Errorf("uploading to object store: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("beginning ingestion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = document.NewStore(tx).Insert(ctx, document.Document{
		ID:                 docID,
		OriginalFilename:   req.OriginalFilename,
		MimeType:           req.MimeType,
		FileSize:           int64(len(req.Buffer)),
		FileHash:           result.Audit.InputHash,
		StoragePath:        key,
		DocumentType:       req.DocumentType,
		ExtractionStatus:   document.ExtractionProcessing,
		VerificationStatus: "unverified",
		UploadedBy:         req.UploadedBy,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("inserting document: %w", err)
	}

	recStore := record.NewStore(tx)

	locationOK, err := recStore.ResolveLocation(ctx, req.LocationID)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolving location: %w", err)
	}
	if !locationOK {
		return Outcome{}, fmt.Errorf("unresolvable location %s", req.LocationID)
	}

	supplierCache := make(map[string]uuid.UUID)
	var warnings []string
	stored := 0

	for i, er := range result.Records {
		supplierKey := er.SupplierTaxID + "|" + er.SupplierName
		supplierID, ok := supplierCache[supplierKey]
		if !ok {
			supplierID, err = recStore.FindOrCreateSupplier(ctx, er.SupplierName, er.SupplierTaxID)
			if err != nil {
				return Outcome{}, fmt.Errorf("resolving supplier: %w", err)
			}
			supplierCache[supplierKey] = supplierID
		}

		c, warn := toCostRecord(er, req.LocationID, supplierID, sourceType)
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("record %d: %s", i, warn))
			continue
		}
		if err := c.Validate(); err != nil {
			warnings = append(warnings, fmt.Sprintf("record %d: %v", i, err))
			continue
		}

		inserted, err := recStore.Insert(ctx, c)
		if err != nil {
			return Outcome{}, fmt.Errorf("inserting cost record: %w", err)
		}
		stored++
		s.costRecordsExtracted.WithLabelValues(sourceType).Inc()

		obStore := outbox.NewStore(tx)
		if _, err := obStore.Insert(ctx, "cost_record", inserted.ID, "anomaly-detection", map[string]any{"costRecordId": inserted.ID}); err != nil {
			return Outcome{}, fmt.Errorf("enqueueing anomaly-detection outbox event: %w", err)
		}
		if _, err := obStore.Insert(ctx, "cost_record", inserted.ID, "aggregation", map[string]any{"costRecordId": inserted.ID}); err != nil {
			return Outcome{}, fmt.Errorf("enqueueing aggregation outbox event: %w", err)
		}
	}

	if err := document.NewStore(tx).UpdateExtractionStatus(ctx, docID, document.ExtractionCompleted); err != nil {
		return Outcome{}, fmt.Errorf("updating extraction status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("committing ingestion transaction: %w", err)
	}

	s.documentsIngested.WithLabelValues(sourceType, "success").Inc()
	return Outcome{DocumentID: docID, RecordsStored: stored, Warnings: append(result.Meta.Warnings, warnings...)}, nil
}

func (s *Service) extract(req Request) (connector.Result, string, error) {
	switch {
	case req.CSV != nil:
		return connector.ParseCSV(req.Buffer, *req.CSV), "csv", nil
	case req.PDF != nil:
		return connector.ParsePDF(req.Buffer, *req.PDF), "pdf", nil
	default:
		return connector.Result{}, "", fmt.Errorf("request specifies no connector config")
	}
}

// toCostRecord converts a connector-extracted row into a validated-shape
// CostRecord. Amount parsing failures become a warning rather than an error,
// matching the "skip the offending record" contract.
func toCostRecord(er connector.ExtractedCostRecord, locationID, supplierID uuid.UUID, sourceType string) (record.CostRecord, string) {
	gross, err := money.New(er.AmountGross)
	if err != nil {
		return record.CostRecord{}, fmt.Sprintf("unparseable amountGross %q: %v", er.AmountGross, err)
	}

	net := gross
	vat := money.Zero
	if er.AmountNet != "" {
		if n, err := money.New(er.AmountNet); err == nil {
			net = n
		}
	}
	if er.VatAmount != "" {
		if v, err := money.New(er.VatAmount); err == nil {
			vat = v
		}
	}
	if er.AmountNet == "" && er.VatAmount == "" {
		net = gross
		vat = money.Zero
	}

	// csv uploads are spreadsheet imports; pdf uploads go through text
	// extraction. Manual entry bypasses connectors entirely and is set
	// directly by the handler that accepts manual CostRecord input.
	dataQuality := record.DataQualityExtracted
	if sourceType == "csv" {
		dataQuality = record.DataQualityImported
	}

	var contractNumber *string
	if er.ContractNumber != "" {
		contractNumber = &er.ContractNumber
	}

	return record.CostRecord{
		LocationID:     locationID,
		SupplierID:     supplierID,
		CostType:       record.CostType(er.CostType),
		PeriodStart:    er.PeriodStart,
		PeriodEnd:      er.PeriodEnd,
		InvoiceDate:    er.InvoiceDate,
		AmountGross:    gross,
		AmountNet:      net,
		VatAmount:      vat,
		VatRate:        er.VatRate,
		Quantity:       er.Quantity,
		Unit:           nonEmpty(er.Unit),
		InvoiceNumber:  er.InvoiceNumber,
		ContractNumber: contractNumber,
		Confidence:     er.Confidence,
		DataQuality:    dataQuality,
	}, ""
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ dbtx.DBTX = (*pgxpool.Pool)(nil)
