// Package worker wires the four queue consumers (extraction, anomaly,
// aggregation, alerts) onto the domain services that actually do the work,
// at their declared concurrency. The retention scheduler and the outbox
// dispatcher are not run from this package; internal/app starts them.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/costwatchdog/engine/pkg/aggregate"
	"github.com/costwatchdog/engine/pkg/alertdispatch"
	"github.com/costwatchdog/engine/pkg/anomaly"
	"github.com/costwatchdog/engine/pkg/connector"
	"github.com/costwatchdog/engine/pkg/ingestion"
	"github.com/costwatchdog/engine/pkg/queue"
)

// Concurrency settings per spec §5.
const (
	ExtractionConcurrency  = 2
	AnomalyConcurrency     = 5
	AggregationConcurrency = 3
	AlertsConcurrency      = 3
	AlertsRatePerSecond    = 20
	RetentionConcurrency   = 1
)

// ExtractionJob is the payload the extraction queue carries: an uploaded
// document still waiting on connector extraction + persistence. Exactly
// one of CSV or PDF selects the connector, mirroring ingestion.Request.
type ExtractionJob struct {
	LocationID       uuid.UUID          `json:"locationId"`
	OriginalFilename string             `json:"originalFilename"`
	MimeType         string             `json:"mimeType"`
	DocumentType     string             `json:"documentType"`
	Buffer           []byte             `json:"buffer"`
	UploadedBy       *uuid.UUID         `json:"uploadedBy,omitempty"`
	CSV              *connector.CSVConfig `json:"csv,omitempty"`
	PDF              *connector.PDFConfig `json:"pdf,omitempty"`
}

// anomalyDetectionPayload mirrors the outbox payload ingestion.Service
// writes for the "anomaly-detection" event type.
type anomalyDetectionPayload struct {
	CostRecordID uuid.UUID `json:"costRecordId"`
}

// aggregationPayload mirrors the outbox payload ingestion.Service writes
// for the "aggregation" event type.
type aggregationPayload struct {
	CostRecordID uuid.UUID `json:"costRecordId"`
}

// Pools bundles the four named queues and the handlers Run starts consuming
// them with.
type Pools struct {
	Extraction  *queue.Queue
	Anomaly     *queue.Queue
	Aggregation *queue.Queue
	Alerts      *queue.Queue

	ingestionService *ingestion.Service
	anomalyEngine    *anomaly.Engine
	aggregateWorker  *aggregate.Worker
	alertWorker      *alertdispatch.Worker
	logger           *slog.Logger
}

// NewPools builds the worker pools around the already-constructed domain
// services; the composition root owns wiring those services' own
// dependencies (DB pool, Redis, config).
func NewPools(
	extraction, anomalyQ, aggregation, alerts *queue.Queue,
	ingestionService *ingestion.Service,
	anomalyEngine *anomaly.Engine,
	aggregateWorker *aggregate.Worker,
	alertWorker *alertdispatch.Worker,
	logger *slog.Logger,
) *Pools {
	return &Pools{
		Extraction: extraction, Anomaly: anomalyQ, Aggregation: aggregation, Alerts: alerts,
		ingestionService: ingestionService, anomalyEngine: anomalyEngine,
		aggregateWorker: aggregateWorker, alertWorker: alertWorker, logger: logger,
	}
}

// Run starts all four queue consumers and blocks until ctx is cancelled.
func (p *Pools) Run(ctx context.Context) {
	done := make(chan struct{}, 4)

	go func() {
		p.Extraction.Consume(ctx, p.handleExtraction, queue.ConsumeOptions{Concurrency: ExtractionConcurrency})
		done <- struct{}{}
	}()
	go func() {
		p.Anomaly.Consume(ctx, p.handleAnomaly, queue.ConsumeOptions{Concurrency: AnomalyConcurrency})
		done <- struct{}{}
	}()
	go func() {
		p.Aggregation.Consume(ctx, p.handleAggregation, queue.ConsumeOptions{Concurrency: AggregationConcurrency})
		done <- struct{}{}
	}()
	go func() {
		p.Alerts.Consume(ctx, p.alertWorker.Process, queue.ConsumeOptions{Concurrency: AlertsConcurrency, RatePerSecond: AlertsRatePerSecond})
		done <- struct{}{}
	}()

	for i := 0; i < 4; i++ {
		<-done
	}
}

func (p *Pools) handleExtraction(ctx context.Context, payload json.RawMessage) error {
	var job ExtractionJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decoding extraction job: %w", err)
	}

	req := ingestion.Request{
		LocationID:       job.LocationID,
		OriginalFilename: job.OriginalFilename,
		MimeType:         job.MimeType,
		DocumentType:     job.DocumentType,
		Buffer:           job.Buffer,
		UploadedBy:       job.UploadedBy,
		CSV:              job.CSV,
		PDF:              job.PDF,
	}

	outcome, err := p.ingestionService.Ingest(ctx, req)
	if err != nil {
		return fmt.Errorf("ingesting document: %w", err)
	}
	p.logger.Info("extraction completed",
		"document_id", outcome.DocumentID, "records_stored", outcome.RecordsStored, "duplicate", outcome.Duplicate)
	return nil
}

func (p *Pools) handleAnomaly(ctx context.Context, payload json.RawMessage) error {
	var job anomalyDetectionPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decoding anomaly-detection job: %w", err)
	}
	if _, err := p.anomalyEngine.Detect(ctx, job.CostRecordID, false); err != nil {
		return fmt.Errorf("detecting anomalies for cost record %s: %w", job.CostRecordID, err)
	}
	return nil
}

func (p *Pools) handleAggregation(ctx context.Context, payload json.RawMessage) error {
	var job aggregationPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decoding aggregation job: %w", err)
	}
	if err := p.aggregateWorker.Incremental(ctx, job.CostRecordID); err != nil {
		return fmt.Errorf("incrementing aggregate for cost record %s: %w", job.CostRecordID, err)
	}
	return nil
}
