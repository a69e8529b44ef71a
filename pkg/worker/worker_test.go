package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/costwatchdog/engine/pkg/connector"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestExtractionJob_JSONRoundTrip(t *testing.T) {
	locationID := uuid.New()
	uploadedBy := uuid.New()
	job := ExtractionJob{
		LocationID:       locationID,
		OriginalFilename: "march.csv",
		MimeType:         "text/csv",
		DocumentType:     "invoice",
		Buffer:           []byte("a,b,c\n1,2,3"),
		UploadedBy:       &uploadedBy,
		CSV: &connector.CSVConfig{
			HeaderRow: 0,
			StartRow:  1,
			ColumnMap: map[string]int{"periodStart": 0, "amount": 2},
		},
	}

	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ExtractionJob
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.LocationID != locationID {
		t.Errorf("LocationID = %v, want %v", decoded.LocationID, locationID)
	}
	if decoded.OriginalFilename != job.OriginalFilename {
		t.Errorf("OriginalFilename = %q, want %q", decoded.OriginalFilename, job.OriginalFilename)
	}
	if decoded.UploadedBy == nil || *decoded.UploadedBy != uploadedBy {
		t.Errorf("UploadedBy = %v, want %v", decoded.UploadedBy, uploadedBy)
	}
	if decoded.PDF != nil {
		t.Errorf("PDF should stay nil when omitted, got %+v", decoded.PDF)
	}
}

func TestAnomalyDetectionPayload_JSONRoundTrip(t *testing.T) {
	id := uuid.New()
	raw, err := json.Marshal(anomalyDetectionPayload{CostRecordID: id})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded anomalyDetectionPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.CostRecordID != id {
		t.Errorf("CostRecordID = %v, want %v", decoded.CostRecordID, id)
	}
}

func TestAggregationPayload_JSONRoundTrip(t *testing.T) {
	id := uuid.New()
	raw, err := json.Marshal(aggregationPayload{CostRecordID: id})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded aggregationPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.CostRecordID != id {
		t.Errorf("CostRecordID = %v, want %v", decoded.CostRecordID, id)
	}
}

func TestPools_HandleExtraction_RejectsMalformedPayload(t *testing.T) {
	p := &Pools{logger: discardLogger()}
	err := p.handleExtraction(context.Background(), json.RawMessage(`{"locationId": "not-a-uuid"`))
	if err == nil {
		t.Fatal("expected an error for truncated/invalid JSON")
	}
}

func TestPools_HandleAnomaly_RejectsMalformedPayload(t *testing.T) {
	p := &Pools{logger: discardLogger()}
	err := p.handleAnomaly(context.Background(), json.RawMessage(`not json`))
	if err == nil {
		t.Fatal("expected an error for non-JSON payload")
	}
}

func TestPools_HandleAggregation_RejectsMalformedPayload(t *testing.T) {
	p := &Pools{logger: discardLogger()}
	err := p.handleAggregation(context.Background(), json.RawMessage(`not json`))
	if err == nil {
		t.Fatal("expected an error for non-JSON payload")
	}
}

func TestConcurrencySettings_MatchDeclaredBudget(t *testing.T) {
	if ExtractionConcurrency != 2 || AnomalyConcurrency != 5 || AggregationConcurrency != 3 ||
		AlertsConcurrency != 3 || AlertsRatePerSecond != 20 || RetentionConcurrency != 1 {
		t.Fatal("worker concurrency constants drifted from the declared budget")
	}
}
