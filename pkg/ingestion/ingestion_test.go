package ingestion

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/costwatchdog/engine/pkg/connector"
	"github.com/costwatchdog/engine/pkg/record"
)

func TestToCostRecord_DefaultsNetAndVatFromGross(t *testing.T) {
	locationID := uuid.New()
	supplierID := uuid.New()
	er := connector.ExtractedCostRecord{
		CostType:    "electricity",
		PeriodStart: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC),
		AmountGross: "1234.56",
		Confidence:  0.9,
	}

	c, warn := toCostRecord(er, locationID, supplierID, "csv")
	if warn != "" {
		t.Fatalf("unexpected warning: %s", warn)
	}
	if c.AmountGross.String() != "1234.5600" {
		t.Errorf("amountGross = %s, want 1234.5600", c.AmountGross)
	}
	if c.AmountNet.Cmp(c.AmountGross) != 0 {
		t.Errorf("amountNet should default to amountGross when unspecified, got %s vs %s", c.AmountNet, c.AmountGross)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid record, got %v", err)
	}
}

func TestToCostRecord_UnparseableAmountIsWarning(t *testing.T) {
	er := connector.ExtractedCostRecord{AmountGross: "not-a-number"}
	_, warn := toCostRecord(er, uuid.New(), uuid.New(), "csv")
	if warn == "" {
		t.Fatal("expected a warning for an unparseable amount")
	}
}

func TestToCostRecord_SplitsNetAndVat(t *testing.T) {
	er := connector.ExtractedCostRecord{
		PeriodStart: time.Now(),
		PeriodEnd:   time.Now(),
		AmountGross: "119.00",
		AmountNet:   "100.00",
		VatAmount:   "19.00",
	}
	c, warn := toCostRecord(er, uuid.New(), uuid.New(), "pdf")
	if warn != "" {
		t.Fatalf("unexpected warning: %s", warn)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid record, got %v", err)
	}
	if c.DataQuality != record.DataQualityExtracted {
		t.Errorf("dataQuality = %s, want extracted", c.DataQuality)
	}
}
