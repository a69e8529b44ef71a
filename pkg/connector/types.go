// Package connector holds the pure extraction functions that turn raw
// invoice/CSV/PDF bytes into canonical records. A connector never touches a
// database, object store, or queue — it is a (bytes, config) -> (records,
// audit) function, so it can be unit tested without any of that
// infrastructure and safely retried on failure.
package connector

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// ExtractedCostRecord is the connector-layer shape of a cost record, before
// location/supplier resolution and persistence. Amounts are plain strings
// (decimal-formatted, connector's locale-normalized form) rather than
// money.Amount so this package has no dependency on pkg/record or pkg/money;
// pkg/ingestion parses and validates them at the trust boundary.
type ExtractedCostRecord struct {
	ExternalID      string     `json:"externalId"`
	SupplierName    string     `json:"supplierName"`
	SupplierTaxID   string     `json:"supplierTaxId,omitempty"`
	SupplierIBAN    string     `json:"supplierIban,omitempty"`
	CostType        string     `json:"costType"`
	PeriodStart     time.Time  `json:"periodStart"`
	PeriodEnd       time.Time  `json:"periodEnd"`
	InvoiceDate     time.Time  `json:"invoiceDate"`
	AmountGross     string     `json:"amountGross"`
	AmountNet       string     `json:"amountNet,omitempty"`
	VatAmount       string     `json:"vatAmount,omitempty"`
	VatRate         float64    `json:"vatRate,omitempty"`
	Quantity        *float64   `json:"quantity,omitempty"`
	Unit            string     `json:"unit,omitempty"`
	InvoiceNumber   string     `json:"invoiceNumber,omitempty"`
	ContractNumber  string     `json:"contractNumber,omitempty"`
	MeterNumber     string     `json:"meterNumber,omitempty"`
	CustomerNumber  string     `json:"customerNumber,omitempty"`
	Confidence      float64    `json:"confidence"`
}

// Audit describes how a connector produced its output, independent of
// whether extraction succeeded.
type Audit struct {
	ConnectorID      string   `json:"connectorId"`
	ConnectorVersion string   `json:"connectorVersion"`
	InputHash        string   `json:"inputHash"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Metadata carries connector-level confidence and source classification
// alongside the extracted records.
type Metadata struct {
	SourceType string  `json:"sourceType"`
	Confidence float64 `json:"confidence"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Result is the full output of a connector invocation.
type Result struct {
	Success bool                   `json:"success"`
	Records []ExtractedCostRecord  `json:"records"`
	Meta    Metadata               `json:"metadata"`
	Audit   Audit                  `json:"audit"`
	Error   string                 `json:"error,omitempty"`
}

// hashInput returns the SHA-256 hex digest a connector reports as
// audit.inputHash, and the seed externalIds are derived from for dedup.
func hashInput(buf []byte) string {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// externalID derives a stable, idempotent id for a row: re-running the same
// connector over the same bytes must produce the same externalId for the
// same row index, so re-ingestion is a no-op rather than a duplicate.
func externalID(inputHash string, rowIndex int) string {
	sum := sha256.Sum256([]byte(inputHash + ":" + strconv.Itoa(rowIndex)))
	return hex.EncodeToString(sum[:])[:32]
}
