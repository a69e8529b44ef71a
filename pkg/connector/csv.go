package connector

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CSVConfig is the connector-typed config a caller supplies alongside the
// raw buffer. ColumnMap keys are the canonical field names the connector
// understands; values are zero-based column indexes into each row.
type CSVConfig struct {
	Delimiter  rune           // 0 triggers auto-detection
	HeaderRow  int            // -1 means no header row present
	StartRow   int            // first data row index, 0-based
	ColumnMap  map[string]int // required: "periodStart", "amount"; optional: "periodEnd", "invoiceDate", "supplierName", "costType", "invoiceNumber", "contractNumber", "quantity", "unit"
}

const csvConnectorID = "csv"
const csvConnectorVersion = "1"

var csvDelimiters = []rune{';', ',', '\t', '|'}

// detectDelimiter picks the delimiter with the highest occurrence count
// summed over the first five lines, the same heuristic spreadsheet exports
// from German and English accounting tools both fall into.
func detectDelimiter(buf []byte) rune {
	lines := strings.SplitN(string(buf), "\n", 6)
	if len(lines) > 5 {
		lines = lines[:5]
	}
	best := csvDelimiters[0]
	bestCount := -1
	for _, d := range csvDelimiters {
		count := 0
		for _, l := range lines {
			count += strings.Count(l, string(d))
		}
		if count > bestCount {
			bestCount = count
			best = d
		}
	}
	return best
}

// ParseCSV extracts cost records from a CSV buffer. It never errors for a
// single bad row — rows that fail to parse become warnings and are skipped,
// so a file with some malformed lines still yields the valid subset.
func ParseCSV(buf []byte, cfg CSVConfig) Result {
	inputHash := hashInput(buf)
	audit := Audit{ConnectorID: csvConnectorID, ConnectorVersion: csvConnectorVersion, InputHash: inputHash}

	if cfg.ColumnMap == nil {
		audit.Warnings = append(audit.Warnings, "no column mapping supplied")
		return Result{Success: false, Audit: audit, Error: "missing column mapping"}
	}
	if _, ok := cfg.ColumnMap["periodStart"]; !ok {
		return Result{Success: false, Audit: audit, Error: "column mapping missing required field periodStart"}
	}
	if _, ok := cfg.ColumnMap["amount"]; !ok {
		return Result{Success: false, Audit: audit, Error: "column mapping missing required field amount"}
	}

	delim := cfg.Delimiter
	if delim == 0 {
		delim = detectDelimiter(buf)
	}

	r := csv.NewReader(bytes.NewReader(buf))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rows, err := r.ReadAll()
	if err != nil {
		return Result{Success: false, Audit: audit, Error: fmt.Sprintf("reading csv: %v", err)}
	}

	start := cfg.StartRow
	if start == 0 && cfg.HeaderRow == 0 {
		start = 1
	}
	if start >= len(rows) {
		return Result{Success: false, Audit: audit, Error: "no data rows after header/start row"}
	}
	dataRows := rows[start:]

	var records []ExtractedCostRecord
	var warnings []string
	for i, row := range dataRows {
		rec, warn := parseCSVRow(row, cfg.ColumnMap, inputHash, i)
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("row %d: %s", start+i, warn))
			continue
		}
		records = append(records, rec)
	}

	confidence := 0.0
	if len(dataRows) > 0 {
		confidence = 0.5 + (float64(len(records))/float64(len(dataRows)))*0.4
		if confidence > 0.9 {
			confidence = 0.9
		}
	}
	audit.Warnings = warnings

	return Result{
		Success: len(records) > 0,
		Records: records,
		Meta:    Metadata{SourceType: "csv", Confidence: confidence, Warnings: warnings},
		Audit:   audit,
	}
}

func parseCSVRow(row []string, colMap map[string]int, inputHash string, rowIndex int) (ExtractedCostRecord, string) {
	get := func(field string) (string, bool) {
		idx, ok := colMap[field]
		if !ok || idx >= len(row) {
			return "", false
		}
		return strings.TrimSpace(row[idx]), true
	}

	periodStartRaw, ok := get("periodStart")
	if !ok || periodStartRaw == "" {
		return ExtractedCostRecord{}, "missing periodStart"
	}
	periodStart, err := parseFlexibleDate(periodStartRaw)
	if err != nil {
		return ExtractedCostRecord{}, fmt.Sprintf("unparseable periodStart %q: %v", periodStartRaw, err)
	}

	amountRaw, ok := get("amount")
	if !ok || amountRaw == "" {
		return ExtractedCostRecord{}, "missing amount"
	}
	amount, err := normalizeDecimal(amountRaw)
	if err != nil {
		return ExtractedCostRecord{}, fmt.Sprintf("unparseable amount %q: %v", amountRaw, err)
	}

	rec := ExtractedCostRecord{
		ExternalID:  externalID(inputHash, rowIndex),
		PeriodStart: periodStart,
		PeriodEnd:   periodStart,
		InvoiceDate: periodStart,
		AmountGross: amount,
		Confidence:  0.9,
	}

	if v, ok := get("periodEnd"); ok && v != "" {
		if d, err := parseFlexibleDate(v); err == nil {
			rec.PeriodEnd = d
		}
	}
	if v, ok := get("invoiceDate"); ok && v != "" {
		if d, err := parseFlexibleDate(v); err == nil {
			rec.InvoiceDate = d
		}
	}
	if v, ok := get("supplierName"); ok {
		rec.SupplierName = v
	}
	if v, ok := get("costType"); ok {
		rec.CostType = NormalizeCostType(v)
	} else {
		rec.CostType = CostTypeOther
	}
	if v, ok := get("invoiceNumber"); ok {
		rec.InvoiceNumber = v
	}
	if v, ok := get("contractNumber"); ok {
		rec.ContractNumber = v
	}
	if v, ok := get("unit"); ok {
		rec.Unit = v
	}
	if v, ok := get("quantity"); ok && v != "" {
		if q, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64); err == nil {
			rec.Quantity = &q
		}
	}

	return rec, ""
}

// normalizeDecimal applies the German/English decimal-separator heuristic:
// if the last comma sits after the last dot, the comma is the decimal
// separator (1.234,56 -> 1234.56); otherwise the dot is (1,234.56 -> 1234.56).
func normalizeDecimal(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "€")
	s = strings.TrimPrefix(s, "€")
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	var normalized string
	switch {
	case lastComma == -1 && lastDot == -1:
		normalized = s
	case lastComma == -1:
		// No comma: dots are ambiguous between "thousands separator" (German,
		// e.g. 2.500) and "decimal point" (English, e.g. 12.50). Dot groups
		// that are all exactly 3 digits are thousands separators.
		if isThousandsGrouping(s) {
			normalized = strings.ReplaceAll(s, ".", "")
		} else {
			normalized = s
		}
	case lastComma > lastDot:
		// German: dots are thousands separators, comma is decimal.
		normalized = strings.ReplaceAll(s, ".", "")
		normalized = strings.Replace(normalized, ",", ".", 1)
	default:
		// English: commas are thousands separators, dot is decimal.
		normalized = strings.ReplaceAll(s, ",", "")
	}

	if _, err := strconv.ParseFloat(normalized, 64); err != nil {
		return "", fmt.Errorf("not a decimal number: %w", err)
	}
	return normalized, nil
}

// isThousandsGrouping reports whether every dot-separated group after the
// first is exactly 3 digits, e.g. "2.500" or "1.234.567" — the shape of a
// German thousands-grouped integer rather than a decimal amount.
func isThousandsGrouping(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts[0]) == 0 || len(parts[0]) > 3 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return false
		}
	}
	return true
}

var dateLayouts = []string{
	"02.01.2006",
	"02/01/2006",
	"2006-01-02",
	"02-01-2006",
}

// parseFlexibleDate tries the layouts invoices in the wild actually use,
// in the order they're most likely to appear, before falling back to Go's
// native RFC3339 parse.
func parseFlexibleDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("no matching date layout for %q", s)
}
