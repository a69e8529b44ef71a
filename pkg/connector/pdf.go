package connector

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

const pdfConnectorID = "pdf"
const pdfConnectorVersion = "1"

// PDFConfig configures the PDF connector. SupplierHints lets a caller pass
// known vendor name regexes/keywords the generic cascade should try before
// falling back to its built-in patterns.
type PDFConfig struct {
	SupplierHints []SupplierHint
}

// SupplierHint is one entry in the vendor-name regex step of the supplier
// detector cascade.
type SupplierHint struct {
	Name  string
	Regex *regexp.Regexp
}

// ParsePDF extracts embedded text from a PDF buffer and runs cost-record
// extraction over it. Scanned (image-only) PDFs are rejected with a
// needs_ocr warning rather than attempted, since this connector only reads
// embedded text.
func ParsePDF(buf []byte, cfg PDFConfig) Result {
	inputHash := hashInput(buf)
	audit := Audit{ConnectorID: pdfConnectorID, ConnectorVersion: pdfConnectorVersion, InputHash: inputHash}

	reader, err := pdf.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return Result{Success: false, Audit: audit, Error: fmt.Sprintf("opening pdf: %v", err)}
	}

	numPages := reader.NumPage()
	var lines []string
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		lines = append(lines, extractPageLines(page)...)
	}

	fullText := strings.Join(lines, "\n")
	if isScanned(fullText, numPages) {
		return Result{
			Success: false,
			Meta:    Metadata{SourceType: "pdf", Confidence: 0, Warnings: []string{"needs_ocr"}},
			Audit:   Audit{ConnectorID: pdfConnectorID, ConnectorVersion: pdfConnectorVersion, InputHash: inputHash, Warnings: []string{"needs_ocr"}},
		}
	}

	rec, confidence, warnings := extractFromText(fullText, cfg, inputHash)
	audit.Warnings = warnings

	return Result{
		Success: true,
		Records: []ExtractedCostRecord{rec},
		Meta:    Metadata{SourceType: "pdf", Confidence: confidence, Warnings: warnings},
		Audit:   audit,
	}
}

// pdfTextItem is a positioned glyph run read off a page's content stream.
type pdfTextItem struct {
	X, Y float64
	S    string
}

// extractPageLines groups a page's text runs into lines: runs are sorted by
// descending Y then ascending X, and a new line starts whenever the Y
// position drops by more than 5 units from the current line's baseline.
func extractPageLines(page pdf.Page) []string {
	texts := page.Content().Text
	items := make([]pdfTextItem, 0, len(texts))
	for _, t := range texts {
		items = append(items, pdfTextItem{X: t.X, Y: t.Y, S: t.S})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Y != items[j].Y {
			return items[i].Y > items[j].Y
		}
		return items[i].X < items[j].X
	})

	var lines []string
	var current strings.Builder
	lastY := 0.0
	haveLine := false
	for _, it := range items {
		if !haveLine {
			lastY = it.Y
			haveLine = true
		} else if diff := lastY - it.Y; diff > 5 {
			lines = append(lines, strings.TrimSpace(current.String()))
			current.Reset()
			lastY = it.Y
		}
		current.WriteString(it.S)
	}
	if current.Len() > 0 {
		lines = append(lines, strings.TrimSpace(current.String()))
	}
	return lines
}

// isScanned flags image-only PDFs: either the embedded text is too sparse
// relative to page count, or what text exists is mostly non-alphanumeric
// noise (a sign of a failed/garbled text layer rather than real content).
func isScanned(text string, pages int) bool {
	if pages == 0 {
		return true
	}
	nonWhitespace := 0
	alnum := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		nonWhitespace++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if nonWhitespace < 100*pages {
		return true
	}
	if nonWhitespace > 0 && float64(alnum)/float64(nonWhitespace) < 0.5 {
		return true
	}
	return false
}

var (
	taxIDRegex      = regexp.MustCompile(`(?i)(?:steuernummer|ust-?idnr\.?|tax\s*id)\s*[:.]?\s*([A-Z]{0,2}[\d/ ]{8,15})`)
	ibanRegex       = regexp.MustCompile(`(?i)\bIBAN\s*[:.]?\s*([A-Z]{2}\d{2}[A-Z0-9 ]{10,30})\b`)
	invoiceNoRegex  = regexp.MustCompile(`(?i)(?:rechnungs(?:nummer|nr)\.?|invoice\s*(?:no\.?|number))\s*[:.]?\s*([A-Za-z0-9\-/]+)`)
	contractNoRegex = regexp.MustCompile(`(?i)(?:vertrags(?:nummer|nr)\.?|contract\s*(?:no\.?|number))\s*[:.]?\s*([A-Za-z0-9\-/]+)`)
	meterNoRegex    = regexp.MustCompile(`(?i)(?:zähler(?:nummer|nr)\.?|meter\s*(?:no\.?|number))\s*[:.]?\s*([A-Za-z0-9\-/]+)`)
	customerNoRegex = regexp.MustCompile(`(?i)(?:kunden(?:nummer|nr)\.?|customer\s*(?:no\.?|number))\s*[:.]?\s*([A-Za-z0-9\-/]+)`)
	germanAmount    = regexp.MustCompile(`(\d{1,3}(?:\.\d{3})*,\d{2})\s*(?:€|EUR)?`)
	germanDate      = regexp.MustCompile(`\b(\d{2}\.\d{2}\.\d{4})\b`)
	periodRangeRgx  = regexp.MustCompile(`(?i)(?:abrechnungszeitraum|leistungszeitraum|period)\s*[:.]?\s*(\d{2}\.\d{2}\.\d{4})\s*(?:-|bis|to)\s*(\d{2}\.\d{2}\.\d{4})`)
	consumptionRgx  = regexp.MustCompile(`(?i)(\d{1,3}(?:\.\d{3})*(?:,\d+)?)\s*(kWh|m³|m3)`)
	nameHeaderRgx   = regexp.MustCompile(`^[A-ZÄÖÜ][\wÄÖÜäöüß&.\-]*(?:\s+[A-ZÄÖÜ][\wÄÖÜäöüß&.\-]*){0,4}\s+(?:GmbH|AG|KG|SE|mbH|Ltd\.?|Inc\.?)\b`)
)

var costKeywords = []string{"strom", "gas", "wasser", "fernwärme", "energie", "versorgung", "utilities", "energy", "electricity", "water"}

// extractFromText runs the field extractors and the supplier detector
// cascade over a PDF's flattened text, returning a single extracted record
// (a PDF connector invocation always represents one invoice) and warnings
// for anything it could not find.
func extractFromText(text string, cfg PDFConfig, inputHash string) (ExtractedCostRecord, float64, []string) {
	var warnings []string
	rec := ExtractedCostRecord{ExternalID: externalID(inputHash, 0)}

	supplierName, supplierConfidence, taxID, iban := detectSupplier(text, cfg.SupplierHints)
	rec.SupplierName = supplierName
	rec.SupplierTaxID = taxID
	rec.SupplierIBAN = iban
	if supplierName == "" {
		warnings = append(warnings, "supplier not detected")
	}

	if m := germanAmount.FindStringSubmatch(text); m != nil {
		if amt, err := normalizeDecimal(m[1]); err == nil {
			rec.AmountGross = amt
		}
	} else {
		warnings = append(warnings, "amount not detected")
	}

	if m := periodRangeRgx.FindStringSubmatch(text); m != nil {
		if start, err := parseFlexibleDate(m[1]); err == nil {
			rec.PeriodStart = start
		}
		if end, err := parseFlexibleDate(m[2]); err == nil {
			rec.PeriodEnd = end
		}
	} else if m := germanDate.FindStringSubmatch(text); m != nil {
		if d, err := parseFlexibleDate(m[1]); err == nil {
			rec.PeriodStart = d
			rec.PeriodEnd = d
			rec.InvoiceDate = d
		}
	} else {
		warnings = append(warnings, "period/invoice date not detected")
	}
	if rec.PeriodEnd.IsZero() {
		rec.PeriodEnd = rec.PeriodStart
	}
	if rec.InvoiceDate.IsZero() {
		rec.InvoiceDate = rec.PeriodStart
	}

	if m := invoiceNoRegex.FindStringSubmatch(text); m != nil {
		rec.InvoiceNumber = strings.TrimSpace(m[1])
	}
	if m := contractNoRegex.FindStringSubmatch(text); m != nil {
		rec.ContractNumber = strings.TrimSpace(m[1])
	}
	if m := meterNoRegex.FindStringSubmatch(text); m != nil {
		rec.MeterNumber = strings.TrimSpace(m[1])
	}
	if m := customerNoRegex.FindStringSubmatch(text); m != nil {
		rec.CustomerNumber = strings.TrimSpace(m[1])
	}
	if m := consumptionRgx.FindStringSubmatch(text); m != nil {
		if q, err := normalizeDecimal(m[1]); err == nil {
			if f, convErr := parseFloatLoose(q); convErr == nil {
				rec.Quantity = &f
				rec.Unit = m[2]
			}
		}
	}

	rec.CostType = NormalizeCostType(detectCostTypeKeyword(text))

	confidence := supplierConfidence
	if rec.AmountGross == "" || rec.PeriodStart.IsZero() {
		confidence *= 0.5
	}

	return rec, confidence, warnings
}

// detectSupplier runs the cascade in priority order: exact tax-ID match,
// exact IBAN match, vendor-name regex, then a loose cost-keyword fallback.
// Each step's confidence reflects how reliable that signal is in practice.
func detectSupplier(text string, hints []SupplierHint) (name string, confidence float64, taxID string, iban string) {
	if m := taxIDRegex.FindStringSubmatch(text); m != nil {
		taxID = strings.TrimSpace(m[1])
	}
	if m := ibanRegex.FindStringSubmatch(text); m != nil {
		iban = strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "")
	}

	if taxID != "" {
		if n := nameNear(text, taxIDRegex); n != "" {
			return n, 0.95, taxID, iban
		}
		return "unknown (tax id matched)", 0.95, taxID, iban
	}
	if iban != "" {
		if n := nameNear(text, ibanRegex); n != "" {
			return n, 0.90, taxID, iban
		}
		return "unknown (iban matched)", 0.90, taxID, iban
	}

	for _, h := range hints {
		if h.Regex.MatchString(text) {
			return h.Name, 0.80, taxID, iban
		}
	}
	if m := nameHeaderRgx.FindString(text); m != "" {
		return strings.TrimSpace(m), 0.80, taxID, iban
	}

	for _, kw := range costKeywords {
		if strings.Contains(strings.ToLower(text), kw) {
			return "", 0.60, taxID, iban
		}
	}
	return "", 0, taxID, iban
}

// nameNear looks for a company-name header on the line preceding a matched
// tax-ID/IBAN line, a common invoice layout.
func nameNear(text string, re *regexp.Regexp) string {
	loc := re.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	before := text[:loc[0]]
	lines := strings.Split(before, "\n")
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-3; i-- {
		if m := nameHeaderRgx.FindString(lines[i]); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

func detectCostTypeKeyword(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range costKeywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

func parseFloatLoose(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}
