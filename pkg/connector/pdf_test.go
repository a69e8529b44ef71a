package connector

import "testing"

func TestIsScanned(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		pages int
		want  bool
	}{
		{"sparse text flagged scanned", "hi", 1, true},
		{"zero pages flagged scanned", "", 0, true},
		{"noisy text flagged scanned", generateNoise(300), 1, true},
		{"normal invoice text not scanned", generateProse(300), 1, false},
	}
	for _, tt := range tests {
		if got := isScanned(tt.text, tt.pages); got != tt.want {
			t.Errorf("%s: isScanned() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func generateNoise(n int) string {
	out := make([]byte, 0, n)
	symbols := []byte("#$%^&*()[]{}<>~`|\\")
	for i := 0; i < n; i++ {
		out = append(out, symbols[i%len(symbols)])
	}
	return string(out)
}

func generateProse(n int) string {
	sentence := "Rechnung fuer Stromlieferung im Abrechnungszeitraum des Kunden "
	out := ""
	for len(out) < n {
		out += sentence
	}
	return out
}

func TestDetectSupplier_TaxIDCascade(t *testing.T) {
	text := "Stadtwerke Musterstadt GmbH\nSteuernummer: 12/345/67890\nIBAN: DE02500105170137075030\n"
	name, confidence, taxID, iban := detectSupplier(text, nil)
	if taxID == "" {
		t.Fatal("expected a tax id to be detected")
	}
	if confidence != 0.95 {
		t.Errorf("confidence = %f, want 0.95 for tax-id match", confidence)
	}
	if name == "" {
		t.Error("expected a supplier name near the tax id")
	}
	if iban == "" {
		t.Error("expected an iban to be captured alongside the tax id match")
	}
}

func TestDetectSupplier_KeywordFallback(t *testing.T) {
	text := "Your monthly electricity usage summary"
	_, confidence, _, _ := detectSupplier(text, nil)
	if confidence != 0.60 {
		t.Errorf("confidence = %f, want 0.60 for keyword fallback", confidence)
	}
}

func TestDetectSupplier_NoMatch(t *testing.T) {
	_, confidence, _, _ := detectSupplier("nothing relevant here", nil)
	if confidence != 0 {
		t.Errorf("confidence = %f, want 0 when nothing matches", confidence)
	}
}

func TestExtractFromText_GermanInvoice(t *testing.T) {
	text := "Stadtwerke Musterstadt GmbH\n" +
		"Steuernummer: 12/345/67890\n" +
		"Rechnungsnummer: RE-2024-001\n" +
		"Abrechnungszeitraum: 01.01.2024 - 31.01.2024\n" +
		"Gesamtbetrag: 1.234,56 €\n" +
		"Verbrauch: 2.500 kWh\n"

	rec, confidence, _ := extractFromText(text, PDFConfig{}, "deadbeef")
	if rec.AmountGross != "1234.56" {
		t.Errorf("amountGross = %q, want 1234.56", rec.AmountGross)
	}
	if rec.InvoiceNumber != "RE-2024-001" {
		t.Errorf("invoiceNumber = %q, want RE-2024-001", rec.InvoiceNumber)
	}
	if rec.Quantity == nil || *rec.Quantity != 2500 {
		t.Errorf("quantity = %v, want 2500", rec.Quantity)
	}
	if rec.Unit != "kWh" {
		t.Errorf("unit = %q, want kWh", rec.Unit)
	}
	if confidence <= 0 {
		t.Errorf("confidence = %f, want > 0", confidence)
	}
}
