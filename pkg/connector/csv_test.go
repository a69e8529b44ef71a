package connector

import "testing"

func TestParseCSV_GermanDecimal(t *testing.T) {
	buf := []byte("periodStart;amount\n01.03.2024;1.234,56 €\n")
	cfg := CSVConfig{
		HeaderRow: 0,
		ColumnMap: map[string]int{"periodStart": 0, "amount": 1},
	}
	res := ParseCSV(buf, cfg)
	if !res.Success {
		t.Fatalf("expected success, got error %q, warnings %v", res.Error, res.Audit.Warnings)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	rec := res.Records[0]
	if got := rec.PeriodStart.Format("2006-01-02"); got != "2024-03-01" {
		t.Errorf("periodStart = %s, want 2024-03-01", got)
	}
	if rec.AmountGross != "1234.56" {
		t.Errorf("amountGross = %q, want 1234.56", rec.AmountGross)
	}
}

func TestParseCSV_EnglishDecimal(t *testing.T) {
	buf := []byte("periodStart,amount\n2024-03-01,\"1,234.56\"\n")
	cfg := CSVConfig{
		HeaderRow: 0,
		ColumnMap: map[string]int{"periodStart": 0, "amount": 1},
	}
	res := ParseCSV(buf, cfg)
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Records[0].AmountGross != "1234.56" {
		t.Errorf("amountGross = %q, want 1234.56", res.Records[0].AmountGross)
	}
}

func TestParseCSV_PartialSuccessOnBadRow(t *testing.T) {
	buf := []byte("periodStart;amount\n01.03.2024;100,00\nnot-a-date;50,00\n01.04.2024;200,00\n")
	cfg := CSVConfig{
		HeaderRow: 0,
		ColumnMap: map[string]int{"periodStart": 0, "amount": 1},
	}
	res := ParseCSV(buf, cfg)
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 valid records, got %d", len(res.Records))
	}
	if len(res.Audit.Warnings) != 1 {
		t.Fatalf("expected 1 warning for the bad row, got %d: %v", len(res.Audit.Warnings), res.Audit.Warnings)
	}
	// confidence = min(0.9, 0.5 + (2/3)*0.4)
	if res.Meta.Confidence <= 0.5 || res.Meta.Confidence >= 0.9 {
		t.Errorf("confidence = %f, expected in (0.5, 0.9)", res.Meta.Confidence)
	}
}

func TestParseCSV_MissingRequiredMapping(t *testing.T) {
	buf := []byte("a,b\n1,2\n")
	res := ParseCSV(buf, CSVConfig{ColumnMap: map[string]int{"periodStart": 0}})
	if res.Success {
		t.Fatal("expected failure when amount mapping is missing")
	}
}

func TestDetectDelimiter(t *testing.T) {
	tests := []struct {
		buf  string
		want rune
	}{
		{"a;b;c\n1;2;3\n", ';'},
		{"a,b,c\n1,2,3\n", ','},
		{"a\tb\tc\n1\t2\t3\n", '\t'},
		{"a|b|c\n1|2|3\n", '|'},
	}
	for _, tt := range tests {
		if got := detectDelimiter([]byte(tt.buf)); got != tt.want {
			t.Errorf("detectDelimiter(%q) = %q, want %q", tt.buf, got, tt.want)
		}
	}
}
