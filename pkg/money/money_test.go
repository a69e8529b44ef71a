package money

import "testing"

func TestAddSubRounding(t *testing.T) {
	a, _ := New("1234.5678")
	b, _ := New("0.00009")
	sum := a.Add(b)
	if sum.String() != "1234.5679" {
		t.Errorf("Add rounded wrong: got %s", sum.String())
	}
}

func TestWithinTolerance(t *testing.T) {
	net, _ := New("1000.00")
	vat, _ := New("190.00")
	gross, _ := New("1190.005")
	tol, _ := New("0.01")

	sum := net.Add(vat)
	if !gross.WithinTolerance(sum, tol) {
		t.Errorf("expected %s within tolerance of %s", gross, sum)
	}
}

func TestDivByZero(t *testing.T) {
	a, _ := New("10")
	_, err := a.Div(Zero)
	if err == nil {
		t.Fatal("expected division by zero error")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a, _ := New("42.5")
	b, err := a.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	var out Amount
	if err := out.UnmarshalJSON(b); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if out.Cmp(a) != 0 {
		t.Errorf("round trip mismatch: got %s, want %s", out, a)
	}
}

func TestCmpOrdering(t *testing.T) {
	low, _ := New("1.00")
	high, _ := New("2.00")
	if !high.GreaterThan(low) {
		t.Error("expected high > low")
	}
	if !low.LessThan(high) {
		t.Error("expected low < high")
	}
}
