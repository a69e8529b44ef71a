// Package money provides fixed-point decimal arithmetic for every persisted
// amount field. Floating point is never used for money; it is reserved for
// anomaly statistics where explicit finiteness checks apply instead.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits money is stored and compared at.
const Scale = 4

// Amount wraps shopspring/decimal, constrained to 18 integer / 4 fractional
// digits as required for every CostRecord and CostRecordMonthlyAgg field.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// New builds an Amount from a string, e.g. "1234.5600".
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return Amount{d: d.Round(Scale)}, nil
}

// FromFloat builds an Amount from a float64. Only used at ingestion
// boundaries (connector output) where the source is already decimal text
// parsed into a float by an upstream library; callers should prefer New.
func FromFloat(f float64) Amount {
	return Amount{d: decimal.NewFromFloat(f).Round(Scale)}
}

// FromInt builds an Amount representing an integer number of currency units.
func FromInt(i int64) Amount {
	return Amount{d: decimal.NewFromInt(i)}
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d).Round(Scale)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d).Round(Scale)} }
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d).Round(Scale)} }

// Div returns a/b, or an error when b is zero, rather than panicking.
func (a Amount) Div(b Amount) (Amount, error) {
	if b.IsZero() {
		return Amount{}, fmt.Errorf("division by zero")
	}
	return Amount{d: a.d.Div(b.d).Round(Scale)}, nil
}

func (a Amount) IsZero() bool         { return a.d.IsZero() }
func (a Amount) IsNegative() bool     { return a.d.IsNegative() }
func (a Amount) Cmp(b Amount) int     { return a.d.Cmp(b.d) }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }
func (a Amount) LessThan(b Amount) bool    { return a.d.LessThan(b.d) }

// WithinTolerance reports whether |a-b| <= tolerance, used for the
// amountGross = amountNet + vatAmount invariant (tolerance 0.01).
func (a Amount) WithinTolerance(b Amount, tolerance Amount) bool {
	diff := a.Sub(b)
	if diff.IsNegative() {
		diff = Amount{d: diff.d.Neg()}
	}
	return !diff.GreaterThan(tolerance)
}

// Float64 converts to float64 for anomaly statistics only (z-score,
// deviationPercent) — never for persisted amounts.
func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

func (a Amount) String() string { return a.d.StringFixed(Scale) }

// MarshalJSON emits the amount as a JSON string to avoid float round-tripping.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := New(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer for pgx parameter binding.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for pgx result scanning.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := New(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := New(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case float64:
		*a = FromFloat(v)
		return nil
	case nil:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("unsupported scan type %T for money.Amount", src)
	}
}
