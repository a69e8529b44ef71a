package anomaly

import (
	"fmt"
	"math"
	"time"

	"github.com/costwatchdog/engine/pkg/money"
	"github.com/costwatchdog/engine/pkg/record"
)

// Context is the evidence a Check evaluates a record against.
type Context struct {
	Location          record.Location
	Supplier          record.Supplier
	HistoricalRecords []record.CostRecord // same location+supplier+costType, last 24 months, excludes the current record
	Budget            *money.Amount       // YTD budget for this dimension, if configured
	Settings          Settings
}

// Settings holds the per-check thresholds, all overridable from their
// documented defaults.
type Settings struct {
	MinHistoricalMonths         int
	YoYDeviationPercent          float64
	MoMDeviationPercent          float64
	PricePerUnitDeviationPercent float64
	BudgetExceededPercent        float64
}

// DefaultSettings returns the threshold defaults spec.md §4.3 names.
func DefaultSettings() Settings {
	return Settings{
		MinHistoricalMonths:          12,
		YoYDeviationPercent:          0.15,
		MoMDeviationPercent:          0.25,
		PricePerUnitDeviationPercent: 0.20,
		BudgetExceededPercent:        0.05,
	}
}

// CheckResult is what a Check reports for one (record, context) evaluation.
type CheckResult struct {
	CheckID          string
	IsAnomaly        bool
	DeviationPercent float64
	ExpectedValue    float64
	Severity         Severity
	Message          string
	Details          map[string]any
}

// Check is one pluggable anomaly rule.
type Check struct {
	ID                  string
	MinHistoricalMonths int
	Run                 func(rec record.CostRecord, ctx Context) (CheckResult, error)
}

// BuiltinChecks returns the engine's default check list, in the order
// spec.md §4.3 names them. Order matters only for output ordering — checks
// are independent and a panic/error in one never prevents the others.
func BuiltinChecks() []Check {
	return []Check{
		{ID: "yoy_deviation", MinHistoricalMonths: 12, Run: yoyDeviationCheck},
		{ID: "mom_deviation", MinHistoricalMonths: 1, Run: momDeviationCheck},
		{ID: "price_per_unit_spike", MinHistoricalMonths: 0, Run: pricePerUnitSpikeCheck},
		{ID: "statistical_outlier", MinHistoricalMonths: 0, Run: statisticalOutlierCheck},
		{ID: "budget_exceeded", MinHistoricalMonths: 0, Run: budgetExceededCheck},
	}
}

func noAnomaly(id string) CheckResult {
	return CheckResult{CheckID: id, IsAnomaly: false}
}

// sameMonthPriorYear returns records whose periodStart falls in the same
// calendar month one year before rec's periodStart.
func sameMonthPriorYear(rec record.CostRecord, history []record.CostRecord) []record.CostRecord {
	targetYear := rec.PeriodStart.Year() - 1
	targetMonth := rec.PeriodStart.Month()
	var out []record.CostRecord
	for _, h := range history {
		if h.PeriodStart.Year() == targetYear && h.PeriodStart.Month() == targetMonth {
			out = append(out, h)
		}
	}
	return out
}

func yoyDeviationCheck(rec record.CostRecord, ctx Context) (CheckResult, error) {
	minMonths := ctx.Settings.MinHistoricalMonths
	if minMonths == 0 {
		minMonths = 12
	}
	if len(ctx.HistoricalRecords) < minMonths {
		return noAnomaly("yoy_deviation"), nil
	}

	priorYear := sameMonthPriorYear(rec, ctx.HistoricalRecords)
	if len(priorYear) == 0 {
		return noAnomaly("yoy_deviation"), nil
	}

	var expected money.Amount = money.Zero
	for _, h := range priorYear {
		expected = expected.Add(h.AmountGross)
	}

	deviation := percentDeviation(rec.AmountGross.Float64(), expected.Float64())
	threshold := ctx.Settings.YoYDeviationPercent
	if threshold == 0 {
		threshold = 0.15
	}
	if math.Abs(deviation) < threshold {
		return noAnomaly("yoy_deviation"), nil
	}

	severity := gradeSeverity(deviation)
	return CheckResult{
		CheckID: "yoy_deviation", IsAnomaly: true,
		DeviationPercent: deviation, ExpectedValue: expected.Float64(), Severity: severity,
		Message: fmt.Sprintf("%.0f%% deviation from same month a year prior", deviation*100),
		Details: map[string]any{"deviationPercent": deviation, "expectedValue": expected.Float64()},
	}, nil
}

func precedingCalendarMonth(rec record.CostRecord, history []record.CostRecord) []record.CostRecord {
	y, m := rec.PeriodStart.Year(), rec.PeriodStart.Month()
	prevMonth := m - 1
	prevYear := y
	if prevMonth < time.January {
		prevMonth = time.December
		prevYear--
	}
	var out []record.CostRecord
	for _, h := range history {
		if h.PeriodStart.Year() == prevYear && h.PeriodStart.Month() == prevMonth {
			out = append(out, h)
		}
	}
	return out
}

func momDeviationCheck(rec record.CostRecord, ctx Context) (CheckResult, error) {
	prior := precedingCalendarMonth(rec, ctx.HistoricalRecords)
	if len(prior) == 0 {
		return noAnomaly("mom_deviation"), nil
	}

	var expected money.Amount = money.Zero
	for _, h := range prior {
		expected = expected.Add(h.AmountGross)
	}

	deviation := percentDeviation(rec.AmountGross.Float64(), expected.Float64())
	threshold := ctx.Settings.MoMDeviationPercent
	if threshold == 0 {
		threshold = 0.25
	}
	if math.Abs(deviation) < threshold {
		return noAnomaly("mom_deviation"), nil
	}

	severity := gradeSeverity(deviation)
	return CheckResult{
		CheckID: "mom_deviation", IsAnomaly: true,
		DeviationPercent: deviation, ExpectedValue: expected.Float64(), Severity: severity,
		Message: fmt.Sprintf("%.0f%% deviation from the preceding month", deviation*100),
		Details: map[string]any{"deviationPercent": deviation, "expectedValue": expected.Float64()},
	}, nil
}

func pricePerUnitSpikeCheck(rec record.CostRecord, ctx Context) (CheckResult, error) {
	if rec.PricePerUnit == nil {
		return noAnomaly("price_per_unit_spike"), nil
	}

	var prices []float64
	for _, h := range ctx.HistoricalRecords {
		if h.PricePerUnit == nil {
			continue
		}
		p := h.PricePerUnit.Float64()
		if p == 0 {
			continue // division-by-zero guard: zero historical prices are excluded from the mean
		}
		prices = append(prices, p)
	}
	if len(prices) < 3 {
		return noAnomaly("price_per_unit_spike"), nil
	}

	sum := 0.0
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(len(prices))
	if mean == 0 {
		return noAnomaly("price_per_unit_spike"), nil
	}

	current := rec.PricePerUnit.Float64()
	deviation := (current - mean) / mean
	threshold := ctx.Settings.PricePerUnitDeviationPercent
	if threshold == 0 {
		threshold = 0.20
	}
	if deviation < threshold {
		return noAnomaly("price_per_unit_spike"), nil
	}

	severity := gradeSeverity(deviation)
	return CheckResult{
		CheckID: "price_per_unit_spike", IsAnomaly: true,
		DeviationPercent: deviation, ExpectedValue: mean, Severity: severity,
		Message: fmt.Sprintf("price per unit %.2f%% above historical mean", deviation*100),
		Details: map[string]any{"deviationPercent": deviation, "expectedValue": mean},
	}, nil
}

func statisticalOutlierCheck(rec record.CostRecord, ctx Context) (CheckResult, error) {
	if len(ctx.HistoricalRecords) < 6 {
		return noAnomaly("statistical_outlier"), nil
	}

	amounts := make([]float64, 0, len(ctx.HistoricalRecords))
	for _, h := range ctx.HistoricalRecords {
		amounts = append(amounts, h.AmountGross.Float64())
	}

	mean := 0.0
	for _, a := range amounts {
		mean += a
	}
	mean /= float64(len(amounts))

	variance := 0.0
	for _, a := range amounts {
		d := a - mean
		variance += d * d
	}
	variance /= float64(len(amounts))
	if variance == 0 {
		return noAnomaly("statistical_outlier"), nil
	}
	stddev := math.Sqrt(variance)

	current := rec.AmountGross.Float64()
	z := (current - mean) / stddev
	if math.Abs(z) <= 3 {
		return noAnomaly("statistical_outlier"), nil
	}

	deviation := percentDeviation(current, mean)
	severity := gradeSeverity(deviation)
	return CheckResult{
		CheckID: "statistical_outlier", IsAnomaly: true,
		DeviationPercent: deviation, ExpectedValue: mean, Severity: severity,
		Message: fmt.Sprintf("z-score %.2f exceeds +/-3", z),
		Details: map[string]any{"zScore": z, "mean": mean, "stddev": stddev},
	}, nil
}

func budgetExceededCheck(rec record.CostRecord, ctx Context) (CheckResult, error) {
	if ctx.Budget == nil {
		return noAnomaly("budget_exceeded"), nil
	}

	ytdSpend := rec.AmountGross
	for _, h := range ctx.HistoricalRecords {
		if h.PeriodStart.Year() == rec.PeriodStart.Year() {
			ytdSpend = ytdSpend.Add(h.AmountGross)
		}
	}

	budget := *ctx.Budget
	deviation := percentDeviation(ytdSpend.Float64(), budget.Float64())
	threshold := ctx.Settings.BudgetExceededPercent
	if threshold == 0 {
		threshold = 0.05
	}
	if deviation < threshold {
		return noAnomaly("budget_exceeded"), nil
	}

	severity := gradeSeverity(deviation)
	return CheckResult{
		CheckID: "budget_exceeded", IsAnomaly: true,
		DeviationPercent: deviation, ExpectedValue: budget.Float64(), Severity: severity,
		Message: fmt.Sprintf("YTD spend %.0f%% over budget", deviation*100),
		Details: map[string]any{"deviationPercent": deviation, "ytdSpend": ytdSpend.Float64(), "budget": budget.Float64()},
	}, nil
}

// percentDeviation computes (actual-expected)/expected, the shape every
// deviation-based check shares. Returns 0 rather than +Inf/NaN when expected
// is zero, since a zero baseline makes "percent deviation" meaningless.
func percentDeviation(actual, expected float64) float64 {
	if expected == 0 {
		return 0
	}
	return (actual - expected) / expected
}
