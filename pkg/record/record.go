// Package record holds the Organization/Location/Supplier/CostRecord entity
// group and the monthly aggregate it feeds, plus pgx-backed stores enforcing
// the amount and period invariants at the write boundary.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/costwatchdog/engine/pkg/money"
)

// LocationType enumerates the kinds of physical sites costs are attributed to.
type LocationType string

const (
	LocationOffice      LocationType = "office"
	LocationProduction  LocationType = "production"
	LocationWarehouse   LocationType = "warehouse"
	LocationDataCenter  LocationType = "data_center"
	LocationOther       LocationType = "other"
)

// Ownership describes whether a Location is owned or leased.
type Ownership string

const (
	OwnershipOwned  Ownership = "owned"
	OwnershipLeased Ownership = "leased"
)

// CostType is the normalized spend category produced by the cost-type
// normalization table (pkg/connector/costtype.go).
type CostType string

const (
	CostTypeElectricity     CostType = "electricity"
	CostTypeNaturalGas      CostType = "natural_gas"
	CostTypeDistrictHeating CostType = "district_heating"
	CostTypeWater           CostType = "water"
	CostTypeWaste           CostType = "waste"
	CostTypeOther           CostType = "other"
)

// DataQuality records how a CostRecord entered the system.
type DataQuality string

const (
	DataQualityManual    DataQuality = "manual"
	DataQualityExtracted DataQuality = "extracted"
	DataQualityImported  DataQuality = "imported"
)

// Organization is a singleton describing the tenant's legal entity.
type Organization struct {
	ID            uuid.UUID
	Name          string
	LegalName     string
	TaxID         string
	EmployeeCount int
}

// Location is a physical site costs are attributed to.
type Location struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	Code           string
	Type           LocationType
	Ownership      Ownership
	GrossFloorArea float64
	Address        string
	ActiveSince    time.Time
	IsActive       bool
}

// Supplier is a vendor billing one or more cost types.
type Supplier struct {
	ID        uuid.UUID
	Name      string
	ShortName string
	TaxID     *string
	Category  string
	CostTypes []CostType
	IsActive  bool
}

// CostRecord is a single time-bounded spend line.
type CostRecord struct {
	ID               uuid.UUID
	LocationID       uuid.UUID
	SupplierID       uuid.UUID
	CostType         CostType
	CostCategory     string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	InvoiceDate      time.Time
	AmountGross      money.Amount
	AmountNet        money.Amount
	VatAmount        money.Amount
	VatRate          float64
	Quantity         *float64
	Unit             *string
	PricePerUnit     *money.Amount
	InvoiceNumber    string // stored as given; Store does not encrypt it
	ContractNumber   *string // stored as given; Store does not encrypt it, see DESIGN.md open question (c)
	Confidence       float64
	DataQuality      DataQuality
	IsVerified       bool
	CreatedAt        time.Time
}

// amountTolerance is the 0.01 tolerance the amountGross = amountNet +
// vatAmount invariant is checked against.
var amountTolerance = mustAmount("0.01")

func mustAmount(s string) money.Amount {
	a, err := money.New(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Validate checks the invariants spec.md §3 attaches to CostRecord.
func (c CostRecord) Validate() error {
	if c.PeriodEnd.Before(c.PeriodStart) {
		return fmt.Errorf("periodEnd %s is before periodStart %s", c.PeriodEnd, c.PeriodStart)
	}
	if !c.AmountGross.WithinTolerance(c.AmountNet.Add(c.VatAmount), amountTolerance) {
		return fmt.Errorf("amountGross %s does not equal amountNet+vatAmount %s within tolerance",
			c.AmountGross, c.AmountNet.Add(c.VatAmount))
	}
	if !c.AmountGross.GreaterThan(money.Zero) {
		return fmt.Errorf("amountGross must be positive")
	}
	tenYears := 10 * 365 * 24 * time.Hour
	now := time.Now()
	if c.PeriodStart.Before(now.Add(-tenYears)) || c.PeriodStart.After(now.Add(tenYears)) {
		return fmt.Errorf("periodStart %s is outside the ±10 year window", c.PeriodStart)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %f out of range [0,1]", c.Confidence)
	}
	return nil
}

// MonthlyAgg is the precomputed sum of cost records for a month + dimension tuple.
type MonthlyAgg struct {
	Year          int
	Month         int
	LocationID    *uuid.UUID
	SupplierID    *uuid.UUID
	CostType      *CostType
	AmountSum     money.Amount
	AmountNetSum  money.Amount
	QuantitySum   float64
	RecordCount   int
	LastUpdatedAt time.Time
}
