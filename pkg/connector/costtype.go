package connector

import "strings"

// normalizedCostTypes maps German and English supplier/invoice vocabulary
// onto the canonical cost type vocabulary record.CostType uses. Connectors
// import only the string constants here, not pkg/record, to keep the pure
// (bytes, config) -> (records, audit) contract free of a store dependency.
const (
	CostTypeElectricity     = "electricity"
	CostTypeNaturalGas      = "natural_gas"
	CostTypeDistrictHeating = "district_heating"
	CostTypeWater           = "water"
	CostTypeWaste           = "waste"
	CostTypeOther           = "other"
)

var costTypeTable = map[string]string{
	"strom":             CostTypeElectricity,
	"stromkosten":       CostTypeElectricity,
	"elektrizität":      CostTypeElectricity,
	"electricity":       CostTypeElectricity,
	"power":             CostTypeElectricity,
	"erdgas":            CostTypeNaturalGas,
	"gas":               CostTypeNaturalGas,
	"gaskosten":         CostTypeNaturalGas,
	"natural gas":       CostTypeNaturalGas,
	"fernwärme":         CostTypeDistrictHeating,
	"fernwaerme":        CostTypeDistrictHeating,
	"nahwärme":          CostTypeDistrictHeating,
	"heizung":           CostTypeDistrictHeating,
	"district heating":  CostTypeDistrictHeating,
	"wasser":            CostTypeWater,
	"trinkwasser":       CostTypeWater,
	"abwasser":          CostTypeWater,
	"wasserkosten":      CostTypeWater,
	"water":             CostTypeWater,
	"wastewater":        CostTypeWater,
	"müll":              CostTypeWaste,
	"muell":             CostTypeWaste,
	"abfall":            CostTypeWaste,
	"entsorgung":        CostTypeWaste,
	"waste":             CostTypeWaste,
	"garbage":           CostTypeWaste,
}

// NormalizeCostType maps a raw supplier- or invoice-line cost-type label to
// the canonical vocabulary. Matching is case-insensitive and trims
// whitespace; anything unrecognized falls back to "other" rather than
// failing the row, per the connector's partial-success contract.
func NormalizeCostType(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if ct, ok := costTypeTable[key]; ok {
		return ct
	}
	for term, ct := range costTypeTable {
		if strings.Contains(key, term) {
			return ct
		}
	}
	return CostTypeOther
}
