package patient

import "math"

type unitConversion struct {
	key    string
	factor float64
	// siAbove identifies an unmarked value as SI. It is only set where the
	// SI and conventional ranges cannot overlap.
	siAbove float64
}

// SI to conventional. Values are multiplied by factor.
var labConversions = []unitConversion{
	{key: "creatinine", factor: 1 / 88.4, siAbove: 30}, // umol/L -> mg/dL
	{key: "hemoglobin", factor: 0.1, siAbove: 30},      // g/L -> g/dL
	{key: "albumin", factor: 0.1, siAbove: 15},         // g/L -> g/dL
	{key: "glucose", factor: 18.016},                   // mmol/L -> mg/dL
	{key: "bun", factor: 2.8},                          // urea mmol/L -> mg/dL
	{key: "bilirubin", factor: 1 / 17.1},               // umol/L -> mg/dL
	{key: "magnesium", factor: 2.43},                   // mmol/L -> mg/dL
}

// ToConventional rewrites the entry into conventional units and marks it.
// Entries already marked conventional are untouched, so it is idempotent.
// Unmarked entries are taken as conventional except for values that can
// only be SI. It reports whether the entry changed.
func (l *LabEntry) ToConventional() bool {
	if l.UnitSystem == UnitSystemConventional {
		return false
	}
	values := l.Measurements()
	for _, c := range labConversions {
		v, ok := values[c.key]
		if !ok {
			continue
		}
		if l.UnitSystem == UnitSystemSI || (c.siAbove > 0 && v > c.siAbove) {
			l.set(c.key, math.Round(v*c.factor*100)/100)
		}
	}
	l.UnitSystem = UnitSystemConventional
	return true
}
