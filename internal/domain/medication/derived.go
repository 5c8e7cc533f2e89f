package medication

import "github.com/shopspring/decimal"

// TotalNumberOfDispensings is the original fill plus every repeat.
func TotalNumberOfDispensings(m *Medication) int {
	return m.TotalRepeats + 1
}

// RemainingDispensings is how many fills of the prescription have not been
// purchased yet. It may go negative when more fills were bought than written.
func RemainingDispensings(m *Medication) int {
	return TotalNumberOfDispensings(m) - m.TotalDispensingsPurchased
}

// TotalAmountForThisPurchase is the amount recorded when a purchase edit is
// finalized.
func TotalAmountForThisPurchase(m *Medication) decimal.Decimal {
	return m.Cost.Mul(decimal.NewFromInt(int64(m.TotalDispensingsPurchased)))
}

// RemainingDaysOfSupply returns floor(qty/freq). ok is false when frequency
// is not positive, in which case the supply is unbounded.
func RemainingDaysOfSupply(currentQuantity, frequency int) (days int, ok bool) {
	if frequency <= 0 {
		return 0, false
	}
	if currentQuantity <= 0 {
		return 0, true
	}
	return currentQuantity / frequency, true
}
