package billing

import "github.com/shopspring/decimal"

// Allocation is the split of one charge between the included monthly
// allowance and billable overage. FromIncluded + Overage always equals the
// charged price.
type Allocation struct {
	FromIncluded decimal.Decimal `json:"from_included"`
	Overage      decimal.Decimal `json:"overage"`
}

// Allocate splits price against the allowance given what was already spent
// this cycle. No rounding happens here.
func Allocate(price, includedAllowance, spentSoFar decimal.Decimal) Allocation {
	switch {
	case !includedAllowance.IsPositive():
		return Allocation{FromIncluded: decimal.Zero, Overage: price}
	case spentSoFar.GreaterThanOrEqual(includedAllowance):
		return Allocation{FromIncluded: decimal.Zero, Overage: price}
	case spentSoFar.Add(price).LessThanOrEqual(includedAllowance):
		return Allocation{FromIncluded: price, Overage: decimal.Zero}
	default:
		fromIncluded := includedAllowance.Sub(spentSoFar)
		return Allocation{FromIncluded: fromIncluded, Overage: price.Sub(fromIncluded)}
	}
}

// BillableUnits converts the overage into cents, rounding half-up once.
func (a Allocation) BillableUnits() int64 {
	return ToMinorUnits(a.Overage)
}

// ToMinorUnits converts an amount into cents with round-half-up
func ToMinorUnits(amount decimal.Decimal) int64 {
	if !amount.IsPositive() {
		return 0
	}
	// Round is half away from zero, which is half-up for positive amounts
	return amount.Shift(2).Round(0).IntPart()
}
