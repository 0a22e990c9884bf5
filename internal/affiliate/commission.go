package affiliate

import "github.com/shopspring/decimal"

var (
	minRate = decimal.Zero
	maxRate = decimal.NewFromInt(100)
)

// ClampRate bounds a commission rate percentage to [0, 100].
func ClampRate(ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.LessThan(minRate) {
		return minRate
	}
	if ratePercent.GreaterThan(maxRate) {
		return maxRate
	}
	return ratePercent
}

// Commission returns the commission owed on saleAmount at ratePercent,
// rounded half-up to cents. Negative amounts earn nothing.
func Commission(saleAmount, ratePercent decimal.Decimal) decimal.Decimal {
	if !saleAmount.IsPositive() {
		return decimal.Zero
	}
	return saleAmount.Mul(ClampRate(ratePercent)).Shift(-2).Round(2)
}
