package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Drawdown ladder, correlation penalty, Kelly cap
// ═══════════════════════════════════════════════════════════════════════════════
//
// Kelly for a binary contract bought at price p_mkt:
//   b = 1/p_mkt − 1      (net odds)
//   f = (b·p − q) / b    (p = decision confidence, q = 1 − p)
//
// The raw Kelly fraction is scaled by KellyFraction (half Kelly by default).
//
// ═══════════════════════════════════════════════════════════════════════════════

var one = decimal.NewFromInt(1)

// DrawdownStep shrinks size once drawdown reaches Threshold
type DrawdownStep struct {
	Threshold  decimal.Decimal
	Multiplier decimal.Decimal
}

// kellyFraction returns the discounted Kelly stake fraction, zero without edge
func kellyFraction(confidence float64, price, discount decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || price.GreaterThanOrEqual(one) {
		return decimal.Zero
	}

	p := decimal.NewFromFloat(confidence)
	q := one.Sub(p)
	b := one.Div(price).Sub(one)
	if !b.IsPositive() {
		return decimal.Zero
	}

	f := b.Mul(p).Sub(q).Div(b)
	if !f.IsPositive() {
		return decimal.Zero
	}
	return f.Mul(discount)
}

// ladderMultiplier walks the drawdown ladder; zero at the hard stop
func ladderMultiplier(drawdown decimal.Decimal, ladder []DrawdownStep, hardStop decimal.Decimal) decimal.Decimal {
	if hardStop.IsPositive() && drawdown.GreaterThanOrEqual(hardStop) {
		return decimal.Zero
	}
	mult := one
	for _, step := range ladder {
		if drawdown.GreaterThanOrEqual(step.Threshold) {
			mult = step.Multiplier
		}
	}
	return mult
}

// sameDirectionExposure sums open stakes on the given side
func sameDirectionExposure(side types.Side, open []types.Position) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range open {
		if pos.Side == side {
			total = total.Add(pos.Size)
		}
	}
	return total
}
