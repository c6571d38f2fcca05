package risk

import "github.com/shopspring/decimal"

// SizeInputs carries every input to the sizing formula.
type SizeInputs struct {
	Equity         decimal.Decimal
	BaseRiskPct    decimal.Decimal
	ConfidenceMult decimal.Decimal
	RegimeMult     decimal.Decimal
	SentimentMult  decimal.Decimal
	RiskPerShare   decimal.Decimal
	EntryPrice     decimal.Decimal
	MaxPositionPct decimal.Decimal
}

// minViableNotionalPct is the floor below which a position isn't worth
// opening, 0.5% of equity in notional.
var minViableNotionalPct = decimal.NewFromFloat(0.005)

// SizePosition returns the share quantity for one entry: dollar risk
// divided by per-share risk, capped by the equity notional cap, floored
// to zero if the resulting notional is below the minimum-viable
// threshold.
func SizePosition(in SizeInputs) decimal.Decimal {
	if in.RiskPerShare.IsZero() || in.EntryPrice.IsZero() {
		return decimal.Zero
	}

	dollarRisk := in.Equity.
		Mul(in.BaseRiskPct).
		Mul(in.ConfidenceMult).
		Mul(in.RegimeMult).
		Mul(in.SentimentMult)

	qty := dollarRisk.Div(in.RiskPerShare).Floor()

	maxNotional := in.Equity.Mul(in.MaxPositionPct)
	if qty.Mul(in.EntryPrice).GreaterThan(maxNotional) {
		qty = maxNotional.Div(in.EntryPrice).Floor()
	}

	minNotional := in.Equity.Mul(minViableNotionalPct)
	if qty.Mul(in.EntryPrice).LessThan(minNotional) {
		return decimal.Zero
	}

	return qty
}

// KellyFraction is a supplementary diagnostic sizer (not wired into the
// live qty decision, which always flows through SizePosition): the
// classic Kelly criterion from a trailing win rate and average win/loss
// ratio.
func KellyFraction(winRate, avgWin, avgLoss decimal.Decimal) decimal.Decimal {
	if avgLoss.IsZero() {
		return decimal.Zero
	}
	b := avgWin.Div(avgLoss)
	q := decimal.NewFromInt(1).Sub(winRate)
	kelly := winRate.Sub(q.Div(b))
	if kelly.IsNegative() {
		return decimal.Zero
	}
	return kelly
}

// ValueAtRisk is a supplementary diagnostic: a parametric one-day 95% VaR
// estimate from position notional and its daily return volatility.
func ValueAtRisk(notional, dailyVol decimal.Decimal) decimal.Decimal {
	const zScore95 = "1.645"
	z, _ := decimal.NewFromString(zScore95)
	return notional.Mul(dailyVol).Mul(z)
}

// VolatilityTargetQty is a supplementary diagnostic sizer expressing
// quantity as a target portfolio volatility contribution, independent of
// the live risk-per-share formula.
func VolatilityTargetQty(equity, targetVolPct, price, dailyVol decimal.Decimal) decimal.Decimal {
	if dailyVol.IsZero() || price.IsZero() {
		return decimal.Zero
	}
	targetDollarVol := equity.Mul(targetVolPct)
	return targetDollarVol.Div(dailyVol).Div(price).Floor()
}
