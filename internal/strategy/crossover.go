// Package strategy generates entry Signals from feature snapshots: a
// fresh EMA crossover confirmed by trend strength, with ATR-derived stop
// and target proposals.
package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/internal/features"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

// ConfidenceWeights names the composite confidence score's four base
// inputs. Multi-timeframe alignment is a separate +10 bonus applied
// after this weighted base, not one of its four terms.
type ConfidenceWeights struct {
	TrendStrength decimal.Decimal
	Momentum      decimal.Decimal
	VolumeProfile decimal.Decimal
	RegimeAlign   decimal.Decimal
}

// DefaultConfidenceWeights is the production composite weighting.
func DefaultConfidenceWeights() ConfidenceWeights {
	return ConfidenceWeights{
		TrendStrength: decimal.NewFromFloat(0.35),
		Momentum:      decimal.NewFromFloat(0.20),
		VolumeProfile: decimal.NewFromFloat(0.15),
		RegimeAlign:   decimal.NewFromFloat(0.30),
	}
}

// Config tunes the crossover trigger thresholds.
type Config struct {
	ADXMin                decimal.Decimal
	EMADiffPctMin         decimal.Decimal
	EMADiffPctMax         decimal.Decimal
	StopATRMult           decimal.Decimal
	TPATRMult             decimal.Decimal
	MinStopPct            decimal.Decimal
	RequireMultiTimeframe bool
	LongOnly              bool
	ConfidenceWeights     ConfidenceWeights
}

// DefaultConfig carries the production thresholds. StopATRMult and
// TPATRMult are floors (>=2.5, >=5.0): a lower configured value would
// undercut the minimum stop distance and reward:risk guarantees.
func DefaultConfig() Config {
	return Config{
		ADXMin:            decimal.NewFromInt(20),
		EMADiffPctMin:     decimal.NewFromFloat(0.05),
		EMADiffPctMax:     decimal.NewFromFloat(1.0),
		StopATRMult:       decimal.NewFromFloat(2.5),
		TPATRMult:         decimal.NewFromFloat(5.0),
		MinStopPct:        decimal.NewFromFloat(0.015),
		LongOnly:          true,
		ConfidenceWeights: DefaultConfidenceWeights(),
	}
}

// EMACrossoverStrategy evaluates one symbol's feature snapshot for an
// entry signal.
type EMACrossoverStrategy struct {
	cfg Config
}

// New constructs an EMACrossoverStrategy.
func New(cfg Config) *EMACrossoverStrategy {
	return &EMACrossoverStrategy{cfg: cfg}
}

// DailyTrend carries the higher-timeframe EMA state used for the optional
// multi-timeframe alignment filter (daily EMA9 > EMA21 confirms a long).
type DailyTrend struct {
	EMA9  decimal.Decimal
	EMA21 decimal.Decimal
}

// Evaluate returns a Signal and true if f currently qualifies as an entry
// trigger, else the zero Signal and false. daily is the optional
// higher-timeframe confirmation input; pass the zero value to skip it
// when RequireMultiTimeframe is false.
func (s *EMACrossoverStrategy) Evaluate(f types.Features, daily DailyTrend) (types.Signal, bool) {
	if !f.Valid {
		return types.Signal{}, false
	}

	crossover := features.DetectEMACrossover(f)
	if crossover == "" {
		return types.Signal{}, false
	}
	if crossover == "sell" && s.cfg.LongOnly {
		return types.Signal{}, false
	}

	diffAbs := f.EMADiffPct.Abs()
	if diffAbs.LessThan(s.cfg.EMADiffPctMin) || diffAbs.GreaterThan(s.cfg.EMADiffPctMax) {
		return types.Signal{}, false
	}

	if f.ADX.LessThan(s.cfg.ADXMin) {
		return types.Signal{}, false
	}

	if s.cfg.RequireMultiTimeframe {
		if crossover == "buy" && daily.EMA9.LessThanOrEqual(daily.EMA21) {
			return types.Signal{}, false
		}
		if crossover == "sell" && daily.EMA9.GreaterThanOrEqual(daily.EMA21) {
			return types.Signal{}, false
		}
	}

	side := types.SideBuy
	if crossover == "sell" {
		side = types.SideSell
	}

	stopDistance := f.ATR.Mul(s.cfg.StopATRMult)
	minStopDistance := f.Price.Mul(s.cfg.MinStopPct)
	if stopDistance.LessThan(minStopDistance) {
		stopDistance = minStopDistance
	}
	tpDistance := f.ATR.Mul(s.cfg.TPATRMult)

	var stop, tp decimal.Decimal
	if side == types.SideBuy {
		stop = f.Price.Sub(stopDistance)
		tp = f.Price.Add(tpDistance)
	} else {
		stop = f.Price.Add(stopDistance)
		tp = f.Price.Sub(tpDistance)
	}

	reasons := []string{"ema_crossover_" + crossover}
	if f.ADX.GreaterThanOrEqual(s.cfg.ADXMin) {
		reasons = append(reasons, "trend_confirmed")
	}
	multiTFAligned := s.cfg.RequireMultiTimeframe && !daily.EMA9.IsZero()
	extended := diffAbs.GreaterThan(decimal.NewFromFloat(0.5))

	conf := s.confidence(f, multiTFAligned, extended)

	return types.Signal{
		Symbol:      f.Symbol,
		Side:        side,
		EntryRef:    f.Price,
		InitialStop: stop,
		TakeProfit:  tp,
		Confidence:  conf,
		Reasons:     reasons,
		GeneratedAt: clock.Now(),
	}, true
}

// confidence produces the 0-100 composite score: a weighted sum of
// trend strength (ADX), momentum (MACD histogram), volume, and
// regime-alignment components using s.cfg.ConfidenceWeights, plus
// entry-quality adjustments (VWAP proximity +5, extended crossover -15,
// multi-timeframe aligned +10).
func (s *EMACrossoverStrategy) confidence(f types.Features, multiTFAligned, extended bool) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	w := s.cfg.ConfidenceWeights

	trendScore := f.ADX.Div(decimal.NewFromInt(50)).Mul(hundred)
	trendScore = clamp0100(trendScore)

	momentumScore := decimal.NewFromInt(50)
	if f.MACDHist.IsPositive() {
		momentumScore = decimal.NewFromInt(50).Add(f.MACDHist.Abs().Mul(decimal.NewFromInt(500)))
	} else if f.MACDHist.IsNegative() {
		momentumScore = decimal.NewFromInt(50).Sub(f.MACDHist.Abs().Mul(decimal.NewFromInt(500)))
	}
	momentumScore = clamp0100(momentumScore)

	volumeScore := clamp0100(f.VolumeRatio.Div(decimal.NewFromInt(2)).Mul(hundred))

	regimeScore := f.ConfidenceScore
	if regimeScore.IsZero() {
		regimeScore = decimal.NewFromInt(50)
	}
	regimeScore = clamp0100(regimeScore)

	weighted := trendScore.Mul(w.TrendStrength).
		Add(momentumScore.Mul(w.Momentum)).
		Add(volumeScore.Mul(w.VolumeProfile)).
		Add(regimeScore.Mul(w.RegimeAlign))

	vwapProximity := f.Price.Sub(f.VWAP).Abs().Div(f.Price.Abs())
	if f.Price.IsPositive() && vwapProximity.LessThanOrEqual(decimal.NewFromFloat(0.003)) {
		weighted = weighted.Add(decimal.NewFromInt(5))
	}
	if extended {
		weighted = weighted.Sub(decimal.NewFromInt(15))
	}
	if multiTFAligned {
		weighted = weighted.Add(decimal.NewFromInt(10))
	}

	return clamp0100(weighted)
}

func clamp0100(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.NewFromInt(100)
	}
	return d
}
