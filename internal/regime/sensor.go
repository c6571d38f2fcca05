// Package regime classifies the broad market state and derives the
// position-size multiplier applied to every new entry.
package regime

import (
	"github.com/shopspring/decimal"

	"github.com/riverrun/daytrader-engine/pkg/types"
)

// Regime names: broad regimes trend with participation, narrow regimes
// trend on thin leadership, choppy is directionless.
const (
	BroadBullish  = "broad_bullish"
	BroadBearish  = "broad_bearish"
	BroadNeutral  = "broad_neutral"
	NarrowBullish = "narrow_bullish"
	NarrowBearish = "narrow_bearish"
	Choppy        = "choppy"
)

// positionSizeMultiplier is the per-regime sizing table: broad regimes
// get the highest conviction size, narrow regimes are scaled back, and
// choppy is handled separately since its multiplier is dynamic on VIX
// rather than fixed.
var positionSizeMultiplier = map[string]decimal.Decimal{
	BroadBullish:  decimal.NewFromFloat(1.5),
	BroadBearish:  decimal.NewFromFloat(1.5),
	BroadNeutral:  decimal.NewFromFloat(1.0),
	NarrowBullish: decimal.NewFromFloat(0.7),
	NarrowBearish: decimal.NewFromFloat(0.7),
}

// choppyMultiplier is the choppy-regime VIX ladder: VIX<20 -> 0.75x,
// 20-30 -> 0.5x, >30 -> 0.25x.
func choppyMultiplier(vix decimal.Decimal) decimal.Decimal {
	switch {
	case vix.GreaterThan(decimal.NewFromInt(30)):
		return decimal.NewFromFloat(0.25)
	case vix.GreaterThanOrEqual(decimal.NewFromInt(20)):
		return decimal.NewFromFloat(0.50)
	default:
		return decimal.NewFromFloat(0.75)
	}
}

// Inputs are the breadth, trend, and volatility signals the sensor
// classifies from. Breadth is the fraction (0-1) of the index basket
// trading above its own short daily EMA.
type Inputs struct {
	BreadthAboveEMA decimal.Decimal
	TrendStrength   decimal.Decimal // mean ADX across the index basket
	VIX             decimal.Decimal
}

// Sensor holds exponentially smoothed breadth, ADX and VIX readings;
// Classify maps the smoothed values to a regime with fixed thresholds. No
// HMM state model or emission probability is computed.
type Sensor struct {
	smoothedBreadth decimal.Decimal
	smoothedTrend   decimal.Decimal
	smoothedVIX     decimal.Decimal
	initialized     bool
	alpha           decimal.Decimal
}

// NewSensor constructs a Sensor with the given smoothing factor (0,1].
func NewSensor(alpha decimal.Decimal) *Sensor {
	return &Sensor{alpha: alpha}
}

func (s *Sensor) smooth(prev, cur decimal.Decimal) decimal.Decimal {
	if !s.initialized {
		return cur
	}
	return cur.Mul(s.alpha).Add(prev.Mul(decimal.NewFromInt(1).Sub(s.alpha)))
}

// Classify updates the sensor's smoothed state from new inputs and
// returns the resulting Regime, including its position-size multiplier.
func (s *Sensor) Classify(in Inputs) types.Regime {
	s.smoothedBreadth = s.smooth(s.smoothedBreadth, in.BreadthAboveEMA)
	s.smoothedTrend = s.smooth(s.smoothedTrend, in.TrendStrength)
	s.smoothedVIX = s.smooth(s.smoothedVIX, in.VIX)
	s.initialized = true

	name := classify(s.smoothedBreadth, s.smoothedTrend, s.smoothedVIX)
	var mult decimal.Decimal
	if name == Choppy {
		mult = choppyMultiplier(s.smoothedVIX)
	} else if m, ok := positionSizeMultiplier[name]; ok {
		mult = m
	} else {
		mult = decimal.NewFromInt(1)
	}

	return types.Regime{
		Regime:                 name,
		BreadthScore:           s.smoothedBreadth,
		TrendStrength:          s.smoothedTrend,
		VIX:                    s.smoothedVIX,
		PositionSizeMultiplier: mult,
	}
}

// classify maps smoothed breadth/trend/VIX into the six-way taxonomy.
// High VIX with a weak trend reads as choppy regardless of breadth, and
// high VIX rules out broad_bullish; low trend strength with mixed breadth
// reads as choppy rather than neutral,
// since it is the condition the crossover strategy performs worst in.
func classify(breadth, trend, vix decimal.Decimal) string {
	highVol := vix.GreaterThan(decimal.NewFromInt(25))
	strongTrend := trend.GreaterThanOrEqual(decimal.NewFromInt(25))
	weakTrend := trend.LessThan(decimal.NewFromInt(18))

	bullish := breadth.GreaterThan(decimal.NewFromFloat(0.60))
	bearish := breadth.LessThan(decimal.NewFromFloat(0.40))

	switch {
	case highVol && weakTrend:
		return Choppy
	case bullish && strongTrend && !highVol:
		return BroadBullish
	case bearish && strongTrend:
		return BroadBearish
	case bullish:
		return NarrowBullish
	case bearish:
		return NarrowBearish
	case weakTrend:
		return Choppy
	default:
		return BroadNeutral
	}
}
