package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/riverrun/daytrader-engine/internal/strategy"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// crossoverFeatures is a fresh long crossover in a trending regime at $50 with
// ATR $0.80.
func crossoverFeatures() types.Features {
	return types.Features{
		Symbol:          "AAPL",
		Price:           d(50.00),
		EMAShort:        d(50.10),
		EMALong:         d(50.00),
		PrevEMAShort:    d(49.95),
		PrevEMALong:     d(50.00),
		EMADiffPct:      d(0.2), // (50.10/50.00 - 1) * 100
		ATR:             d(0.80),
		ADX:             d(28),
		RSI:             d(58),
		MACDHist:        d(0.05),
		VolumeRatio:     d(1.8),
		VWAP:            d(49.98),
		Regime:          "broad_bullish",
		ConfidenceScore: d(70),
		Valid:           true,
	}
}

func TestFreshLongCrossover(t *testing.T) {
	strat := strategy.New(strategy.DefaultConfig())

	sig, ok := strat.Evaluate(crossoverFeatures(), strategy.DailyTrend{})
	if !ok {
		t.Fatal("expected a signal from a fresh long crossover")
	}
	if sig.Side != types.SideBuy {
		t.Errorf("Side = %s, want buy", sig.Side)
	}
	if !sig.EntryRef.Equal(d(50.00)) {
		t.Errorf("EntryRef = %s, want 50.00", sig.EntryRef)
	}
	// ATR stop wins: 50 - 2.5*0.80 = 48.00, wider than the 1.5% floor 49.25.
	if !sig.InitialStop.Equal(d(48.00)) {
		t.Errorf("InitialStop = %s, want 48.00", sig.InitialStop)
	}
	// Take profit: 50 + 5.0*0.80 = 54.00.
	if !sig.TakeProfit.Equal(d(54.00)) {
		t.Errorf("TakeProfit = %s, want 54.00", sig.TakeProfit)
	}
	// R:R = 4.00 / 2.00 = 2.0.
	rr := sig.TakeProfit.Sub(sig.EntryRef).Div(sig.EntryRef.Sub(sig.InitialStop))
	if !rr.Equal(d(2.0)) {
		t.Errorf("R:R = %s, want 2.0", rr)
	}
	if sig.Confidence.LessThan(d(60)) {
		t.Errorf("confidence %s should clear the long baseline threshold", sig.Confidence)
	}
}

func TestStopFloorWhenATRTight(t *testing.T) {
	strat := strategy.New(strategy.DefaultConfig())

	f := crossoverFeatures()
	f.ATR = d(0.10) // ATR stop would be 0.25, under the 1.5% floor of 0.75
	sig, ok := strat.Evaluate(f, strategy.DailyTrend{})
	if !ok {
		t.Fatal("expected a signal")
	}
	wantStop := d(50.00).Sub(d(50.00).Mul(d(0.015)))
	if !sig.InitialStop.Equal(wantStop) {
		t.Errorf("InitialStop = %s, want the 1.5%% floor %s", sig.InitialStop, wantStop)
	}
	stopPct := sig.EntryRef.Sub(sig.InitialStop).Div(sig.EntryRef)
	if stopPct.LessThan(d(0.015)) {
		t.Errorf("stop distance %s violates the minimum stop floor", stopPct)
	}
}

func TestExtendedCrossoverRejected(t *testing.T) {
	strat := strategy.New(strategy.DefaultConfig())

	f := crossoverFeatures()
	f.EMAShort = d(50.70)
	f.EMADiffPct = d(1.4) // beyond the 1.0% extension limit
	if _, ok := strat.Evaluate(f, strategy.DailyTrend{}); ok {
		t.Error("extended crossover (1.4%) must not produce a signal")
	}
}

func TestTooFreshCrossoverRejected(t *testing.T) {
	strat := strategy.New(strategy.DefaultConfig())

	f := crossoverFeatures()
	f.EMADiffPct = d(0.01) // below the 0.05% development minimum
	if _, ok := strat.Evaluate(f, strategy.DailyTrend{}); ok {
		t.Error("sub-minimum EMA spread must not produce a signal")
	}
}

func TestWeakADXRejected(t *testing.T) {
	strat := strategy.New(strategy.DefaultConfig())

	f := crossoverFeatures()
	f.ADX = d(15)
	if _, ok := strat.Evaluate(f, strategy.DailyTrend{}); ok {
		t.Error("ADX below 20 must not produce a signal")
	}
}

func TestInvalidFeaturesRejected(t *testing.T) {
	strat := strategy.New(strategy.DefaultConfig())

	f := crossoverFeatures()
	f.Valid = false
	if _, ok := strat.Evaluate(f, strategy.DailyTrend{}); ok {
		t.Error("insufficient history must not produce a signal")
	}
}

func TestNoCrossoverNoSignal(t *testing.T) {
	strat := strategy.New(strategy.DefaultConfig())

	f := crossoverFeatures()
	f.PrevEMAShort = d(50.05) // already above before this bar
	if _, ok := strat.Evaluate(f, strategy.DailyTrend{}); ok {
		t.Error("an established trend without a fresh cross must not signal")
	}
}

func TestLongOnlyBlocksShorts(t *testing.T) {
	cfg := strategy.DefaultConfig()
	cfg.LongOnly = true
	strat := strategy.New(cfg)

	f := crossoverFeatures()
	// Mirror into a bearish cross.
	f.PrevEMAShort = d(50.05)
	f.PrevEMALong = d(50.00)
	f.EMAShort = d(49.90)
	f.EMALong = d(50.00)
	f.EMADiffPct = d(-0.2)
	if _, ok := strat.Evaluate(f, strategy.DailyTrend{}); ok {
		t.Error("long-only mode must suppress short signals")
	}

	cfg.LongOnly = false
	strat = strategy.New(cfg)
	sig, ok := strat.Evaluate(f, strategy.DailyTrend{})
	if !ok {
		t.Fatal("short signal expected with long-only off")
	}
	if sig.Side != types.SideSell {
		t.Errorf("Side = %s, want sell", sig.Side)
	}
	if !sig.InitialStop.GreaterThan(sig.EntryRef) {
		t.Errorf("short stop %s must be above entry %s", sig.InitialStop, sig.EntryRef)
	}
	if !sig.TakeProfit.LessThan(sig.EntryRef) {
		t.Errorf("short target %s must be below entry %s", sig.TakeProfit, sig.EntryRef)
	}
}

func TestMultiTimeframeFilter(t *testing.T) {
	cfg := strategy.DefaultConfig()
	cfg.RequireMultiTimeframe = true
	strat := strategy.New(cfg)

	// Daily trend opposes the intraday cross: rejected.
	if _, ok := strat.Evaluate(crossoverFeatures(), strategy.DailyTrend{EMA9: d(98), EMA21: d(100)}); ok {
		t.Error("long signal should be rejected when the daily trend is down")
	}

	// Daily trend confirms: accepted, with the alignment bonus.
	aligned, ok := strat.Evaluate(crossoverFeatures(), strategy.DailyTrend{EMA9: d(102), EMA21: d(100)})
	if !ok {
		t.Fatal("aligned daily trend should pass")
	}

	cfg.RequireMultiTimeframe = false
	plain, ok := strategy.New(cfg).Evaluate(crossoverFeatures(), strategy.DailyTrend{})
	if !ok {
		t.Fatal("baseline signal expected")
	}
	if !aligned.Confidence.GreaterThan(plain.Confidence) {
		t.Errorf("alignment bonus missing: %s vs %s", aligned.Confidence, plain.Confidence)
	}
}

func TestConfidenceBounds(t *testing.T) {
	strat := strategy.New(strategy.DefaultConfig())

	f := crossoverFeatures()
	f.ADX = d(50)
	f.MACDHist = d(1)
	f.VolumeRatio = d(5)
	f.ConfidenceScore = d(100)
	f.VWAP = d(50.00)
	sig, ok := strat.Evaluate(f, strategy.DailyTrend{})
	if !ok {
		t.Fatal("expected a signal")
	}
	if sig.Confidence.GreaterThan(d(100)) || sig.Confidence.IsNegative() {
		t.Errorf("confidence must stay in [0,100], got %s", sig.Confidence)
	}
}
