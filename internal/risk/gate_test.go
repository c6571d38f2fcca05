package risk_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/internal/regime"
	"github.com/riverrun/daytrader-engine/internal/risk"
	"github.com/riverrun/daytrader-engine/internal/state"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

func gateConfig() risk.Config {
	cfg := risk.DefaultConfig()
	cfg.MaxPositions = 3
	cfg.MaxPositionPct = d(0.25)
	cfg.BaseRiskPct = d(0.005)
	cfg.MinStopPct = d(0.015)
	cfg.DailyLossCapPct = d(0.03)
	cfg.SymbolCooldown = 2 * time.Hour
	cfg.EntryCutoff = clock.TimeOfDay{Hour: 15, Minute: 30}
	return cfg
}

func buySignal() types.Signal {
	return types.Signal{
		Symbol:      "AAPL",
		Side:        types.SideBuy,
		EntryRef:    d(50.00),
		InitialStop: d(48.00),
		TakeProfit:  d(54.00),
		Confidence:  d(75),
	}
}

func account() types.AccountSnapshot {
	return types.AccountSnapshot{
		Equity:      d(100_000),
		Cash:        d(100_000),
		BuyingPower: d(200_000),
	}
}

func bullishRegime() types.Regime {
	return types.Regime{
		Regime:                 regime.BroadBullish,
		PositionSizeMultiplier: d(1.5),
		SentimentScore:         d(50),
		SentimentClass:         regime.SentimentNeutral,
	}
}

func validFeatures(symbol string) types.Features {
	return types.Features{
		Symbol:      symbol,
		ADX:         d(28),
		VolumeRatio: d(1.8),
		Valid:       true,
	}
}

func midSession() time.Time {
	// A Friday at 10:00 Eastern, well before the entry cutoff.
	return time.Date(2025, 3, 14, 10, 0, 0, 0, clock.Eastern())
}

func newGate(t *testing.T) (*risk.Gate, *state.TradingState) {
	t.Helper()
	st := state.New()
	st.UpdateFeatures(validFeatures("AAPL"))
	return risk.New(gateConfig(), st, zap.NewNop()), st
}

func TestApprovedEntryIsSized(t *testing.T) {
	gate, _ := newGate(t)

	dec := gate.Evaluate(buySignal(), account(), bullishRegime(), true, midSession())
	if !dec.Approved {
		t.Fatalf("expected approval, got rejection: %s", dec.Reason)
	}
	// dollarRisk = 100000*0.005*1.25(conf 75)*1.5(regime)*1.0 = 937.50
	// qty = floor(937.50 / 2.00) = 468
	if !dec.Qty.Equal(d(468)) {
		t.Errorf("qty = %s, want 468", dec.Qty)
	}
	// Sizing cap property: notional within the per-symbol equity cap.
	notional := dec.Qty.Mul(d(50.00))
	if notional.GreaterThan(d(100_000).Mul(d(0.25))) {
		t.Errorf("notional %s exceeds the equity cap", notional)
	}
}

func TestMarketClosedRejected(t *testing.T) {
	gate, _ := newGate(t)
	dec := gate.Evaluate(buySignal(), account(), bullishRegime(), false, midSession())
	if dec.Approved || dec.Reason != "market_closed" {
		t.Errorf("got %+v, want market_closed rejection", dec)
	}
}

func TestEntryCutoffBoundary(t *testing.T) {
	gate, _ := newGate(t)

	// Exactly at the cutoff: must be rejected.
	atCutoff := time.Date(2025, 3, 14, 15, 30, 0, 0, clock.Eastern())
	dec := gate.Evaluate(buySignal(), account(), bullishRegime(), true, atCutoff)
	if dec.Approved || dec.Reason != "entry_cutoff" {
		t.Errorf("entry at the exact cutoff: got %+v, want entry_cutoff rejection", dec)
	}

	// One minute earlier: allowed through the cutoff check.
	justBefore := atCutoff.Add(-time.Minute)
	dec = gate.Evaluate(buySignal(), account(), bullishRegime(), true, justBefore)
	if !dec.Approved {
		t.Errorf("entry before the cutoff should pass, got %s", dec.Reason)
	}
}

func TestPositionCapReached(t *testing.T) {
	gate, st := newGate(t)
	for i := 0; i < 3; i++ {
		st.UpsertPosition(types.Position{Symbol: fmt.Sprintf("SYM%d", i), Qty: d(10)})
	}
	dec := gate.Evaluate(buySignal(), account(), bullishRegime(), true, midSession())
	if dec.Approved || dec.Reason != "cap_reached" {
		t.Errorf("got %+v, want cap_reached rejection", dec)
	}
}

func TestOnePositionPerSymbol(t *testing.T) {
	gate, st := newGate(t)
	st.UpsertPosition(types.Position{Symbol: "AAPL", Qty: d(10)})
	dec := gate.Evaluate(buySignal(), account(), bullishRegime(), true, midSession())
	if dec.Approved || dec.Reason != "position_already_open" {
		t.Errorf("got %+v, want position_already_open rejection", dec)
	}
}

func TestCooldownRejected(t *testing.T) {
	gate, st := newGate(t)
	now := midSession()
	st.SetCooldown("AAPL", now.Add(time.Hour))
	dec := gate.Evaluate(buySignal(), account(), bullishRegime(), true, now)
	if dec.Approved || dec.Reason != "cooldown" {
		t.Errorf("got %+v, want cooldown rejection", dec)
	}
}

func TestBelowThreshold(t *testing.T) {
	gate, _ := newGate(t)

	// Broad bullish lowers the long baseline 60 by 10; 45 still misses it.
	sig := buySignal()
	sig.Confidence = d(45)
	dec := gate.Evaluate(sig, account(), bullishRegime(), true, midSession())
	if dec.Approved || dec.Reason != "below_threshold" {
		t.Errorf("got %+v, want below_threshold rejection", dec)
	}
}

func TestChoppyRaisesThreshold(t *testing.T) {
	gate, _ := newGate(t)
	choppy := types.Regime{
		Regime:                 regime.Choppy,
		PositionSizeMultiplier: d(0.5),
		SentimentClass:         regime.SentimentNeutral,
	}

	// Choppy raises the long baseline 60 by 10; 65 now misses it.
	sig := buySignal()
	sig.Confidence = d(65)
	dec := gate.Evaluate(sig, account(), choppy, true, midSession())
	if dec.Approved || dec.Reason != "below_threshold" {
		t.Errorf("confidence 65 in choppy: got %+v, want below_threshold", dec)
	}

	// The choppy volume floor is 1.0x, so 75 clears both threshold and flow.
	sig.Confidence = d(75)
	dec = gate.Evaluate(sig, account(), choppy, true, midSession())
	if !dec.Approved {
		t.Errorf("confidence 75 in choppy should pass, got %s", dec.Reason)
	}
}

func TestVolatilityFilter(t *testing.T) {
	gate, st := newGate(t)

	f := validFeatures("AAPL")
	f.ADX = d(15)
	st.UpdateFeatures(f)
	dec := gate.Evaluate(buySignal(), account(), bullishRegime(), true, midSession())
	if dec.Approved || dec.Reason != "volatility_filter" {
		t.Errorf("weak ADX: got %+v, want volatility_filter", dec)
	}

	f = validFeatures("AAPL")
	f.VolumeRatio = d(1.2) // under the 1.5x normal-regime floor
	st.UpdateFeatures(f)
	dec = gate.Evaluate(buySignal(), account(), bullishRegime(), true, midSession())
	if dec.Approved || dec.Reason != "volatility_filter" {
		t.Errorf("thin volume: got %+v, want volatility_filter", dec)
	}
}

func TestShortsBlockedInLongOnlyMode(t *testing.T) {
	cfg := gateConfig()
	cfg.LongOnlyMode = true
	st := state.New()
	st.UpdateFeatures(validFeatures("AAPL"))
	gate := risk.New(cfg, st, zap.NewNop())

	sig := buySignal()
	sig.Side = types.SideSell
	sig.InitialStop = d(52.00)
	dec := gate.Evaluate(sig, account(), bullishRegime(), true, midSession())
	if dec.Approved || dec.Reason != "short_entries_disabled" {
		t.Errorf("got %+v, want short_entries_disabled", dec)
	}
}

func TestInsufficientBuyingPower(t *testing.T) {
	gate, _ := newGate(t)
	acct := account()
	acct.BuyingPower = d(5_000) // 468 shares * $50 * 1.2 buffer needs $28,080
	dec := gate.Evaluate(buySignal(), acct, bullishRegime(), true, midSession())
	if dec.Approved || dec.Reason != "insufficient_buying_power" {
		t.Errorf("got %+v, want insufficient_buying_power", dec)
	}
}

func TestCircuitBreakerOnDailyLoss(t *testing.T) {
	gate, st := newGate(t)

	// Day realized loss one dollar past the 3% cap.
	metrics := types.Metrics{
		Equity: d(100_000),
		DayPnL: d(-3_001),
	}
	gate.CheckDailyLoss(metrics)

	allowed, reason := st.IsTradingAllowed()
	if allowed {
		t.Fatal("circuit breaker should disable trading")
	}
	if !strings.HasPrefix(reason, "daily_loss_cap_breached") {
		t.Errorf("reason = %q", reason)
	}

	// No new entries while tripped.
	dec := gate.Evaluate(buySignal(), account(), bullishRegime(), true, midSession())
	if dec.Approved {
		t.Error("no entry may be approved while the circuit breaker is tripped")
	}
	if !strings.HasPrefix(dec.Reason, "trading_disabled") {
		t.Errorf("reason = %q", dec.Reason)
	}
}

func TestDailyLossUnderCapDoesNotTrip(t *testing.T) {
	gate, st := newGate(t)
	gate.CheckDailyLoss(types.Metrics{Equity: d(100_000), DayPnL: d(-2_000)})
	if allowed, _ := st.IsTradingAllowed(); !allowed {
		t.Error("a loss under the cap must not trip the breaker")
	}
}

func TestThreeAuditFailuresTripBreaker(t *testing.T) {
	gate, st := newGate(t)

	gate.RecordAuditFailure()
	gate.RecordAuditFailure()
	if allowed, _ := st.IsTradingAllowed(); !allowed {
		t.Fatal("two failures must not trip the breaker")
	}

	// A success in between resets the streak.
	gate.RecordAuditSuccess()
	gate.RecordAuditFailure()
	gate.RecordAuditFailure()
	if allowed, _ := st.IsTradingAllowed(); !allowed {
		t.Fatal("streak should have been reset by the success")
	}

	gate.RecordAuditFailure()
	if allowed, _ := st.IsTradingAllowed(); allowed {
		t.Error("third consecutive failure must trip the breaker")
	}
}

func TestRecordExitCooldownEscalation(t *testing.T) {
	gate, st := newGate(t)
	now := midSession()

	// First loss: base 2h cooldown.
	gate.RecordExit("AAPL", d(-100), now)
	if gate.ConsecutiveLosses("AAPL") != 1 {
		t.Errorf("streak = %d, want 1", gate.ConsecutiveLosses("AAPL"))
	}
	if !st.IsInCooldown("AAPL", now.Add(90*time.Minute)) {
		t.Error("cooldown should cover the base window")
	}
	if st.IsInCooldown("AAPL", now.Add(3*time.Hour)) {
		t.Error("single-loss cooldown should not extend past the base window")
	}

	// Second consecutive loss doubles it.
	gate.RecordExit("AAPL", d(-50), now)
	if !st.IsInCooldown("AAPL", now.Add(3*time.Hour)) {
		t.Error("second consecutive loss should extend the cooldown")
	}

	// A win resets the streak.
	gate.RecordExit("AAPL", d(200), now)
	if gate.ConsecutiveLosses("AAPL") != 0 {
		t.Errorf("streak after a win = %d, want 0", gate.ConsecutiveLosses("AAPL"))
	}
}
