// Package risk is the approval gate every proposed entry must pass
// before submission: exposure limits, cooldowns, the adaptive confidence
// threshold, and position sizing.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/internal/regime"
	"github.com/riverrun/daytrader-engine/internal/state"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

// Config carries the gate's tunables, sourced from internal/config.
type Config struct {
	MaxPositions    int
	MaxPositionPct  decimal.Decimal
	BaseRiskPct     decimal.Decimal
	MinStopPct      decimal.Decimal
	DailyLossCapPct decimal.Decimal
	SymbolCooldown  time.Duration
	EntryCutoff     clock.TimeOfDay
	LongOnlyMode    bool

	// LongThresholdBase and ShortThresholdBase are the baseline adaptive
	// confidence thresholds (60 / 65 on the 0-100 scale).
	LongThresholdBase  decimal.Decimal
	ShortThresholdBase decimal.Decimal
	// MaxThresholdAdjustment bounds how far regime/sentiment may move the
	// baseline threshold in either direction.
	MaxThresholdAdjustment decimal.Decimal
}

// DefaultConfig carries the baseline thresholds.
func DefaultConfig() Config {
	return Config{
		LongThresholdBase:      decimal.NewFromInt(60),
		ShortThresholdBase:     decimal.NewFromInt(65),
		MaxThresholdAdjustment: decimal.NewFromInt(25),
	}
}

// Gate evaluates proposed entries against account state, exposure limits,
// and the circuit breaker.
type Gate struct {
	cfg   Config
	state *state.TradingState
	log   *zap.Logger

	mu                       sync.Mutex
	consecutiveAuditFailures int
	consecutiveLosses        map[string]int
}

// New constructs a Gate.
func New(cfg Config, st *state.TradingState, log *zap.Logger) *Gate {
	return &Gate{cfg: cfg, state: st, log: log, consecutiveLosses: make(map[string]int)}
}

// Decision is the gate's verdict: either an approved quantity or a
// rejection reason drawn from the stable reason-string enum.
type Decision struct {
	Approved bool
	Qty      decimal.Decimal
	Reason   string
}

// reject builds a rejected Decision.
func (g *Gate) reject(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}

// Evaluate runs the eight-step approval pipeline:
//  1. trading enabled (circuit breaker / operator pause)
//  2. market open / entry cutoff not yet passed
//  3. position cap and one-position-per-symbol
//  4. symbol cooldown, then the long-only block on short entries
//  5. adaptive confidence threshold (regime + sentiment adjusted)
//  6. volatility/flow filter (ADX + regime-dependent volume ratio)
//  7. sizing (risk-per-share with the minimum-stop floor, dollar risk,
//     equity cap, minimum viable notional)
//  8. buying power, with a 20% buffer over the notional
func (g *Gate) Evaluate(sig types.Signal, account types.AccountSnapshot, reg types.Regime, marketOpen bool, now time.Time) Decision {
	if allowed, reason := g.state.IsTradingAllowed(); !allowed {
		return g.reject("trading_disabled:" + reason)
	}

	if !marketOpen {
		return g.reject("market_closed")
	}

	if g.cfg.EntryCutoff != (clock.TimeOfDay{}) && g.cfg.EntryCutoff.IsAtOrAfter(now) {
		return g.reject("entry_cutoff")
	}

	if _, held := g.state.Position(sig.Symbol); held {
		return g.reject("position_already_open")
	}

	if len(g.state.AllPositions()) >= g.cfg.MaxPositions {
		return g.reject("cap_reached")
	}

	if g.state.IsInCooldown(sig.Symbol, now) {
		return g.reject("cooldown")
	}

	if g.cfg.LongOnlyMode && sig.Side == types.SideSell {
		return g.reject("short_entries_disabled")
	}

	threshold := g.adaptiveThreshold(sig.Side, reg)
	if sig.Confidence.LessThan(threshold) {
		return g.reject("below_threshold")
	}

	f, _ := g.state.Features(sig.Symbol)
	if !g.passesVolatilityFilter(f, reg) {
		return g.reject("volatility_filter")
	}

	riskPerShare := sig.RMultiple()
	minRiskPerShare := sig.EntryRef.Mul(g.cfg.MinStopPct)
	if riskPerShare.LessThan(minRiskPerShare) {
		riskPerShare = minRiskPerShare
	}
	if riskPerShare.IsZero() {
		return g.reject("invalid_risk_per_share")
	}

	sentimentMult := regime.SentimentMultiplier(reg.SentimentClass)
	regimeMult := reg.PositionSizeMultiplier
	if regimeMult.IsZero() {
		regimeMult = decimal.NewFromInt(1)
	}

	qty := SizePosition(SizeInputs{
		Equity:         account.Equity,
		BaseRiskPct:    g.cfg.BaseRiskPct,
		ConfidenceMult: confMultiplier(sig.Confidence),
		RegimeMult:     regimeMult,
		SentimentMult:  sentimentMult,
		RiskPerShare:   riskPerShare,
		EntryPrice:     sig.EntryRef,
		MaxPositionPct: g.cfg.MaxPositionPct,
	})
	if qty.IsZero() {
		return g.reject("below_min_size")
	}

	notional := qty.Mul(sig.EntryRef)
	buyingPowerNeeded := notional.Mul(decimal.NewFromFloat(1.20))
	if buyingPowerNeeded.GreaterThan(account.BuyingPower) {
		return g.reject("insufficient_buying_power")
	}

	return Decision{Approved: true, Qty: qty}
}

// confMultiplier maps a 0-100 confidence score onto a bounded [0.5, 1.5]
// sizing multiplier: 50 maps to 1.0x, 100 maps to 1.5x, linearly.
func confMultiplier(confidence decimal.Decimal) decimal.Decimal {
	mult := decimal.NewFromFloat(0.5).Add(confidence.Div(decimal.NewFromInt(100)))
	switch {
	case mult.LessThan(decimal.NewFromFloat(0.5)):
		return decimal.NewFromFloat(0.5)
	case mult.GreaterThan(decimal.NewFromFloat(1.5)):
		return decimal.NewFromFloat(1.5)
	default:
		return mult
	}
}

// adaptiveThreshold derives the confidence floor a signal must clear: a
// side-specific baseline (60 long / 65 short) adjusted by regime and
// sentiment, bounded to +-MaxThresholdAdjustment in aggregate.
func (g *Gate) adaptiveThreshold(side types.OrderSide, reg types.Regime) decimal.Decimal {
	base := g.cfg.LongThresholdBase
	if side == types.SideSell {
		base = g.cfg.ShortThresholdBase
	}

	var adj decimal.Decimal
	switch reg.Regime {
	case regime.BroadBullish, regime.BroadBearish:
		adj = adj.Sub(decimal.NewFromInt(10))
	case regime.Choppy:
		adj = adj.Add(decimal.NewFromInt(10))
	case regime.NarrowBullish, regime.NarrowBearish:
		adj = adj.Add(decimal.NewFromInt(5))
	}

	switch reg.SentimentClass {
	case regime.SentimentExtremeFear, regime.SentimentExtremeGreed:
		adj = adj.Add(decimal.NewFromInt(10))
	}

	cap := g.cfg.MaxThresholdAdjustment
	if cap.IsZero() {
		cap = decimal.NewFromInt(25)
	}
	if adj.GreaterThan(cap) {
		adj = cap
	}
	if adj.LessThan(cap.Neg()) {
		adj = cap.Neg()
	}

	return base.Add(adj)
}

// passesVolatilityFilter applies the regime-dependent ADX and
// volume-ratio gate: ADX>=20 always, and a volume ratio floor that
// widens as the regime gets choppier.
func (g *Gate) passesVolatilityFilter(f types.Features, reg types.Regime) bool {
	if !f.Valid {
		return false
	}
	if f.ADX.LessThan(decimal.NewFromInt(20)) {
		return false
	}

	var volumeFloor decimal.Decimal
	switch reg.Regime {
	case regime.Choppy:
		volumeFloor = decimal.NewFromFloat(1.0)
	case regime.NarrowBullish, regime.NarrowBearish:
		volumeFloor = decimal.NewFromFloat(1.2)
	default:
		volumeFloor = decimal.NewFromFloat(1.5)
	}
	return f.VolumeRatio.GreaterThanOrEqual(volumeFloor)
}

// RecordAuditFailure tracks a consecutive protection-audit failure and
// trips the circuit breaker on the third.
func (g *Gate) RecordAuditFailure() {
	g.mu.Lock()
	g.consecutiveAuditFailures++
	tripped := g.consecutiveAuditFailures >= 3
	g.mu.Unlock()
	if tripped {
		g.state.DisableTrading("three_consecutive_protection_audit_failures")
		g.log.Error("circuit breaker tripped: three consecutive protection audit failures")
	}
}

// RecordAuditSuccess resets the consecutive-failure counter.
func (g *Gate) RecordAuditSuccess() {
	g.mu.Lock()
	g.consecutiveAuditFailures = 0
	g.mu.Unlock()
}

// RecordExit starts the symbol's re-entry cooldown after a confirmed exit.
// Losing exits extend the cooldown with each consecutive loss; a winning
// exit resets the streak and applies only the base time-since-exit window.
func (g *Gate) RecordExit(symbol string, pnl decimal.Decimal, now time.Time) {
	g.mu.Lock()
	if pnl.IsNegative() {
		g.consecutiveLosses[symbol]++
	} else {
		g.consecutiveLosses[symbol] = 0
	}
	streak := g.consecutiveLosses[symbol]
	g.mu.Unlock()

	cooldown := g.cfg.SymbolCooldown
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	if streak > 1 {
		cooldown = cooldown * time.Duration(streak)
	}
	g.state.SetCooldown(symbol, now.Add(cooldown))
}

// ConsecutiveLosses returns the current losing streak for symbol.
func (g *Gate) ConsecutiveLosses(symbol string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveLosses[symbol]
}

// CheckDailyLoss trips the circuit breaker (new entries only; existing
// position management continues) once day PnL breaches the configured
// cap.
func (g *Gate) CheckDailyLoss(m types.Metrics) {
	if m.Equity.IsZero() {
		return
	}
	lossPct := m.DayPnL.Neg().Div(m.Equity)
	if lossPct.GreaterThanOrEqual(g.cfg.DailyLossCapPct) {
		g.state.DisableTrading(fmt.Sprintf("daily_loss_cap_breached:%s", lossPct.StringFixed(4)))
		g.log.Warn("circuit breaker tripped: daily loss cap breached", zap.String("loss_pct", lossPct.String()))
	}
}
