// Package position never lets a position go unprotected: it reconciles
// broker truth, manages the R-multiple trailing stop and partial-profit
// ladders, flattens at end of day, and cleans up orphaned orders.
package position

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/broker"
	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/internal/events"
	"github.com/riverrun/daytrader-engine/internal/execution"
	"github.com/riverrun/daytrader-engine/internal/idgen"
	"github.com/riverrun/daytrader-engine/internal/persistence"
	"github.com/riverrun/daytrader-engine/internal/risk"
	"github.com/riverrun/daytrader-engine/internal/state"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

// Config tunes the trailing-stop and partial-profit ladders.
type Config struct {
	TrailingEnabled      bool
	TrailingActivationR  decimal.Decimal
	TrailingDistanceR    decimal.Decimal
	MaxTrailingPositions int
	// TrailingPct and TrailingATRMult define the trailing distance once a
	// trail is active: the stop follows price at the widest of
	// price*TrailingPct, initialRisk*TrailingDistanceR and
	// atr*TrailingATRMult, never loosening.
	TrailingPct     decimal.Decimal
	TrailingATRMult decimal.Decimal

	PartialProfitEnabled    bool
	PartialProfitShadowMode bool
	ProtectionGraceWindow   time.Duration
	EODExitTime             clock.TimeOfDay
	ForceEODExit            bool
	// RemnantNotionalPct is the fraction of equity below which an open
	// position is opportunistically closed during a cleanup sweep to free
	// a position slot.
	RemnantNotionalPct decimal.Decimal
}

// DefaultConfig carries the production ladder thresholds.
func DefaultConfig() Config {
	return Config{
		TrailingEnabled:       true,
		TrailingActivationR:   decimal.NewFromFloat(2.0),
		TrailingDistanceR:     decimal.NewFromFloat(0.5),
		MaxTrailingPositions:  8,
		TrailingPct:           decimal.NewFromFloat(0.01),
		TrailingATRMult:       decimal.NewFromFloat(1.5),
		PartialProfitEnabled:  true,
		ProtectionGraceWindow: 30 * time.Second,
		ForceEODExit:          true,
		RemnantNotionalPct:    decimal.NewFromFloat(0.01),
	}
}

// Manager reconciles broker truth into TradingState, audits protection,
// and manages every open position's exit ladder.
type Manager struct {
	cfg      Config
	adapter  broker.Adapter
	exec     *execution.Executor
	state    *state.TradingState
	gate     *risk.Gate
	persist  *persistence.Gateway
	bus      *events.Bus
	log      *zap.Logger
	trailing int
}

// New constructs a Manager. persist and bus may be nil; closed trades are
// then tracked in TradingState only and no events are emitted.
func New(cfg Config, adapter broker.Adapter, exec *execution.Executor, st *state.TradingState, gate *risk.Gate, persist *persistence.Gateway, bus *events.Bus, log *zap.Logger) *Manager {
	return &Manager{cfg: cfg, adapter: adapter, exec: exec, state: st, gate: gate, persist: persist, bus: bus, log: log}
}

func (m *Manager) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// Hydrate merges persisted position snapshots (partial-profit rungs,
// trailing flags, initial risk) into TradingState after the first broker
// reconcile, so a restart never double-dips a partial-profit rung.
func (m *Manager) Hydrate(ctx context.Context) error {
	if err := m.Reconcile(ctx); err != nil {
		return err
	}
	if m.persist == nil {
		return nil
	}
	snaps, err := m.persist.LoadPositionSnapshots(ctx)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		pos, ok := m.state.Position(snap.Symbol)
		if !ok {
			// Snapshot for a position the broker no longer holds; drop it.
			m.persist.DeletePositionSnapshot(snap.Symbol)
			continue
		}
		pos.StopLoss = snap.StopLoss
		pos.TakeProfit = snap.TakeProfit
		pos.PartialTaken = snap.PartialTaken
		pos.TrailingActive = snap.TrailingActive
		pos.OriginalQty = snap.OriginalQty
		pos.InitialRisk = snap.InitialRisk
		pos.LinkageID = snap.LinkageID
		pos.EntryTime = snap.EntryTime
		if pos.TrailingActive {
			m.trailing++
		}
		m.state.UpsertPosition(pos)
	}
	return nil
}

// Track seeds TradingState with a just-opened position's risk parameters
// (initial stop, take profit, per-share risk, linkage) before the next
// reconcile cycle can observe it, so the protection audit and ladders act
// from the first tick.
func (m *Manager) Track(sig types.Signal, order types.Order) {
	qty := order.FilledQty
	if qty.IsZero() {
		qty = order.Qty
	}
	entryPx := order.FilledAvgPx
	if entryPx.IsZero() {
		entryPx = sig.EntryRef
	}
	pos := types.Position{
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Qty:           qty,
		OriginalQty:   qty,
		AvgEntryPrice: entryPx,
		CurrentPrice:  entryPx,
		StopLoss:      sig.InitialStop,
		TakeProfit:    sig.TakeProfit,
		InitialRisk:   entryPx.Sub(sig.InitialStop).Abs(),
		EntryTime:     clock.Now(),
		LinkageID:     order.LinkageID,
		MarketValue:   qty.Mul(entryPx),
	}
	m.state.UpsertPosition(pos)
	m.snapshot(pos)
	m.publish(events.NewPositionEvent(pos.Symbol, pos.EntryTime, pos))
}

func (m *Manager) snapshot(pos types.Position) {
	if m.persist != nil {
		m.persist.SavePositionSnapshot(pos)
	}
}

// Reconcile pulls broker positions into TradingState, the source of
// truth reset each cycle.
func (m *Manager) Reconcile(ctx context.Context) error {
	brokerPositions, err := m.adapter.ListPositions(ctx)
	if err != nil {
		return err
	}
	now := clock.Now()
	seen := make(map[string]bool, len(brokerPositions))
	for _, bp := range brokerPositions {
		seen[bp.Symbol] = true
		existing, ok := m.state.Position(bp.Symbol)
		pos := types.Position{
			Symbol:        bp.Symbol,
			Side:          bp.Side,
			Qty:           bp.Qty,
			AvgEntryPrice: bp.AvgEntryPrice,
			CurrentPrice:  bp.CurrentPrice,
			EntryTime:     now,
		}
		if ok {
			pos.OriginalQty = existing.OriginalQty
			pos.InitialRisk = existing.InitialRisk
			pos.StopLoss = existing.StopLoss
			pos.TakeProfit = existing.TakeProfit
			pos.PartialTaken = existing.PartialTaken
			pos.StopRung = existing.StopRung
			pos.TrailingActive = existing.TrailingActive
			pos.LinkageID = existing.LinkageID
			pos.EntryTime = existing.EntryTime
		} else {
			pos.OriginalQty = bp.Qty
		}
		pos.MarketValue = pos.Qty.Mul(pos.CurrentPrice)
		pos.UnrealizedPnL = pos.CurrentPrice.Sub(pos.AvgEntryPrice).Mul(pos.Qty)
		if !pos.AvgEntryPrice.IsZero() {
			pos.UnrealizedPnLPct = pos.CurrentPrice.Div(pos.AvgEntryPrice).Sub(decimal.NewFromInt(1))
		}
		m.state.UpsertPosition(pos)
		if !ok {
			m.publish(events.NewPositionEvent(pos.Symbol, now, pos))
		}
	}
	for _, existing := range m.state.AllPositions() {
		if !seen[existing.Symbol] {
			m.onPositionClosed(existing, now)
		}
	}
	m.updateOpenPositionMetrics()
	return nil
}

// onPositionClosed finalizes a position the broker no longer reports:
// records the trade, starts the symbol cooldown, folds realized PnL into
// the day metrics, frees a trailing slot, and emits the closed event.
func (m *Manager) onPositionClosed(pos types.Position, now time.Time) {
	m.state.RemovePosition(pos.Symbol)
	if pos.TrailingActive && m.trailing > 0 {
		m.trailing--
	}

	realized := pos.UnrealizedPnL
	if m.gate != nil {
		m.gate.RecordExit(pos.Symbol, realized, now)
	}

	metrics := m.state.Metrics()
	metrics.DayPnL = metrics.DayPnL.Add(realized)
	metrics.TotalPnL = metrics.TotalPnL.Add(realized)
	metrics.TotalTrades++
	if realized.IsPositive() {
		metrics.Wins++
	} else if realized.IsNegative() {
		metrics.Losses++
	}
	if metrics.TotalTrades > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(metrics.Wins)).
			Div(decimal.NewFromInt(int64(metrics.TotalTrades)))
	}
	metrics.UpdatedAt = now
	m.state.UpdateMetrics(metrics)
	if m.gate != nil {
		m.gate.CheckDailyLoss(metrics)
	}

	m.recordClosedTrade(pos, now)
	if m.persist != nil {
		m.persist.DeletePositionSnapshot(pos.Symbol)
	}
	m.publish(events.NewPositionEvent(pos.Symbol, now, map[string]any{
		"status":   "closed",
		"symbol":   pos.Symbol,
		"pnl":      realized.String(),
		"r":        pos.RMultiple().String(),
		"partials": pos.PartialTaken,
	}))
	m.log.Info("position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("pnl", realized.String()),
		zap.String("r_multiple", pos.RMultiple().StringFixed(2)))
}

func (m *Manager) updateOpenPositionMetrics() {
	metrics := m.state.Metrics()
	metrics.OpenPositions = len(m.state.AllPositions())
	m.state.UpdateMetrics(metrics)
}

// recordClosedTrade persists a just-closed position's realized outcome,
// reasoning from its last-known fields since the broker no longer
// reports a position once it is flat.
func (m *Manager) recordClosedTrade(pos types.Position, now time.Time) {
	if m.persist == nil {
		return
	}
	reason := "stop"
	switch {
	case pos.PartialTaken >= 3:
		reason = "full_4r"
	case pos.PartialTaken == 2:
		reason = "partial_3r"
	case pos.PartialTaken == 1:
		reason = "partial_2r"
	}
	var pnlPct decimal.Decimal
	if !pos.AvgEntryPrice.IsZero() {
		pnlPct = pos.CurrentPrice.Div(pos.AvgEntryPrice).Sub(decimal.NewFromInt(1))
	}
	m.persist.RecordTrade(types.Trade{
		ClientOrderID: pos.LinkageID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Qty:           pos.OriginalQty.Abs(),
		EntryPrice:    pos.AvgEntryPrice,
		ExitPrice:     pos.CurrentPrice,
		EntryTime:     pos.EntryTime,
		ExitTime:      now,
		PnL:           pos.UnrealizedPnL,
		PnLPct:        pnlPct,
		RMultiple:     pos.RMultiple(),
		Reason:        reason,
	})
}

// AuditProtection ensures every open position has a live stop order
// within the grace window, reconstructing one if missing and flipping
// the circuit breaker after three consecutive failures.
func (m *Manager) AuditProtection(ctx context.Context) {
	// Broker truth first: broker-native bracket legs never pass through
	// TradingState, so the audit checks the broker's working orders and
	// falls back to locally-tracked legs.
	brokerStops := make(map[string]bool)
	if orders, err := m.adapter.ListOrders(ctx); err == nil {
		for _, o := range orders {
			if (o.Type == types.OrderTypeStop || o.Type == types.OrderTypeTrailingStop) &&
				o.Status != types.OrderStatusFilled &&
				o.Status != types.OrderStatusCancelled &&
				o.Status != types.OrderStatusRejected &&
				o.Status != types.OrderStatusExpired {
				brokerStops[o.Symbol] = true
			}
		}
	}

	for _, pos := range m.state.AllPositions() {
		hasLiveStop := brokerStops[pos.Symbol]
		if !hasLiveStop {
			for _, o := range m.state.OrdersForLinkage(pos.LinkageID) {
				if o.Role == types.LegStopLoss && !o.IsTerminal() {
					hasLiveStop = true
					break
				}
			}
		}
		if hasLiveStop {
			continue
		}

		if time.Since(pos.EntryTime) < m.cfg.ProtectionGraceWindow {
			continue
		}

		m.log.Warn("position missing protective stop, reconstructing", zap.String("symbol", pos.Symbol))
		if err := m.reattachStop(ctx, pos); err != nil {
			m.log.Error("failed to reconstruct protective stop, flattening position", zap.String("symbol", pos.Symbol), zap.Error(err))
			m.gate.RecordAuditFailure()
			_ = m.adapter.ClosePosition(ctx, pos.Symbol)
			continue
		}
		m.gate.RecordAuditSuccess()
	}
}

// reattachStop reconstructs the missing protective stop: a take-profit
// sibling holding the shares is cancelled first, then the stop goes in at
// the last-known stop, or without one at the wider of the 1.5% floor and
// the ATR distance (see protectiveStopPrice).
func (m *Manager) reattachStop(ctx context.Context, pos types.Position) error {
	stopPrice := m.protectiveStopPrice(pos)
	if stopPrice.IsZero() {
		return fmt.Errorf("position %s has no stop reference to reconstruct from", pos.Symbol)
	}

	for _, o := range m.state.OrdersForLinkage(pos.LinkageID) {
		if o.Role == types.LegTakeProfit && !o.IsTerminal() {
			if err := m.exec.CancelOrReplace(ctx, o.OrderID); err != nil {
				return fmt.Errorf("cancelling share-holding take-profit: %w", err)
			}
		}
	}

	bucket := idgen.MinuteBucket(clock.Now())
	bo, err := m.adapter.SubmitOrder(ctx, broker.SubmitOrderRequest{
		ClientOrderID: idgen.ClientOrderID(pos.Symbol, "stop_reattach", bucket),
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          types.OrderTypeStop,
		Qty:           pos.Qty.Abs(),
		StopPrice:     stopPrice.Round(2),
	})
	if err != nil {
		return err
	}
	m.state.UpsertOrder(types.Order{
		OrderID:       bo.OrderID,
		ClientOrderID: bo.ClientOrderID,
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          types.OrderTypeStop,
		Role:          types.LegStopLoss,
		Qty:           pos.Qty.Abs(),
		StopPrice:     stopPrice,
		Status:        bo.Status,
		SubmittedAt:   bo.SubmittedAt,
		LinkageID:     pos.LinkageID,
	})

	if !pos.TakeProfit.IsZero() {
		_, err := m.adapter.SubmitOrder(ctx, broker.SubmitOrderRequest{
			ClientOrderID: idgen.ClientOrderID(pos.Symbol, "tp_reattach", bucket),
			Symbol:        pos.Symbol,
			Side:          pos.Side.Opposite(),
			Type:          types.OrderTypeLimit,
			Qty:           pos.Qty.Abs(),
			LimitPrice:    pos.TakeProfit.Round(2),
		})
		if err != nil {
			m.log.Warn("failed re-placing take-profit after stop reconstruction",
				zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}
	return nil
}

// protectiveStopPrice returns the stop to reconstruct with: the last-known
// stop when present, else the wider of the 1.5% floor and the ATR-based
// distance from entry.
func (m *Manager) protectiveStopPrice(pos types.Position) decimal.Decimal {
	if !pos.StopLoss.IsZero() {
		return pos.StopLoss
	}
	if pos.AvgEntryPrice.IsZero() {
		return decimal.Zero
	}
	dist := pos.AvgEntryPrice.Mul(decimal.NewFromFloat(0.015))
	if f, ok := m.state.Features(pos.Symbol); ok && f.Valid {
		atrDist := f.ATR.Mul(decimal.NewFromFloat(2.5))
		if atrDist.GreaterThan(dist) {
			dist = atrDist
		}
	}
	if pos.Side == types.SideBuy {
		return pos.AvgEntryPrice.Sub(dist)
	}
	return pos.AvgEntryPrice.Add(dist)
}

// ManageExits applies the R-multiple trailing-stop ladder and the
// partial-profit ladder to every open position.
func (m *Manager) ManageExits(ctx context.Context) {
	for _, pos := range m.state.AllPositions() {
		r := pos.RMultiple()
		m.applyTrailingLadder(ctx, pos, r)
		if p, ok := m.state.Position(pos.Symbol); ok {
			pos = p
		}
		if pos.TrailingActive {
			m.applyTrailingDistance(ctx, pos)
		}
		if m.cfg.PartialProfitEnabled {
			if p, ok := m.state.Position(pos.Symbol); ok {
				pos = p
			}
			m.applyPartialProfitLadder(ctx, pos, r)
		}
	}
}

// stopLadder is the R-multiple lock schedule: each rung names the R the
// position must reach and the profit (in R) the moved stop locks in.
var stopLadder = []struct {
	triggerR decimal.Decimal
	lockR    decimal.Decimal
}{
	{decimal.NewFromInt(1), decimal.Zero},                          // breakeven
	{decimal.NewFromFloat(1.5), decimal.NewFromFloat(0.5)},
	{decimal.NewFromInt(2), decimal.NewFromInt(1)},
	{decimal.NewFromInt(3), decimal.NewFromFloat(1.5)},
	{decimal.NewFromInt(4), decimal.NewFromInt(2)},
}

// applyTrailingLadder advances the stop one ladder rung per evaluation
// cycle toward the highest rung the current R qualifies for, and
// activates trailing once R reaches the activation threshold. Advancing
// a single rung per cycle keeps each stop move auditable against the
// cancel/replace pair it produced.
func (m *Manager) applyTrailingLadder(ctx context.Context, pos types.Position, r decimal.Decimal) {
	if pos.InitialRisk.IsZero() {
		return
	}

	if m.cfg.TrailingEnabled && !pos.TrailingActive && r.GreaterThanOrEqual(m.cfg.TrailingActivationR) {
		if m.trailing >= m.cfg.MaxTrailingPositions {
			m.log.Warn("max trailing positions reached, skipping activation", zap.String("symbol", pos.Symbol))
		} else {
			m.trailing++
			pos.TrailingActive = true
			m.state.UpsertPosition(pos)
			m.snapshot(pos)
		}
	}

	next := pos.StopRung
	if next >= len(stopLadder) {
		return
	}
	if r.LessThan(stopLadder[next].triggerR) {
		return
	}

	newStop := lockedStopPrice(pos, stopLadder[next].lockR)
	if stopImproves(pos, newStop) {
		if err := m.moveStop(ctx, pos, newStop); err != nil {
			m.log.Error("failed to move trailing stop", zap.String("symbol", pos.Symbol), zap.Error(err))
			return
		}
		pos.StopLoss = newStop
	}
	pos.StopRung = next + 1
	m.state.UpsertPosition(pos)
	m.snapshot(pos)
}

// applyTrailingDistance follows the price with the stop at the widest of
// the percent trail, the R-based trail and the ATR trail, once trailing
// is active. Stops
// only move in the favorable direction.
func (m *Manager) applyTrailingDistance(ctx context.Context, pos types.Position) {
	if pos.CurrentPrice.IsZero() {
		return
	}
	dist := pos.CurrentPrice.Mul(m.cfg.TrailingPct)
	if rDist := pos.InitialRisk.Mul(m.cfg.TrailingDistanceR); rDist.GreaterThan(dist) {
		dist = rDist
	}
	if f, ok := m.state.Features(pos.Symbol); ok && f.Valid {
		atrDist := f.ATR.Mul(m.cfg.TrailingATRMult)
		if atrDist.GreaterThan(dist) {
			dist = atrDist
		}
	}

	var newStop decimal.Decimal
	if pos.Side == types.SideBuy {
		newStop = pos.CurrentPrice.Sub(dist)
	} else {
		newStop = pos.CurrentPrice.Add(dist)
	}
	if !stopImproves(pos, newStop) {
		return
	}

	if err := m.moveStop(ctx, pos, newStop); err != nil {
		m.log.Error("failed to trail stop", zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	pos.StopLoss = newStop
	m.state.UpsertPosition(pos)
	m.snapshot(pos)
}

func lockedStopPrice(pos types.Position, lockR decimal.Decimal) decimal.Decimal {
	offset := pos.InitialRisk.Mul(lockR)
	if pos.Side == types.SideBuy {
		return pos.AvgEntryPrice.Add(offset)
	}
	return pos.AvgEntryPrice.Sub(offset)
}

// stopImproves reports whether newStop tightens risk relative to the
// currently-known stop (never loosens it).
func stopImproves(pos types.Position, newStop decimal.Decimal) bool {
	if pos.StopLoss.IsZero() {
		return true
	}
	if pos.Side == types.SideBuy {
		return newStop.GreaterThan(pos.StopLoss)
	}
	return newStop.LessThan(pos.StopLoss)
}

// moveStop cancels the working stop leg and submits the replacement. The
// cancel/replace pair is serialized per symbol by the engine's symbol
// lock, keeping it atomic with respect to other protection audits.
func (m *Manager) moveStop(ctx context.Context, pos types.Position, newStop decimal.Decimal) error {
	legs := m.state.OrdersForLinkage(pos.LinkageID)
	for _, o := range legs {
		if o.Role != types.LegStopLoss || o.IsTerminal() {
			continue
		}
		if err := m.exec.CancelOrReplace(ctx, o.OrderID); err != nil {
			return err
		}
		o.Status = types.OrderStatusCancelled
		m.state.UpsertOrder(o)
	}
	bucket := idgen.MinuteBucket(clock.Now())
	bo, err := m.adapter.SubmitOrder(ctx, broker.SubmitOrderRequest{
		ClientOrderID: idgen.ClientOrderID(pos.Symbol, "stop_move_"+newStop.StringFixed(2), bucket),
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          types.OrderTypeStop,
		Qty:           pos.Qty.Abs(),
		StopPrice:     newStop.Round(2),
	})
	if err != nil {
		return err
	}
	m.state.UpsertOrder(types.Order{
		OrderID:       bo.OrderID,
		ClientOrderID: bo.ClientOrderID,
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          types.OrderTypeStop,
		Role:          types.LegStopLoss,
		Qty:           pos.Qty.Abs(),
		StopPrice:     newStop,
		Status:        bo.Status,
		SubmittedAt:   bo.SubmittedAt,
		LinkageID:     pos.LinkageID,
	})
	return nil
}

// applyPartialProfitLadder sells 50% of the opening quantity at +2R,
// another 25% at +3R, and closes the remainder at +4R. In shadow mode it
// logs what it would do without acting.
func (m *Manager) applyPartialProfitLadder(ctx context.Context, pos types.Position, r decimal.Decimal) {
	var targetRung int
	switch {
	case r.GreaterThanOrEqual(decimal.NewFromInt(4)):
		targetRung = 3
	case r.GreaterThanOrEqual(decimal.NewFromInt(3)):
		targetRung = 2
	case r.GreaterThanOrEqual(decimal.NewFromInt(2)):
		targetRung = 1
	default:
		return
	}
	if pos.PartialTaken >= targetRung {
		return
	}
	// Rungs execute one at a time so each partial is its own trade record.
	targetRung = pos.PartialTaken + 1

	var sellFraction decimal.Decimal
	switch targetRung {
	case 1:
		sellFraction = decimal.NewFromFloat(0.50)
	case 2:
		sellFraction = decimal.NewFromFloat(0.25)
	case 3:
		sellFraction = decimal.NewFromInt(1) // close remainder
	}

	var qty decimal.Decimal
	if targetRung == 3 {
		qty = pos.Qty.Abs()
	} else {
		qty = pos.OriginalQty.Abs().Mul(sellFraction).Floor()
	}
	if qty.IsZero() || qty.GreaterThan(pos.Qty.Abs()) {
		qty = pos.Qty.Abs()
	}

	if m.cfg.PartialProfitShadowMode {
		m.log.Info("partial profit would fire (shadow mode)", zap.String("symbol", pos.Symbol), zap.Int("rung", targetRung), zap.String("qty", qty.String()))
		pos.PartialTaken = targetRung
		m.state.UpsertPosition(pos)
		m.snapshot(pos)
		return
	}

	bucket := idgen.MinuteBucket(clock.Now())
	_, err := m.adapter.SubmitOrder(ctx, broker.SubmitOrderRequest{
		ClientOrderID: idgen.ClientOrderID(pos.Symbol, fmt.Sprintf("partial_%d", targetRung), bucket),
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          types.OrderTypeMarket,
		Qty:           qty,
	})
	if err != nil {
		m.log.Error("partial profit order failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}

	if m.persist != nil {
		reason := fmt.Sprintf("partial_%dr", targetRung+1)
		if targetRung == 3 {
			reason = "full_4r"
		}
		exitPx := pos.CurrentPrice
		m.persist.RecordTrade(types.Trade{
			ClientOrderID: idgen.ClientOrderID(pos.Symbol, fmt.Sprintf("partial_%d", targetRung), bucket),
			Symbol:        pos.Symbol,
			Side:          pos.Side,
			Qty:           qty,
			EntryPrice:    pos.AvgEntryPrice,
			ExitPrice:     exitPx,
			EntryTime:     pos.EntryTime,
			ExitTime:      clock.Now(),
			PnL:           exitPx.Sub(pos.AvgEntryPrice).Mul(qty),
			PnLPct:        exitPx.Div(pos.AvgEntryPrice).Sub(decimal.NewFromInt(1)),
			RMultiple:     r,
			Reason:        reason,
		})
	}

	pos.PartialTaken = targetRung
	pos.Qty = pos.Qty.Sub(qty.Mul(sign(pos.Qty)))
	m.state.UpsertPosition(pos)
	m.snapshot(pos)
	m.publish(events.NewExecutionEvent(pos.Symbol, clock.Now(), map[string]any{
		"kind":   "partial_profit",
		"rung":   targetRung,
		"qty":    qty.String(),
		"symbol": pos.Symbol,
	}))
}

func sign(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// FlattenAtEOD force-closes every open position and cancels every
// working order once the configured end-of-day exit time has passed,
// when ForceEODExit is enabled.
func (m *Manager) FlattenAtEOD(ctx context.Context, now time.Time) {
	if !m.cfg.ForceEODExit {
		return
	}
	if m.cfg.EODExitTime == (clock.TimeOfDay{}) {
		return
	}
	if !m.cfg.EODExitTime.IsAtOrAfter(now) {
		return
	}
	for _, pos := range m.state.AllPositions() {
		m.log.Info("flattening position for end of day", zap.String("symbol", pos.Symbol))
		legs := m.state.OrdersForLinkage(pos.LinkageID)
		for _, o := range legs {
			if !o.IsTerminal() {
				if err := m.exec.CancelOrReplace(ctx, o.OrderID); err != nil {
					m.log.Warn("eod leg cancel failed", zap.String("order_id", o.OrderID), zap.Error(err))
				} else {
					o.Status = types.OrderStatusCancelled
					m.state.UpsertOrder(o)
				}
			}
		}
		if err := m.adapter.ClosePosition(ctx, pos.Symbol); err != nil {
			m.log.Error("eod flatten failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}
	// Sweep any working order not tied to a position as well.
	for _, o := range m.state.AllOrders() {
		if !o.IsTerminal() {
			if err := m.exec.CancelOrReplace(ctx, o.OrderID); err == nil {
				o.Status = types.OrderStatusCancelled
				m.state.UpsertOrder(o)
			}
		}
	}
}

// CleanupSmallNotional opportunistically closes any open position whose
// market value has fallen below RemnantNotionalPct of equity, freeing a
// position slot for higher-conviction signals.
func (m *Manager) CleanupSmallNotional(ctx context.Context, equity decimal.Decimal) {
	if equity.IsZero() || m.cfg.RemnantNotionalPct.IsZero() {
		return
	}
	floor := equity.Mul(m.cfg.RemnantNotionalPct)
	for _, pos := range m.state.AllPositions() {
		if pos.MarketValue.Abs().GreaterThanOrEqual(floor) {
			continue
		}
		m.log.Info("closing remnant position below notional floor",
			zap.String("symbol", pos.Symbol),
			zap.String("market_value", pos.MarketValue.String()),
			zap.String("floor", floor.String()))
		if err := m.adapter.ClosePosition(ctx, pos.Symbol); err != nil {
			m.log.Error("remnant cleanup close failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}
}

// CleanupRemnants cancels any tracked order whose linkage no longer
// corresponds to an open position (an orphaned bracket sibling left
// behind after a full-quantity exit).
func (m *Manager) CleanupRemnants(ctx context.Context) {
	openLinkages := make(map[string]bool)
	for _, pos := range m.state.AllPositions() {
		openLinkages[pos.LinkageID] = true
	}
	for _, o := range m.state.AllOrders() {
		if o.IsTerminal() {
			continue
		}
		if o.LinkageID != "" && !openLinkages[o.LinkageID] {
			m.log.Info("cancelling orphaned bracket leg", zap.String("order_id", o.OrderID), zap.String("symbol", o.Symbol))
			if err := m.exec.CancelOrReplace(ctx, o.OrderID); err == nil {
				o.Status = types.OrderStatusCancelled
				m.state.UpsertOrder(o)
			}
		}
	}
}

// TrailingCount reports how many positions currently hold a trailing slot.
func (m *Manager) TrailingCount() int { return m.trailing }
