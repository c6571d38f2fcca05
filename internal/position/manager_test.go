package position_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/broker"
	"github.com/riverrun/daytrader-engine/internal/brokererr"
	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/internal/execution"
	"github.com/riverrun/daytrader-engine/internal/position"
	"github.com/riverrun/daytrader-engine/internal/risk"
	"github.com/riverrun/daytrader-engine/internal/state"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// fakeBroker is a scriptable Adapter for manager tests. Non-market
// submissions come back working (submitted), market orders come back
// filled, mirroring a live broker's immediate responses.
type fakeBroker struct {
	mu sync.Mutex

	positions []types.BrokerPosition
	orders    []types.BrokerOrder

	submitted []broker.SubmitOrderRequest
	cancelled []string
	closed    []string

	cancelFn func(orderID string) error
}

func (f *fakeBroker) GetAccount(ctx context.Context) (types.AccountSnapshot, error) {
	return types.AccountSnapshot{Equity: d(100_000), BuyingPower: d(200_000)}, nil
}

func (f *fakeBroker) ListPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.BrokerPosition(nil), f.positions...), nil
}

func (f *fakeBroker) ListOrders(ctx context.Context) ([]types.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.BrokerOrder(nil), f.orders...), nil
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req broker.SubmitOrderRequest) (types.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	status := types.OrderStatusSubmitted
	if req.Type == types.OrderTypeMarket {
		status = types.OrderStatusFilled
	}
	return types.BrokerOrder{
		OrderID:       "bo_" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Status:        status,
		SubmittedAt:   time.Now(),
	}, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, orderID)
	fn := f.cancelFn
	f.mu.Unlock()
	if fn != nil {
		return fn(orderID)
	}
	return nil
}

func (f *fakeBroker) ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceOrderRequest) (types.BrokerOrder, error) {
	return types.BrokerOrder{OrderID: orderID}, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, symbol)
	kept := f.positions[:0]
	for _, p := range f.positions {
		if p.Symbol != symbol {
			kept = append(kept, p)
		}
	}
	f.positions = kept
	return nil
}

func (f *fakeBroker) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]types.Bar, error) {
	return nil, nil
}

func (f *fakeBroker) GetLatestTrade(ctx context.Context, symbol string) (types.LastTrade, error) {
	return types.LastTrade{Symbol: symbol, Price: d(100)}, nil
}

func (f *fakeBroker) GetLatestQuote(ctx context.Context, symbol string) (types.Quote, error) {
	return types.Quote{Symbol: symbol, Bid: d(99.95), Ask: d(100.05)}, nil
}

func (f *fakeBroker) IsMarketOpen(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeBroker) GetClock(ctx context.Context) (types.Clock, error) {
	return types.Clock{Now: time.Now(), IsOpen: true}, nil
}

func (f *fakeBroker) submittedReqs() []broker.SubmitOrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.SubmitOrderRequest(nil), f.submitted...)
}

func (f *fakeBroker) closedSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func gateConfig() risk.Config {
	cfg := risk.DefaultConfig()
	cfg.SymbolCooldown = 2 * time.Hour
	cfg.DailyLossCapPct = d(0.03)
	return cfg
}

func newManager(t *testing.T, cfg position.Config, fb *fakeBroker) (*position.Manager, *state.TradingState, *risk.Gate) {
	t.Helper()
	st := state.New()
	gate := risk.New(gateConfig(), st, zap.NewNop())
	execCfg := execution.DefaultConfig()
	execCfg.FillPollInitial = time.Millisecond
	execCfg.FillWaitCap = 50 * time.Millisecond
	exec := execution.New(execCfg, fb, st, zap.NewNop())
	mgr := position.New(cfg, fb, exec, st, gate, nil, nil, zap.NewNop())
	return mgr, st, gate
}

// openLong installs a tracked long position directly into state:
// entry $100, stop $98 (R = $2), qty 100.
func openLong(st *state.TradingState, symbol string) types.Position {
	pos := types.Position{
		Symbol:        symbol,
		Side:          types.SideBuy,
		Qty:           d(100),
		OriginalQty:   d(100),
		AvgEntryPrice: d(100),
		CurrentPrice:  d(100),
		StopLoss:      d(98),
		TakeProfit:    d(110),
		InitialRisk:   d(2),
		EntryTime:     time.Now().Add(-time.Minute),
		LinkageID:     "link_" + symbol,
		MarketValue:   d(10_000),
	}
	st.UpsertPosition(pos)
	return pos
}

func setPrice(st *state.TradingState, symbol string, price decimal.Decimal) {
	pos, _ := st.Position(symbol)
	pos.CurrentPrice = price
	pos.MarketValue = pos.Qty.Mul(price)
	pos.UnrealizedPnL = price.Sub(pos.AvgEntryPrice).Mul(pos.Qty)
	st.UpsertPosition(pos)
}

func TestReconcileAddsBrokerPositions(t *testing.T) {
	fb := &fakeBroker{positions: []types.BrokerPosition{
		{Symbol: "AAPL", Side: types.SideBuy, Qty: d(50), AvgEntryPrice: d(200), CurrentPrice: d(202)},
	}}
	mgr, st, _ := newManager(t, position.DefaultConfig(), fb)

	if err := mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	pos, ok := st.Position("AAPL")
	if !ok {
		t.Fatal("broker position should appear in state")
	}
	if !pos.UnrealizedPnL.Equal(d(100)) {
		t.Errorf("UnrealizedPnL = %s, want 100", pos.UnrealizedPnL)
	}
	if !pos.MarketValue.Equal(d(10_100)) {
		t.Errorf("MarketValue = %s, want 10100", pos.MarketValue)
	}
}

func TestReconcileClosesAndRecordsExit(t *testing.T) {
	fb := &fakeBroker{}
	mgr, st, gate := newManager(t, position.DefaultConfig(), fb)

	openLong(st, "AAPL")
	setPrice(st, "AAPL", d(97)) // a losing exit

	if err := mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, ok := st.Position("AAPL"); ok {
		t.Fatal("position absent at broker must be removed from state")
	}

	metrics := st.Metrics()
	if metrics.TotalTrades != 1 || metrics.Losses != 1 {
		t.Errorf("metrics after losing close: %+v", metrics)
	}
	if !metrics.DayPnL.Equal(d(-300)) {
		t.Errorf("DayPnL = %s, want -300", metrics.DayPnL)
	}
	if gate.ConsecutiveLosses("AAPL") != 1 {
		t.Errorf("losing streak = %d, want 1", gate.ConsecutiveLosses("AAPL"))
	}
	if !st.IsInCooldown("AAPL", time.Now().Add(time.Hour)) {
		t.Error("symbol should be cooling down after the exit")
	}
}

func TestProtectionAuditReconstructsMissingStop(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.ProtectionGraceWindow = time.Millisecond
	mgr, st, _ := newManager(t, cfg, fb)

	openLong(st, "AAPL")
	time.Sleep(5 * time.Millisecond)

	mgr.AuditProtection(context.Background())

	reqs := fb.submittedReqs()
	if len(reqs) == 0 {
		t.Fatal("audit should have submitted a reconstructed stop")
	}
	stop := reqs[0]
	if stop.Type != types.OrderTypeStop {
		t.Errorf("Type = %s, want stop", stop.Type)
	}
	if stop.Side != types.SideSell {
		t.Errorf("protective stop for a long must sell, got %s", stop.Side)
	}
	if !stop.StopPrice.Equal(d(98)) {
		t.Errorf("StopPrice = %s, want the last-known 98", stop.StopPrice)
	}
	if !stop.Qty.Equal(d(100)) {
		t.Errorf("Qty = %s, want 100", stop.Qty)
	}

	// The reconstructed leg is tracked, so the next audit is clean.
	fb.mu.Lock()
	fb.submitted = nil
	fb.mu.Unlock()
	mgr.AuditProtection(context.Background())
	if len(fb.submittedReqs()) != 0 {
		t.Error("second audit should find the reconstructed stop and do nothing")
	}
}

func TestProtectionAuditHonorsGraceWindow(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.ProtectionGraceWindow = time.Hour
	mgr, st, _ := newManager(t, cfg, fb)

	openLong(st, "AAPL")
	mgr.AuditProtection(context.Background())
	if len(fb.submittedReqs()) != 0 {
		t.Error("audit must wait out the grace window before reconstructing")
	}
}

func TestProtectionAuditTrustsBrokerStops(t *testing.T) {
	fb := &fakeBroker{orders: []types.BrokerOrder{
		{OrderID: "bstop", Symbol: "AAPL", Type: types.OrderTypeStop, Status: types.OrderStatusSubmitted},
	}}
	cfg := position.DefaultConfig()
	cfg.ProtectionGraceWindow = time.Millisecond
	mgr, st, _ := newManager(t, cfg, fb)

	openLong(st, "AAPL")
	time.Sleep(5 * time.Millisecond)

	mgr.AuditProtection(context.Background())
	if len(fb.submittedReqs()) != 0 {
		t.Error("a broker-side working stop satisfies the audit")
	}
}

func TestProtectionAuditCancelsBlockingTakeProfit(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.ProtectionGraceWindow = time.Millisecond
	mgr, st, _ := newManager(t, cfg, fb)

	pos := openLong(st, "AAPL")
	st.UpsertOrder(types.Order{
		OrderID:   "tp1",
		Symbol:    "AAPL",
		Role:      types.LegTakeProfit,
		Type:      types.OrderTypeLimit,
		Status:    types.OrderStatusSubmitted,
		LinkageID: pos.LinkageID,
	})
	time.Sleep(5 * time.Millisecond)

	mgr.AuditProtection(context.Background())

	fb.mu.Lock()
	cancelled := append([]string(nil), fb.cancelled...)
	fb.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "tp1" {
		t.Errorf("share-holding take-profit should be cancelled first, got %v", cancelled)
	}

	reqs := fb.submittedReqs()
	if len(reqs) != 2 {
		t.Fatalf("expected stop + re-placed take-profit, got %d submissions", len(reqs))
	}
	if reqs[0].Type != types.OrderTypeStop {
		t.Errorf("stop must go in before the take-profit, got %s first", reqs[0].Type)
	}
	if reqs[1].Type != types.OrderTypeLimit || !reqs[1].LimitPrice.Equal(d(110)) {
		t.Errorf("take-profit should be re-placed at 110, got %s @ %s", reqs[1].Type, reqs[1].LimitPrice)
	}
}

// TestPartialProfitLadder walks the worked +2R/+3R/+4R scenario: long
// entry $100, stop $98, qty 100.
func TestPartialProfitLadder(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.TrailingPct = d(0.05) // keep the percent trail behind the R ladder
	mgr, st, _ := newManager(t, cfg, fb)

	openLong(st, "AAPL")

	// +2R: sell 50, stop to breakeven, trailing activated.
	setPrice(st, "AAPL", d(104))
	mgr.ManageExits(context.Background())

	pos, _ := st.Position("AAPL")
	if pos.PartialTaken != 1 {
		t.Fatalf("PartialTaken = %d, want 1", pos.PartialTaken)
	}
	if !pos.Qty.Equal(d(50)) {
		t.Errorf("Qty after first partial = %s, want 50", pos.Qty)
	}
	if !pos.StopLoss.Equal(d(100)) {
		t.Errorf("stop after +2R = %s, want breakeven 100", pos.StopLoss)
	}
	if !pos.TrailingActive {
		t.Error("trailing should activate at +2R")
	}

	// +3R: sell 25 more, stop locks 0.5R.
	setPrice(st, "AAPL", d(106))
	mgr.ManageExits(context.Background())

	pos, _ = st.Position("AAPL")
	if pos.PartialTaken != 2 {
		t.Fatalf("PartialTaken = %d, want 2", pos.PartialTaken)
	}
	if !pos.Qty.Equal(d(25)) {
		t.Errorf("Qty after second partial = %s, want 25", pos.Qty)
	}
	if !pos.StopLoss.Equal(d(101)) {
		t.Errorf("stop after +3R = %s, want 101", pos.StopLoss)
	}

	// +4R: close the remainder.
	setPrice(st, "AAPL", d(108))
	mgr.ManageExits(context.Background())

	pos, _ = st.Position("AAPL")
	if pos.PartialTaken != 3 {
		t.Fatalf("PartialTaken = %d, want 3", pos.PartialTaken)
	}
	if !pos.Qty.IsZero() {
		t.Errorf("Qty after the final exit = %s, want 0", pos.Qty)
	}

	// Sells are side-aware market orders for 50, 25, 25.
	var sells []decimal.Decimal
	for _, r := range fb.submittedReqs() {
		if r.Type == types.OrderTypeMarket && r.Side == types.SideSell {
			sells = append(sells, r.Qty)
		}
	}
	if len(sells) != 3 || !sells[0].Equal(d(50)) || !sells[1].Equal(d(25)) || !sells[2].Equal(d(25)) {
		t.Errorf("partial sells = %v, want [50 25 25]", sells)
	}
}

func TestPartialProfitShadowMode(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.PartialProfitShadowMode = true
	cfg.TrailingEnabled = false
	mgr, st, _ := newManager(t, cfg, fb)

	openLong(st, "AAPL")
	setPrice(st, "AAPL", d(104))
	mgr.ManageExits(context.Background())

	pos, _ := st.Position("AAPL")
	if pos.PartialTaken != 1 {
		t.Errorf("shadow mode should still record the rung, got %d", pos.PartialTaken)
	}
	if !pos.Qty.Equal(d(100)) {
		t.Errorf("shadow mode must not reduce the position, Qty = %s", pos.Qty)
	}
	for _, r := range fb.submittedReqs() {
		if r.Type == types.OrderTypeMarket {
			t.Errorf("shadow mode must not submit market orders, saw %+v", r)
		}
	}
}

// TestMonotoneTrailing checks the trailing invariant: once active, the
// stop only moves in the favorable direction.
func TestMonotoneTrailing(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.PartialProfitEnabled = false
	mgr, st, _ := newManager(t, cfg, fb)

	openLong(st, "AAPL")

	var lastStop decimal.Decimal
	prices := []float64{104, 105, 107, 106, 103, 108}
	for _, p := range prices {
		setPrice(st, "AAPL", d(p))
		mgr.ManageExits(context.Background())
		pos, _ := st.Position("AAPL")
		if !lastStop.IsZero() && pos.StopLoss.LessThan(lastStop) {
			t.Fatalf("stop loosened from %s to %s at price %v", lastStop, pos.StopLoss, p)
		}
		lastStop = pos.StopLoss
	}
	if !lastStop.GreaterThanOrEqual(d(100)) {
		t.Errorf("final stop %s should have locked at least breakeven", lastStop)
	}
}

func TestTrailingSlotCap(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.MaxTrailingPositions = 1
	cfg.PartialProfitEnabled = false
	mgr, st, _ := newManager(t, cfg, fb)

	openLong(st, "AAPL")
	openLong(st, "MSFT")
	setPrice(st, "AAPL", d(104))
	setPrice(st, "MSFT", d(104))
	mgr.ManageExits(context.Background())

	active := 0
	for _, p := range st.AllPositions() {
		if p.TrailingActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("trailing positions = %d, want the configured cap of 1", active)
	}
	if mgr.TrailingCount() != 1 {
		t.Errorf("TrailingCount = %d, want 1", mgr.TrailingCount())
	}
}

// TestEODFlatten is the 15:58 scenario: 3 open positions and 6 working
// legs; after the cycle both counts are zero.
func TestEODFlatten(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.EODExitTime = clock.TimeOfDay{Hour: 15, Minute: 58}
	mgr, st, _ := newManager(t, cfg, fb)

	symbols := []string{"AAPL", "MSFT", "NVDA"}
	for _, sym := range symbols {
		pos := openLong(st, sym)
		fb.positions = append(fb.positions, types.BrokerPosition{
			Symbol: sym, Side: types.SideBuy, Qty: d(100), AvgEntryPrice: d(100), CurrentPrice: d(100),
		})
		st.UpsertOrder(types.Order{
			OrderID: "stop_" + sym, Symbol: sym, Role: types.LegStopLoss,
			Type: types.OrderTypeStop, Status: types.OrderStatusSubmitted, LinkageID: pos.LinkageID,
		})
		st.UpsertOrder(types.Order{
			OrderID: "tp_" + sym, Symbol: sym, Role: types.LegTakeProfit,
			Type: types.OrderTypeLimit, Status: types.OrderStatusSubmitted, LinkageID: pos.LinkageID,
		})
	}

	at1558 := time.Date(2025, 3, 14, 15, 58, 0, 0, clock.Eastern())
	mgr.FlattenAtEOD(context.Background(), at1558)

	closed := fb.closedSymbols()
	if len(closed) != 3 {
		t.Errorf("closed %d positions, want 3: %v", len(closed), closed)
	}
	for _, o := range st.AllOrders() {
		if !o.IsTerminal() {
			t.Errorf("working order survived the EOD flatten: %+v", o)
		}
	}

	if err := mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if n := len(st.AllPositions()); n != 0 {
		t.Errorf("open positions after EOD = %d, want 0", n)
	}
}

func TestEODFlattenNotBeforeTime(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.EODExitTime = clock.TimeOfDay{Hour: 15, Minute: 58}
	mgr, st, _ := newManager(t, cfg, fb)

	openLong(st, "AAPL")
	at1500 := time.Date(2025, 3, 14, 15, 0, 0, 0, clock.Eastern())
	mgr.FlattenAtEOD(context.Background(), at1500)
	if len(fb.closedSymbols()) != 0 {
		t.Error("flatten must not fire before the configured time")
	}
}

// TestCancelRaceOnCleanup covers the cancel-crosses-fill scenario: the
// broker reports the stop already filled (the position is flat); the
// close is recorded and no orphan error or replacement stop appears.
func TestCancelRaceOnCleanup(t *testing.T) {
	fb := &fakeBroker{}
	mgr, st, _ := newManager(t, position.DefaultConfig(), fb)

	pos := openLong(st, "AAPL")
	setPrice(st, "AAPL", d(98)) // stopped out at the stop price
	st.UpsertOrder(types.Order{
		OrderID: "stop1", Symbol: "AAPL", Role: types.LegStopLoss,
		Type: types.OrderTypeStop, Status: types.OrderStatusSubmitted, LinkageID: pos.LinkageID,
	})

	// Broker already shows the position flat.
	if err := mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, ok := st.Position("AAPL"); ok {
		t.Fatal("position should close on reconcile")
	}

	// Cleanup cancels the orphan stop; the broker answers "already filled".
	fb.mu.Lock()
	fb.cancelFn = func(orderID string) error {
		return brokererr.NewWithCode(brokererr.KindRaceCondition, "cancel_order",
			"order is already in filled state", "42210000")
	}
	fb.mu.Unlock()
	mgr.CleanupRemnants(context.Background())

	for _, o := range st.AllOrders() {
		if o.OrderID == "stop1" && !o.IsTerminal() {
			t.Error("orphaned stop should be terminal after cleanup")
		}
	}
	// No replacement stop may be created for a flat symbol.
	for _, r := range fb.submittedReqs() {
		if r.Type == types.OrderTypeStop {
			t.Errorf("no new stop may be placed for a flat position, saw %+v", r)
		}
	}
	metrics := st.Metrics()
	if metrics.TotalTrades != 1 {
		t.Errorf("the stop-out should be recorded as a closed trade, got %+v", metrics)
	}
}

func TestRemnantCleanup(t *testing.T) {
	fb := &fakeBroker{}
	mgr, st, _ := newManager(t, position.DefaultConfig(), fb)

	// 0.8% of equity: below the 1% remnant floor.
	remnant := openLong(st, "TINY")
	remnant.Qty = d(8)
	remnant.MarketValue = d(800)
	st.UpsertPosition(remnant)

	// A full-size position stays.
	openLong(st, "AAPL")

	mgr.CleanupSmallNotional(context.Background(), d(100_000))

	closed := fb.closedSymbols()
	if len(closed) != 1 || closed[0] != "TINY" {
		t.Errorf("closed = %v, want only TINY", closed)
	}
}

func TestTrackSeedsRiskParameters(t *testing.T) {
	fb := &fakeBroker{}
	mgr, st, _ := newManager(t, position.DefaultConfig(), fb)

	sig := types.Signal{
		Symbol:      "AAPL",
		Side:        types.SideBuy,
		EntryRef:    d(50.00),
		InitialStop: d(48.00),
		TakeProfit:  d(54.00),
	}
	order := types.Order{
		Symbol:      "AAPL",
		FilledQty:   d(375),
		FilledAvgPx: d(50.02),
		LinkageID:   "link1",
		Status:      types.OrderStatusFilled,
	}
	mgr.Track(sig, order)

	pos, ok := st.Position("AAPL")
	if !ok {
		t.Fatal("tracked position missing")
	}
	if !pos.InitialRisk.Equal(d(2.02)) {
		t.Errorf("InitialRisk = %s, want |50.02-48.00| = 2.02", pos.InitialRisk)
	}
	if !pos.StopLoss.Equal(d(48.00)) || !pos.TakeProfit.Equal(d(54.00)) {
		t.Errorf("stops not seeded: %s / %s", pos.StopLoss, pos.TakeProfit)
	}
	if !pos.OriginalQty.Equal(d(375)) {
		t.Errorf("OriginalQty = %s, want 375", pos.OriginalQty)
	}
	if pos.LinkageID != "link1" {
		t.Errorf("LinkageID = %s", pos.LinkageID)
	}
}

func TestCircuitBreakerStillManagesPositions(t *testing.T) {
	fb := &fakeBroker{}
	cfg := position.DefaultConfig()
	cfg.PartialProfitEnabled = false
	mgr, st, _ := newManager(t, cfg, fb)

	st.DisableTrading("daily_loss_cap")
	openLong(st, "AAPL")
	setPrice(st, "AAPL", d(104))
	mgr.ManageExits(context.Background())

	pos, _ := st.Position("AAPL")
	if pos.StopLoss.LessThan(d(100)) {
		t.Error("stop management must continue while the circuit breaker is tripped")
	}
}
