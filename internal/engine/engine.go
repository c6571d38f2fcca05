// Package engine wires every component into the three cooperative loops
// that drive the live trading pipeline: a slow scanner/regime loop, a
// signal loop, and a fast position-management loop.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/broker"
	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/internal/config"
	"github.com/riverrun/daytrader-engine/internal/events"
	"github.com/riverrun/daytrader-engine/internal/execution"
	"github.com/riverrun/daytrader-engine/internal/features"
	"github.com/riverrun/daytrader-engine/internal/position"
	"github.com/riverrun/daytrader-engine/internal/regime"
	"github.com/riverrun/daytrader-engine/internal/risk"
	"github.com/riverrun/daytrader-engine/internal/scanner"
	"github.com/riverrun/daytrader-engine/internal/state"
	"github.com/riverrun/daytrader-engine/internal/strategy"
	"github.com/riverrun/daytrader-engine/internal/workers"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

// maxWatchlistSize caps how many scanner-ranked symbols the signal loop
// evaluates each tick.
const maxWatchlistSize = 20

// Engine owns the scanner, signal, and position loops and the per-symbol
// mutexes serializing feature -> signal -> order -> audit within a
// symbol.
type Engine struct {
	cfg     *config.Config
	adapter broker.Adapter
	state   *state.TradingState
	bus     *events.Bus
	pool    *workers.Pool
	log     *zap.Logger

	featEngine   *features.Engine
	regimeSensor *regime.Sensor
	strat        *strategy.EMACrossoverStrategy
	gate         *risk.Gate
	exec         *execution.Executor
	posMgr       *position.Manager
	scan         *scanner.Scanner

	symbolLocks sync.Map // map[string]*sync.Mutex

	signalLoopInterval   time.Duration
	positionLoopInterval time.Duration
	scannerLoopInterval  time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// Deps bundles the already-constructed component graph; Engine itself
// only schedules calls into it.
type Deps struct {
	Config        *config.Config
	Adapter       broker.Adapter
	State         *state.TradingState
	Bus           *events.Bus
	Pool          *workers.Pool
	Log           *zap.Logger
	FeatureEngine *features.Engine
	RegimeSensor  *regime.Sensor
	Strategy      *strategy.EMACrossoverStrategy
	Gate          *risk.Gate
	Executor      *execution.Executor
	PositionMgr   *position.Manager
	Scanner       *scanner.Scanner

	// Loop cadence overrides; zero values take the defaults (5s signal,
	// 5s position, 60s scanner).
	SignalInterval   time.Duration
	PositionInterval time.Duration
	ScannerInterval  time.Duration
}

// New constructs an Engine from its dependency graph.
func New(d Deps) *Engine {
	return &Engine{
		cfg:                  d.Config,
		adapter:              d.Adapter,
		state:                d.State,
		bus:                  d.Bus,
		pool:                 d.Pool,
		log:                  d.Log,
		featEngine:           d.FeatureEngine,
		regimeSensor:         d.RegimeSensor,
		strat:                d.Strategy,
		gate:                 d.Gate,
		exec:                 d.Executor,
		posMgr:               d.PositionMgr,
		scan:                 d.Scanner,
		signalLoopInterval:   orDefault(d.SignalInterval, 5*time.Second),
		positionLoopInterval: orDefault(d.PositionInterval, 5*time.Second),
		scannerLoopInterval:  orDefault(d.ScannerInterval, time.Minute),
		stop:                 make(chan struct{}),
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	v, _ := e.symbolLocks.LoadOrStore(symbol, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Start hydrates TradingState (broker truth plus persisted partial-profit
// flags) and launches the three cooperative loops. It returns after
// hydration; call Stop to shut down.
func (e *Engine) Start(ctx context.Context) {
	if err := e.posMgr.Hydrate(ctx); err != nil {
		e.log.Error("state hydration failed; loops will reconcile from scratch", zap.Error(err))
	}
	e.state.UpdateWatchlist(e.cfg.WatchlistSymbols, nil)
	e.tickRegime(ctx)

	e.wg.Add(3)
	go e.runScannerLoop(ctx)
	go e.runSignalLoop(ctx)
	go e.runPositionLoop(ctx)
}

// Stop signals every loop to exit and waits up to timeout.
func (e *Engine) Stop(timeout time.Duration) {
	close(e.stop)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn("engine stop timed out waiting for loops to exit")
	}
}

// guard wraps one loop iteration in a recover so a panic in one loop
// never stops the others.
func (e *Engine) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("loop iteration panic", zap.String("loop", name), zap.Any("recover", r))
		}
	}()
	fn()
}

func (e *Engine) runScannerLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.scannerLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.guard("scanner", func() { e.tickScanner(ctx) })
		}
	}
}

// tickScanner refreshes the market regime and, in dynamic-watchlist mode,
// the scanner's ranked opportunity list.
func (e *Engine) tickScanner(ctx context.Context) {
	e.tickRegime(ctx)

	if !e.cfg.UseDynamicWatchlist {
		return
	}
	now := clock.Now()
	if !e.scan.DueForRefresh(now) {
		return
	}
	opps, err := e.scan.Refresh(ctx, now)
	if err != nil {
		e.log.Error("scanner refresh failed", zap.Error(err))
		return
	}
	if len(opps) == 0 {
		return
	}
	n := len(opps)
	if n > maxWatchlistSize {
		n = maxWatchlistSize
	}
	symbols := make([]string, 0, n)
	for _, o := range opps[:n] {
		symbols = append(symbols, o.Symbol)
	}
	e.state.UpdateWatchlist(symbols, opps)
	e.log.Info("scanner refreshed watchlist", zap.Int("ranked", len(opps)), zap.Strings("watchlist", symbols))
}

// tickRegime recomputes market breadth across the index basket, reads the
// volatility proxy, and publishes the updated regime into TradingState.
func (e *Engine) tickRegime(ctx context.Context) {
	basket := scanner.Indices
	above := 0
	counted := 0
	var trendSum decimal.Decimal
	for _, sym := range basket {
		bars, err := e.adapter.GetBars(ctx, sym, "1Day", 40)
		if err != nil || len(bars) == 0 {
			continue
		}
		f := e.featEngine.Compute(sym, bars)
		if !f.Valid {
			continue
		}
		counted++
		if f.Price.GreaterThan(f.EMAShort) {
			above++
		}
		trendSum = trendSum.Add(f.ADX)
	}
	if counted == 0 {
		return
	}

	breadth := decimal.NewFromInt(int64(above)).Div(decimal.NewFromInt(int64(counted)))
	trend := trendSum.Div(decimal.NewFromInt(int64(counted)))

	vix := decimal.Zero
	if e.cfg.VIXSymbol != "" {
		if lt, err := e.adapter.GetLatestTrade(ctx, e.cfg.VIXSymbol); err == nil {
			vix = lt.Price
		}
	}

	reg := e.regimeSensor.Classify(regime.Inputs{
		BreadthAboveEMA: breadth,
		TrendStrength:   trend,
		VIX:             vix,
	})

	// Sentiment proxy: breadth-weighted score on the 0-100 fear/greed
	// scale, damped toward fear as the volatility proxy rises.
	sentiment := breadth.Mul(decimal.NewFromInt(100))
	if vix.GreaterThan(decimal.NewFromInt(25)) {
		sentiment = sentiment.Mul(decimal.NewFromFloat(0.6))
	}
	reg.SentimentScore = sentiment
	reg.SentimentClass = regime.ClassifySentiment(sentiment)
	reg.UpdatedAt = clock.Now()

	e.state.UpdateRegime(reg)
	e.bus.Publish(events.Event{Type: events.TypeRegime, TS: reg.UpdatedAt, Payload: reg})
}

func (e *Engine) runSignalLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.signalLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.guard("signal", func() { e.tickSignals(ctx) })
		}
	}
}

func (e *Engine) tickSignals(ctx context.Context) {
	now := clock.Now()
	if !clock.IsWeekday(now) {
		return
	}
	marketOpen, err := e.adapter.IsMarketOpen(ctx)
	if err != nil {
		e.log.Warn("market clock unavailable, skipping signal tick", zap.Error(err))
		return
	}

	account, err := e.adapter.GetAccount(ctx)
	if err != nil {
		e.log.Error("failed to fetch account snapshot", zap.Error(err))
		return
	}
	metrics := e.state.Metrics()
	metrics.Equity = account.Equity
	metrics.Cash = account.Cash
	metrics.BuyingPower = account.BuyingPower
	metrics.MaxPositions = e.cfg.MaxPositions
	metrics.OpenPositions = len(e.state.AllPositions())
	allowed, _ := e.state.IsTradingAllowed()
	metrics.CircuitBreakerTriggered = !allowed
	metrics.UpdatedAt = now
	e.state.UpdateMetrics(metrics)
	e.gate.CheckDailyLoss(metrics)

	watchlist := e.state.Watchlist()
	if len(watchlist) == 0 {
		watchlist = e.cfg.WatchlistSymbols
	}
	for _, symbol := range watchlist {
		e.tickSymbol(ctx, symbol, account, marketOpen, now)
	}
}

func (e *Engine) tickSymbol(ctx context.Context, symbol string, account types.AccountSnapshot, marketOpen bool, now time.Time) {
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	bars, err := e.adapter.GetBars(ctx, symbol, "1Min", 60)
	if err != nil {
		e.log.Warn("failed to fetch bars", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if len(bars) == 0 {
		return
	}

	f := e.featEngine.Compute(symbol, bars)
	reg := e.state.Regime()
	f.Regime = reg.Regime
	f.ConfidenceScore = reg.SentimentScore
	e.state.UpdateFeatures(f)
	e.bus.Publish(events.NewBarEvent(symbol, now, f))

	if !f.Valid {
		return
	}

	daily := e.dailyTrend(ctx, symbol)
	sig, ok := e.strat.Evaluate(f, daily)
	if !ok {
		return
	}
	e.bus.Publish(events.NewSignalEvent(symbol, now, sig))

	decision := e.gate.Evaluate(sig, account, reg, marketOpen, now)
	if !decision.Approved {
		e.log.Debug("signal rejected by risk gate", zap.String("symbol", symbol), zap.String("reason", decision.Reason))
		e.bus.Publish(events.NewRiskAlertEvent(symbol, now, map[string]string{"reason": decision.Reason}))
		return
	}

	order, err := e.exec.SubmitEntry(ctx, sig, decision.Qty)
	if err != nil {
		e.log.Error("entry submission failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if order.Status == types.OrderStatusFilled || order.Status == types.OrderStatusPartiallyFilled {
		e.posMgr.Track(sig, order)
	}
	e.bus.Publish(events.NewOrderEvent(symbol, now, order))
	e.log.Info("entry submitted",
		zap.String("symbol", symbol),
		zap.String("status", string(order.Status)),
		zap.String("qty", decision.Qty.String()))
}

// dailyTrend computes the higher-timeframe EMA pair for the optional
// multi-timeframe confirmation.
func (e *Engine) dailyTrend(ctx context.Context, symbol string) strategy.DailyTrend {
	bars, err := e.adapter.GetBars(ctx, symbol, "1Day", 40)
	if err != nil || len(bars) < 22 {
		return strategy.DailyTrend{}
	}
	f := e.featEngine.Compute(symbol, bars)
	if !f.Valid {
		return strategy.DailyTrend{}
	}
	return strategy.DailyTrend{EMA9: f.EMAShort, EMA21: f.EMALong}
}

func (e *Engine) runPositionLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.positionLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.guard("position", func() { e.tickPositions(ctx) })
		}
	}
}

func (e *Engine) tickPositions(ctx context.Context) {
	now := clock.Now()
	if err := e.posMgr.Reconcile(ctx); err != nil {
		e.log.Error("position reconcile failed", zap.Error(err))
		return
	}
	e.posMgr.AuditProtection(ctx)
	e.posMgr.ManageExits(ctx)
	e.posMgr.FlattenAtEOD(ctx, now)
	e.posMgr.CleanupRemnants(ctx)
	e.posMgr.CleanupSmallNotional(ctx, e.state.Metrics().Equity)

	for _, p := range e.state.AllPositions() {
		e.bus.Publish(events.NewPositionEvent(p.Symbol, now, p))
	}
}
