package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/broker"
	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/internal/config"
	"github.com/riverrun/daytrader-engine/internal/engine"
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

func seedDaily(pa *broker.PaperAdapter, symbol string, days int, start, step float64) {
	bars := make([]types.Bar, days)
	ts := time.Date(2025, 1, 2, 16, 0, 0, 0, time.UTC)
	for i := range bars {
		price := decimal.NewFromFloat(start + float64(i)*step)
		bars[i] = types.Bar{
			Symbol: symbol,
			TS:     ts.AddDate(0, 0, i),
			Open:   price,
			High:   price.Add(decimal.NewFromFloat(1)),
			Low:    price.Sub(decimal.NewFromFloat(1)),
			Close:  price,
			Volume: decimal.NewFromInt(1_000_000),
		}
	}
	pa.SeedBars(symbol, bars)
}

func buildEngine(t *testing.T) (*engine.Engine, *state.TradingState, *broker.PaperAdapter, *events.Bus, *workers.Pool) {
	t.Helper()
	log := zap.NewNop()
	st := state.New()
	bus := events.NewBus(events.BusConfig{WorkerCount: 2, QueueSize: 256}, log)
	pool := workers.New(2, 64, log)
	pa := broker.NewPaperAdapter(decimal.NewFromInt(100_000))

	for _, idx := range scanner.Indices {
		seedDaily(pa, idx, 40, 400, 1)
	}
	seedDaily(pa, "VIXY", 40, 15, 0)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	cfg.UseDynamicWatchlist = false

	gate := risk.New(risk.DefaultConfig(), st, log)
	execCfg := execution.DefaultConfig()
	execCfg.FillPollInitial = time.Millisecond
	execCfg.FillWaitCap = 100 * time.Millisecond
	exec := execution.New(execCfg, pa, st, log)
	posCfg := position.DefaultConfig()
	posCfg.EODExitTime = clock.TimeOfDay{Hour: 23, Minute: 59}
	posMgr := position.New(posCfg, pa, exec, st, gate, nil, bus, log)
	scan := scanner.New(pa, scanner.Indices, time.Minute, log)

	eng := engine.New(engine.Deps{
		Config:           cfg,
		Adapter:          pa,
		State:            st,
		Bus:              bus,
		Pool:             pool,
		Log:              log,
		FeatureEngine:    features.NewEngine(cfg.EMAShort, cfg.EMALong),
		RegimeSensor:     regime.NewSensor(decimal.NewFromFloat(0.3)),
		Strategy:         strategy.New(strategy.DefaultConfig()),
		Gate:             gate,
		Executor:         exec,
		PositionMgr:      posMgr,
		Scanner:          scan,
		SignalInterval:   20 * time.Millisecond,
		PositionInterval: 20 * time.Millisecond,
		ScannerInterval:  50 * time.Millisecond,
	})
	return eng, st, pa, bus, pool
}

func TestStartClassifiesRegimeAndStopsCleanly(t *testing.T) {
	eng, st, _, bus, pool := buildEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)

	// Start runs an inline regime tick over the seeded index basket.
	reg := st.Regime()
	if reg.Regime == "" {
		t.Error("regime should be classified during startup")
	}
	if reg.PositionSizeMultiplier.IsZero() {
		t.Error("regime should carry a position-size multiplier")
	}
	if reg.SentimentClass == "" {
		t.Error("sentiment should be classified during startup")
	}
	// The steady uptrend keeps the full basket above its short EMA.
	if !reg.BreadthScore.Equal(decimal.NewFromInt(1)) {
		t.Errorf("breadth = %s, want 1 for a uniformly rising basket", reg.BreadthScore)
	}

	if len(st.Watchlist()) == 0 {
		t.Error("watchlist should be seeded from config at startup")
	}

	// Let the loops run a few cycles, then shut down within the timeout.
	time.Sleep(100 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		eng.Stop(2 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop in time")
	}

	bus.Stop(time.Second)
	pool.Stop()
}

func TestHydrateAdoptsBrokerPositions(t *testing.T) {
	eng, st, pa, bus, pool := buildEngine(t)
	defer bus.Stop(time.Second)
	defer pool.Stop()

	// A position already held at the broker before startup.
	seedDaily(pa, "AAPL", 40, 100, 0)
	if _, err := pa.SubmitOrder(context.Background(), broker.SubmitOrderRequest{
		ClientOrderID: "preexisting", Symbol: "AAPL", Side: types.SideBuy,
		Type: types.OrderTypeMarket, Qty: decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("seeding broker position: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(2 * time.Second)

	if _, ok := st.Position("AAPL"); !ok {
		t.Error("startup hydration should adopt broker-held positions")
	}
}
