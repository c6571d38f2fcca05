package state_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/riverrun/daytrader-engine/internal/state"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

func TestPositionLifecycle(t *testing.T) {
	st := state.New()

	if _, ok := st.Position("AAPL"); ok {
		t.Fatal("empty state should hold no positions")
	}

	st.UpsertPosition(types.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(100)})
	p, ok := st.Position("AAPL")
	if !ok {
		t.Fatal("position not found after upsert")
	}
	if !p.Qty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Qty = %s, want 100", p.Qty)
	}

	st.UpsertPosition(types.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(50)})
	p, _ = st.Position("AAPL")
	if !p.Qty.Equal(decimal.NewFromInt(50)) {
		t.Errorf("upsert should replace: Qty = %s, want 50", p.Qty)
	}

	st.RemovePosition("AAPL")
	if _, ok := st.Position("AAPL"); ok {
		t.Error("position should be gone after remove")
	}
	if len(st.AllPositions()) != 0 {
		t.Error("AllPositions should be empty")
	}
}

func TestOrdersForLinkage(t *testing.T) {
	st := state.New()
	st.UpsertOrder(types.Order{ClientOrderID: "entry1", LinkageID: "trade1", Role: types.LegEntry})
	st.UpsertOrder(types.Order{ClientOrderID: "stop1", LinkageID: "trade1", Role: types.LegStopLoss})
	st.UpsertOrder(types.Order{ClientOrderID: "entry2", LinkageID: "trade2", Role: types.LegEntry})

	legs := st.OrdersForLinkage("trade1")
	if len(legs) != 2 {
		t.Fatalf("expected 2 siblings for trade1, got %d", len(legs))
	}
	for _, o := range legs {
		if o.LinkageID != "trade1" {
			t.Errorf("foreign linkage leaked in: %s", o.LinkageID)
		}
	}
}

func TestTradingToggle(t *testing.T) {
	st := state.New()

	allowed, _ := st.IsTradingAllowed()
	if !allowed {
		t.Fatal("trading should start enabled")
	}

	st.DisableTrading("daily_loss_cap")
	allowed, reason := st.IsTradingAllowed()
	if allowed {
		t.Error("trading should be disabled")
	}
	if reason != "daily_loss_cap" {
		t.Errorf("reason = %q, want daily_loss_cap", reason)
	}

	st.EnableTrading()
	allowed, reason = st.IsTradingAllowed()
	if !allowed || reason != "" {
		t.Errorf("trading should be re-enabled with empty reason, got %v %q", allowed, reason)
	}
}

func TestCooldown(t *testing.T) {
	st := state.New()
	now := time.Now()

	if st.IsInCooldown("AAPL", now) {
		t.Fatal("no cooldown should be set initially")
	}

	st.SetCooldown("AAPL", now.Add(time.Hour))
	if !st.IsInCooldown("AAPL", now) {
		t.Error("cooldown should be active before expiry")
	}
	if st.IsInCooldown("AAPL", now.Add(2*time.Hour)) {
		t.Error("cooldown should have expired")
	}
	if st.IsInCooldown("MSFT", now) {
		t.Error("cooldown is per-symbol")
	}
}

func TestWatchlistAndOpportunities(t *testing.T) {
	st := state.New()
	opps := []types.Opportunity{
		{Symbol: "NVDA", Score: decimal.NewFromInt(95), Grade: "A"},
		{Symbol: "AMD", Score: decimal.NewFromInt(72), Grade: "B"},
	}
	st.UpdateWatchlist([]string{"NVDA", "AMD"}, opps)

	wl := st.Watchlist()
	if len(wl) != 2 || wl[0] != "NVDA" {
		t.Errorf("Watchlist = %v", wl)
	}

	// Mutating the returned copies must not touch stored state.
	wl[0] = "XXXX"
	if st.Watchlist()[0] != "NVDA" {
		t.Error("Watchlist should return a copy")
	}

	got := st.Opportunities()
	if len(got) != 2 || got[0].Symbol != "NVDA" {
		t.Errorf("Opportunities = %v", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	st := state.New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				st.UpsertPosition(types.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(int64(j))})
				st.UpdateMetrics(types.Metrics{TotalTrades: j})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				st.AllPositions()
				st.Metrics()
				st.Position("AAPL")
			}
		}()
	}
	wg.Wait()
}
