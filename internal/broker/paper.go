package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/riverrun/daytrader-engine/internal/brokererr"
	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

// PaperAdapter is a minimal in-memory Adapter implementation. It fills
// every order immediately at the requested (or last-quoted) price; it
// exists to exercise the execution and position packages in tests, not
// to serve as a standalone paper-trading product.
type PaperAdapter struct {
	mu sync.Mutex

	equity      decimal.Decimal
	cash        decimal.Decimal
	buyingPower decimal.Decimal

	orders    map[string]types.BrokerOrder
	positions map[string]types.BrokerPosition
	bars      map[string][]types.Bar
	lastPrice map[string]decimal.Decimal

	marketOpen bool
}

// NewPaperAdapter constructs a PaperAdapter with the given starting equity.
func NewPaperAdapter(startingEquity decimal.Decimal) *PaperAdapter {
	return &PaperAdapter{
		equity:      startingEquity,
		cash:        startingEquity,
		buyingPower: startingEquity.Mul(decimal.NewFromInt(2)),
		orders:      make(map[string]types.BrokerOrder),
		positions:   make(map[string]types.BrokerPosition),
		bars:        make(map[string][]types.Bar),
		lastPrice:   make(map[string]decimal.Decimal),
		marketOpen:  true,
	}
}

// SeedBars installs historical bars for symbol, used by GetBars and to
// derive a last price for fills.
func (p *PaperAdapter) SeedBars(symbol string, bars []types.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol] = bars
	if len(bars) > 0 {
		p.lastPrice[symbol] = bars[len(bars)-1].Close
	}
}

// SetMarketOpen toggles the simulated market session.
func (p *PaperAdapter) SetMarketOpen(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketOpen = open
}

func (p *PaperAdapter) GetAccount(ctx context.Context) (types.AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.AccountSnapshot{
		Equity:                p.equity,
		Cash:                  p.cash,
		BuyingPower:           p.buyingPower,
		DaytradingBuyingPower: p.buyingPower,
	}, nil
}

func (p *PaperAdapter) ListPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (p *PaperAdapter) ListOrders(ctx context.Context) ([]types.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.BrokerOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o)
	}
	return out, nil
}

func (p *PaperAdapter) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (types.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fillPx := req.LimitPrice
	if fillPx.IsZero() {
		fillPx = p.lastPrice[req.Symbol]
	}
	now := clock.Now()
	order := types.BrokerOrder{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Status:        types.OrderStatusFilled,
		FilledQty:     req.Qty,
		FilledAvgPx:   fillPx,
		FilledAt:      &now,
		SubmittedAt:   now,
	}
	p.orders[order.OrderID] = order

	pos := p.positions[req.Symbol]
	pos.Symbol = req.Symbol
	pos.Side = req.Side
	pos.AvgEntryPrice = fillPx
	pos.CurrentPrice = fillPx
	if req.Side == types.SideBuy {
		pos.Qty = pos.Qty.Add(req.Qty)
	} else {
		pos.Qty = pos.Qty.Sub(req.Qty)
	}
	if pos.Qty.IsZero() {
		delete(p.positions, req.Symbol)
	} else {
		p.positions[req.Symbol] = pos
	}

	if req.Bracket != nil {
		p.submitBracketLeg(req, types.LegStopLoss, req.Bracket.StopLossPrice)
		p.submitBracketLeg(req, types.LegTakeProfit, req.Bracket.TakeProfitPrice)
	}

	return order, nil
}

func (p *PaperAdapter) submitBracketLeg(req SubmitOrderRequest, role types.LegRole, price decimal.Decimal) {
	now := clock.Now()
	leg := types.BrokerOrder{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID + "_" + string(role),
		Symbol:        req.Symbol,
		Side:          req.Side.Opposite(),
		Type:          types.OrderTypeStop,
		Qty:           req.Qty,
		Status:        types.OrderStatusSubmitted,
		SubmittedAt:   now,
	}
	p.orders[leg.OrderID] = leg
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return brokererr.New(brokererr.KindNotFound, "cancel_order", fmt.Sprintf("order %s not found", orderID))
	}
	if o.Status == types.OrderStatusFilled {
		return brokererr.NewWithCode(brokererr.KindRaceCondition, "cancel_order",
			fmt.Sprintf("order %s is already in filled state", orderID), "42210000")
	}
	o.Status = types.OrderStatusCancelled
	p.orders[orderID] = o
	return nil
}

func (p *PaperAdapter) ReplaceOrder(ctx context.Context, orderID string, req ReplaceOrderRequest) (types.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return types.BrokerOrder{}, fmt.Errorf("paper broker: order %s not found", orderID)
	}
	if !req.Qty.IsZero() {
		o.Qty = req.Qty
	}
	p.orders[orderID] = o
	return o, nil
}

func (p *PaperAdapter) ClosePosition(ctx context.Context, symbol string) error {
	p.mu.Lock()
	pos, ok := p.positions[symbol]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	side := types.SideSell
	if pos.Qty.IsNegative() {
		side = types.SideBuy
	}
	_, err := p.SubmitOrder(ctx, SubmitOrderRequest{
		ClientOrderID: "flatten_" + symbol,
		Symbol:        symbol,
		Side:          side,
		Type:          types.OrderTypeMarket,
		Qty:           pos.Qty.Abs(),
	})
	return err
}

func (p *PaperAdapter) GetBars(ctx context.Context, symbol string, timeframe string, limit int) ([]types.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bars := p.bars[symbol]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (p *PaperAdapter) GetLatestTrade(ctx context.Context, symbol string) (types.LastTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.LastTrade{Symbol: symbol, Price: p.lastPrice[symbol], TS: clock.Now()}, nil
}

func (p *PaperAdapter) GetLatestQuote(ctx context.Context, symbol string) (types.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px := p.lastPrice[symbol]
	spread := px.Mul(decimal.NewFromFloat(0.0005))
	return types.Quote{Symbol: symbol, Bid: px.Sub(spread), Ask: px.Add(spread), TS: clock.Now()}, nil
}

func (p *PaperAdapter) IsMarketOpen(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.marketOpen, nil
}

func (p *PaperAdapter) GetClock(ctx context.Context) (types.Clock, error) {
	p.mu.Lock()
	open := p.marketOpen
	p.mu.Unlock()
	now := clock.Now()
	return types.Clock{
		Now:       now,
		NextOpen:  now.Add(time.Hour),
		NextClose: now.Add(6 * time.Hour),
		IsOpen:    open,
	}, nil
}
