// Package types provides shared domain types for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// OrderStatus is the lifecycle status of a submitted order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusTimeout         OrderStatus = "timeout"
)

// LegRole identifies an order's role within a bracket.
type LegRole string

const (
	LegEntry      LegRole = "entry"
	LegStopLoss   LegRole = "stop_loss"
	LegTakeProfit LegRole = "take_profit"
)

// Bar is an immutable OHLCV candlestick produced by the feature engine.
type Bar struct {
	Symbol string
	TS     time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Features is the fixed-shape per-symbol indicator snapshot. Valid is false
// when the bar window is shorter than the longest indicator period; callers
// must treat an invalid snapshot as insufficient rather than guess values.
type Features struct {
	Symbol string
	TS     time.Time

	Price        decimal.Decimal
	EMAShort     decimal.Decimal
	EMALong      decimal.Decimal
	PrevEMAShort decimal.Decimal
	PrevEMALong  decimal.Decimal
	EMADiffPct   decimal.Decimal

	ATR        decimal.Decimal
	RSI        decimal.Decimal
	MACD       decimal.Decimal
	MACDSignal decimal.Decimal
	MACDHist   decimal.Decimal
	ADX        decimal.Decimal
	PlusDI     decimal.Decimal
	MinusDI    decimal.Decimal
	VWAP       decimal.Decimal
	OBV        decimal.Decimal

	Volume      decimal.Decimal
	VolumeAvg   decimal.Decimal
	VolumeRatio decimal.Decimal

	Regime           string
	ConfidenceScore  decimal.Decimal
	Valid            bool
}

// Signal is a transient directional entry proposal created by the strategy.
type Signal struct {
	Symbol      string
	Side        OrderSide
	EntryRef    decimal.Decimal
	InitialStop decimal.Decimal
	TakeProfit  decimal.Decimal
	Confidence  decimal.Decimal
	Reasons     []string
	GeneratedAt time.Time
}

// RMultiple returns the initial per-share risk, entry minus stop distance.
func (s Signal) RMultiple() decimal.Decimal {
	return s.EntryRef.Sub(s.InitialStop).Abs()
}

// Order is a broker-facing order tracked by the engine. Linkage identifies
// the bracket siblings (entry/stop/target) belonging to one logical trade.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Role          LegRole
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	Status        OrderStatus
	FilledQty     decimal.Decimal
	FilledAvgPx   decimal.Decimal
	SubmittedAt   time.Time
	UpdatedAt     time.Time
	FilledAt      *time.Time

	LinkageID    string // shared by all siblings of one logical trade
	ParentOrderID string
}

// IsTerminal reports whether the order will not transition further.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Position is one open symbol-level position, created on first fill and
// destroyed on flat.
type Position struct {
	Symbol           string
	Side             OrderSide
	Qty              decimal.Decimal
	OriginalQty      decimal.Decimal
	AvgEntryPrice    decimal.Decimal
	CurrentPrice     decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	UnrealizedPnLPct decimal.Decimal
	MarketValue      decimal.Decimal
	StopLoss         decimal.Decimal
	TakeProfit       decimal.Decimal
	EntryTime        time.Time

	InitialRisk    decimal.Decimal // |entry - initialStop| per share at open
	PartialTaken   int             // count of partial-profit rungs executed (0-3)
	StopRung       int             // count of stop-ladder rungs applied (0-5)
	TrailingActive bool
	LinkageID      string
}

// RMultiple returns current unrealized profit in units of initial risk.
func (p Position) RMultiple() decimal.Decimal {
	if p.InitialRisk.IsZero() {
		return decimal.Zero
	}
	move := p.CurrentPrice.Sub(p.AvgEntryPrice)
	if p.Side == SideSell {
		move = p.AvgEntryPrice.Sub(p.CurrentPrice)
	}
	return move.Div(p.InitialRisk)
}

// Trade is a closed (or partially closed) execution record for reporting
// and persistence.
type Trade struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           decimal.Decimal
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	EntryTime     time.Time
	ExitTime      time.Time
	PnL           decimal.Decimal
	PnLPct        decimal.Decimal
	RMultiple     decimal.Decimal
	Reason        string // "partial_2r", "partial_3r", "full_4r", "stop", "eod_flatten", "manual"
}

// Metrics are account-level aggregates, a single instance updated each tick.
type Metrics struct {
	Equity                  decimal.Decimal
	Cash                    decimal.Decimal
	BuyingPower             decimal.Decimal
	DayPnL                  decimal.Decimal
	TotalPnL                decimal.Decimal
	WinRate                 decimal.Decimal
	ProfitFactor            decimal.Decimal
	Wins                    int
	Losses                  int
	TotalTrades             int
	OpenPositions           int
	MaxPositions            int
	CircuitBreakerTriggered bool
	UpdatedAt               time.Time
}

// Regime is the single market-state instance, refreshed on its own cadence.
type Regime struct {
	Regime                 string
	BreadthScore           decimal.Decimal
	TrendStrength          decimal.Decimal
	VIX                    decimal.Decimal
	PositionSizeMultiplier decimal.Decimal
	SentimentScore         decimal.Decimal
	SentimentClass         string
	UpdatedAt              time.Time
}

// ParameterSnapshot is the set of recognized, currently-active tunable
// knobs (see config for defaults); history is persisted by K.
type ParameterSnapshot struct {
	ID        int64
	Active    bool
	Params    map[string]string
	CreatedAt time.Time
}

// Opportunity is one ranked entry in the scanner's watchlist output.
type Opportunity struct {
	Symbol string
	Score  decimal.Decimal
	Grade  string
	Reasons []string
}

// AccountSnapshot is the broker's account-level truth.
type AccountSnapshot struct {
	Equity                decimal.Decimal
	Cash                  decimal.Decimal
	BuyingPower           decimal.Decimal
	DaytradingBuyingPower decimal.Decimal
	IsPDT                 bool
}

// BrokerPosition is the broker's truth about one open position.
type BrokerPosition struct {
	Symbol        string
	Qty           decimal.Decimal
	Side          OrderSide
	AvgEntryPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
}

// BrokerOrder is the broker's truth about one order.
type BrokerOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Qty           decimal.Decimal
	Status        OrderStatus
	FilledQty     decimal.Decimal
	FilledAvgPx   decimal.Decimal
	FilledAt      *time.Time
	SubmittedAt   time.Time
}

// Clock is the broker's notion of market session boundaries.
type Clock struct {
	Now       time.Time
	NextOpen  time.Time
	NextClose time.Time
	IsOpen    bool
}

// Quote is a latest bid/ask snapshot.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	TS     time.Time
}

// LastTrade is a latest trade price snapshot.
type LastTrade struct {
	Symbol string
	Price  decimal.Decimal
	TS     time.Time
}
