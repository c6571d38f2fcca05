// Package broker defines the engine's broker contract and a minimal
// in-memory adapter used to exercise the rest of the engine without a
// live broker connection.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/riverrun/daytrader-engine/pkg/types"
)

// Adapter is the minimum surface the engine needs from a live broker.
// Every call carries a context deadline.
type Adapter interface {
	GetAccount(ctx context.Context) (types.AccountSnapshot, error)
	ListPositions(ctx context.Context) ([]types.BrokerPosition, error)
	ListOrders(ctx context.Context) ([]types.BrokerOrder, error)

	SubmitOrder(ctx context.Context, req SubmitOrderRequest) (types.BrokerOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	ReplaceOrder(ctx context.Context, orderID string, req ReplaceOrderRequest) (types.BrokerOrder, error)
	ClosePosition(ctx context.Context, symbol string) error

	GetBars(ctx context.Context, symbol string, timeframe string, limit int) ([]types.Bar, error)
	GetLatestTrade(ctx context.Context, symbol string) (types.LastTrade, error)
	GetLatestQuote(ctx context.Context, symbol string) (types.Quote, error)

	IsMarketOpen(ctx context.Context) (bool, error)
	GetClock(ctx context.Context) (types.Clock, error)
}

// SubmitOrderRequest describes a single order, or an entry leg with
// attached bracket legs when Bracket is non-nil.
type SubmitOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.OrderSide
	Type          types.OrderType
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   string
	Bracket       *BracketLegs
}

// BracketLegs carries the stop-loss and take-profit prices submitted
// alongside an entry order in one broker-side atomic bracket.
type BracketLegs struct {
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
}

// ReplaceOrderRequest describes a cancel-then-replace or native replace.
type ReplaceOrderRequest struct {
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
}

// Clock is a convenience re-export so callers needn't import pkg/types
// solely for this type. Kept as an alias, not a duplicate definition.
type Clock = types.Clock
