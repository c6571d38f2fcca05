// Package execution drives an approved signal through order submission,
// fill detection, and bracket attachment.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/broker"
	"github.com/riverrun/daytrader-engine/internal/brokererr"
	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/internal/idgen"
	"github.com/riverrun/daytrader-engine/internal/state"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

// Config tunes submission timeouts and fill-wait polling.
type Config struct {
	SubmitTimeout   time.Duration
	FillPollInitial time.Duration
	FillPollMax     time.Duration
	FillWaitCap     time.Duration
	BracketsEnabled bool
	// MaxSlippagePct is the hard ceiling on how far above the reference
	// price a marketable-limit entry may be priced; beyond it the order is
	// not submitted rather than re-priced.
	MaxSlippagePct      decimal.Decimal
	LimitBufferRegular  decimal.Decimal
	LimitBufferExtended decimal.Decimal
}

// DefaultConfig carries the production timeouts and buffers.
func DefaultConfig() Config {
	return Config{
		SubmitTimeout:       8 * time.Second,
		FillPollInitial:     500 * time.Millisecond,
		FillPollMax:         2 * time.Second,
		FillWaitCap:         60 * time.Second,
		BracketsEnabled:     true,
		MaxSlippagePct:      decimal.NewFromFloat(0.005),
		LimitBufferRegular:  decimal.NewFromFloat(0.001),
		LimitBufferExtended: decimal.NewFromFloat(0.003),
	}
}

// Executor submits entries (optionally as a bracket) and reports the
// resulting Order, retrying transient failures and reinterpreting
// cancel-races as fills rather than errors.
type Executor struct {
	cfg     Config
	adapter broker.Adapter
	state   *state.TradingState
	log     *zap.Logger
}

// New constructs an Executor.
func New(cfg Config, adapter broker.Adapter, st *state.TradingState, log *zap.Logger) *Executor {
	return &Executor{cfg: cfg, adapter: adapter, state: st, log: log}
}

// entryLimitPrice computes the marketable-limit price for an entry: the
// quoted ask (bid for shorts) padded by the session-appropriate buffer,
// rejected outright when the resulting price slips past MaxSlippagePct of
// the signal's reference price.
func (e *Executor) entryLimitPrice(ctx context.Context, sig types.Signal, regularSession bool) (decimal.Decimal, error) {
	quote, err := e.adapter.GetLatestQuote(ctx, sig.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	buffer := e.cfg.LimitBufferRegular
	if !regularSession {
		buffer = e.cfg.LimitBufferExtended
	}

	var limit decimal.Decimal
	if sig.Side == types.SideBuy {
		limit = quote.Ask.Mul(decimal.NewFromInt(1).Add(buffer))
	} else {
		limit = quote.Bid.Mul(decimal.NewFromInt(1).Sub(buffer))
	}
	limit = limit.Round(2)

	if !sig.EntryRef.IsZero() && !e.cfg.MaxSlippagePct.IsZero() {
		slip := limit.Sub(sig.EntryRef).Div(sig.EntryRef)
		if sig.Side == types.SideSell {
			slip = slip.Neg()
		}
		if slip.GreaterThan(e.cfg.MaxSlippagePct) {
			return decimal.Zero, fmt.Errorf("execution: %s entry limit %s slips %s past reference %s, refusing",
				sig.Symbol, limit, slip.StringFixed(4), sig.EntryRef)
		}
	}
	return limit, nil
}

// SubmitEntry submits sig as a marketable-limit entry with qty shares,
// attaching a broker-native bracket (stop-loss + take-profit) when
// enabled, and waits for the entry leg to fill. With brackets disabled it
// falls back to sequential leg placement after the fill, failing closed
// (flattening) if protection cannot be attached.
func (e *Executor) SubmitEntry(ctx context.Context, sig types.Signal, qty decimal.Decimal) (types.Order, error) {
	bucket := idgen.MinuteBucket(clock.Now())
	clientOrderID := idgen.ClientOrderID(sig.Symbol, "entry_"+string(sig.Side), bucket)
	linkageID := clientOrderID

	limit, err := e.entryLimitPrice(ctx, sig, true)
	if err != nil {
		return types.Order{}, err
	}

	req := broker.SubmitOrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Type:          types.OrderTypeLimit,
		LimitPrice:    limit,
		Qty:           qty,
		TimeInForce:   "day",
	}
	if e.cfg.BracketsEnabled {
		req.Bracket = &broker.BracketLegs{
			StopLossPrice:   sig.InitialStop.Round(2),
			TakeProfitPrice: sig.TakeProfit.Round(2),
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	bo, err := e.submitWithRetry(submitCtx, req)
	if err != nil {
		return types.Order{}, err
	}

	order := fromBrokerOrder(bo, types.LegEntry, linkageID, "")
	e.state.UpsertOrder(order)

	filled, err := e.waitForFill(ctx, bo.OrderID, order, qty)
	if err != nil {
		return order, err
	}
	e.state.UpsertOrder(filled)

	if (filled.Status == types.OrderStatusFilled || filled.Status == types.OrderStatusPartiallyFilled) && !e.cfg.BracketsEnabled {
		// Bracket legs size to the actual filled quantity, not the request.
		legQty := filled.FilledQty
		if legQty.IsZero() {
			legQty = qty
		}
		if err := e.AttachProtection(ctx, sig, legQty, linkageID, filled.OrderID); err != nil {
			e.log.Error("failed to attach protection, flattening entry",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			if closeErr := e.adapter.ClosePosition(ctx, sig.Symbol); closeErr != nil {
				e.log.Error("fail-closed flatten also failed; protection audit will retry",
					zap.String("symbol", sig.Symbol), zap.Error(closeErr))
			}
			return filled, err
		}
	}
	return filled, nil
}

// AttachProtection places the stop-loss and take-profit legs sequentially
// for brokers without atomic bracket support. The stop leg goes first; a
// position is never left with only a take-profit working.
func (e *Executor) AttachProtection(ctx context.Context, sig types.Signal, qty decimal.Decimal, linkageID, parentOrderID string) error {
	bucket := idgen.MinuteBucket(clock.Now())
	exitSide := sig.Side.Opposite()

	stopReq := broker.SubmitOrderRequest{
		ClientOrderID: idgen.ClientOrderID(sig.Symbol, "stop_loss", bucket),
		Symbol:        sig.Symbol,
		Side:          exitSide,
		Type:          types.OrderTypeStop,
		StopPrice:     sig.InitialStop.Round(2),
		Qty:           qty,
		TimeInForce:   "day",
	}
	stopBO, err := e.submitWithRetry(ctx, stopReq)
	if err != nil {
		return fmt.Errorf("execution: stop leg: %w", err)
	}
	e.state.UpsertOrder(fromBrokerOrder(stopBO, types.LegStopLoss, linkageID, parentOrderID))

	tpReq := broker.SubmitOrderRequest{
		ClientOrderID: idgen.ClientOrderID(sig.Symbol, "take_profit", bucket),
		Symbol:        sig.Symbol,
		Side:          exitSide,
		Type:          types.OrderTypeLimit,
		LimitPrice:    sig.TakeProfit.Round(2),
		Qty:           qty,
		TimeInForce:   "day",
	}
	tpBO, err := e.submitWithRetry(ctx, tpReq)
	if err != nil {
		// The stop is working, the position is protected; the missing
		// take-profit is not worth flattening over.
		e.log.Warn("take-profit leg failed after stop placement",
			zap.String("symbol", sig.Symbol), zap.Error(err))
		return nil
	}
	e.state.UpsertOrder(fromBrokerOrder(tpBO, types.LegTakeProfit, linkageID, parentOrderID))
	return nil
}

// submitWithRetry retries transient (network/rate-limited) failures with
// capped exponential backoff; non-transient failures return immediately.
func (e *Executor) submitWithRetry(ctx context.Context, req broker.SubmitOrderRequest) (types.BrokerOrder, error) {
	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		bo, err := e.adapter.SubmitOrder(ctx, req)
		if err == nil {
			return bo, nil
		}
		lastErr = err
		if !brokererr.IsRetryable(err) {
			return types.BrokerOrder{}, err
		}
		e.log.Warn("retrying order submission", zap.String("client_order_id", req.ClientOrderID), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return types.BrokerOrder{}, ctx.Err()
		}
		backoff *= 2
	}
	return types.BrokerOrder{}, lastErr
}

// fillMethods counts how many independent detection methods agree the
// order filled: terminal status, filled quantity covering the request,
// and a broker-reported fill timestamp.
func fillMethods(bo types.BrokerOrder, wantQty decimal.Decimal) int {
	n := 0
	switch bo.Status {
	case types.OrderStatusFilled:
		n++
	}
	if !wantQty.IsZero() && bo.FilledQty.GreaterThanOrEqual(wantQty) {
		n++
	}
	if bo.FilledAt != nil {
		n++
	}
	return n
}

// positionReflectsFill is the ultimate validator: the broker's own
// position list shows the symbol holding at least the ordered quantity.
func (e *Executor) positionReflectsFill(ctx context.Context, symbol string, wantQty decimal.Decimal) bool {
	positions, err := e.adapter.ListPositions(ctx)
	if err != nil {
		return false
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Qty.Abs().GreaterThanOrEqual(wantQty) {
			return true
		}
	}
	return false
}

// waitForFill polls the broker for the order's terminal status with
// adaptive backoff (0.5s initial, 2s max, 60s hard cap). A fill is
// confirmed when at least two detection methods agree, or when the
// ultimate validator sees the broker-side position change.
func (e *Executor) waitForFill(ctx context.Context, orderID string, seed types.Order, wantQty decimal.Decimal) (types.Order, error) {
	deadline := time.Now().Add(e.cfg.FillWaitCap)
	interval := e.cfg.FillPollInitial

	for time.Now().Before(deadline) {
		orders, err := e.adapter.ListOrders(ctx)
		if err != nil {
			e.log.Warn("list orders failed while waiting for fill", zap.Error(err))
		} else {
			for _, bo := range orders {
				if bo.OrderID != orderID {
					continue
				}
				if fillMethods(bo, wantQty) >= 2 {
					return fromBrokerOrder(bo, seed.Role, seed.LinkageID, seed.ParentOrderID), nil
				}
				if bo.Status == types.OrderStatusFilled && e.positionReflectsFill(ctx, bo.Symbol, wantQty) {
					return fromBrokerOrder(bo, seed.Role, seed.LinkageID, seed.ParentOrderID), nil
				}
				if bo.Status == types.OrderStatusPartiallyFilled {
					seed = fromBrokerOrder(bo, seed.Role, seed.LinkageID, seed.ParentOrderID)
				}
				if bo.Status == types.OrderStatusRejected || bo.Status == types.OrderStatusCancelled || bo.Status == types.OrderStatusExpired {
					return fromBrokerOrder(bo, seed.Role, seed.LinkageID, seed.ParentOrderID), nil
				}
			}
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return seed, ctx.Err()
		}
		interval *= 2
		if interval > e.cfg.FillPollMax {
			interval = e.cfg.FillPollMax
		}
	}

	// A partial fill that timed out keeps its broker state; the remainder
	// is cancelled so bracket legs size to what actually filled.
	if seed.Status == types.OrderStatusPartiallyFilled {
		if err := e.CancelOrReplace(ctx, orderID); err != nil {
			e.log.Warn("failed cancelling partial-fill remainder", zap.String("order_id", orderID), zap.Error(err))
		}
		return seed, nil
	}
	seed.Status = types.OrderStatusTimeout
	return seed, nil
}

// CancelOrReplace cancels orderID, treating a cancel-race (the order
// filled before the cancel landed) as success rather than failure so
// callers never double-submit a replacement against an already-filled
// order.
func (e *Executor) CancelOrReplace(ctx context.Context, orderID string) error {
	cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	err := e.adapter.CancelOrder(cancelCtx, orderID)
	if err == nil {
		return nil
	}
	if brokererr.IsCancelRace(err) {
		e.log.Info("cancel raced with fill, treating as filled", zap.String("order_id", orderID))
		return nil
	}
	return err
}

func fromBrokerOrder(bo types.BrokerOrder, role types.LegRole, linkageID, parentOrderID string) types.Order {
	return types.Order{
		OrderID:       bo.OrderID,
		ClientOrderID: bo.ClientOrderID,
		Symbol:        bo.Symbol,
		Side:          bo.Side,
		Type:          bo.Type,
		Role:          role,
		Qty:           bo.Qty,
		Status:        bo.Status,
		FilledQty:     bo.FilledQty,
		FilledAvgPx:   bo.FilledAvgPx,
		SubmittedAt:   bo.SubmittedAt,
		UpdatedAt:     clock.Now(),
		FilledAt:      bo.FilledAt,
		LinkageID:     linkageID,
		ParentOrderID: parentOrderID,
	}
}
