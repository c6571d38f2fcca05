// Package persistence is the non-fatal, idempotent write path for trades,
// feature snapshots, ML predictions, and parameter history. Every row is
// identified by a natural key so retries upsert instead of duplicating.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/riverrun/daytrader-engine/internal/workers"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

// Gateway queues writes on a bounded worker pool so a slow or failing
// database never blocks the trading loops. A failed write is logged and
// not retried; a write the full pool queue drops is not made.
type Gateway struct {
	db   *sql.DB
	pool *workers.Pool
	log  *zap.Logger
}

// New constructs a Gateway over an already-open database handle.
func New(db *sql.DB, pool *workers.Pool, log *zap.Logger) *Gateway {
	return &Gateway{db: db, pool: pool, log: log}
}

// RecordTrade upserts a closed trade by its natural key (client_order_id),
// fire-and-forget.
func (g *Gateway) RecordTrade(t types.Trade) {
	g.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO trades (client_order_id, symbol, side, qty, entry_price, exit_price,
				entry_time, exit_time, pnl, pnl_pct, r_multiple, reason)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (client_order_id) DO UPDATE SET
				exit_price = EXCLUDED.exit_price,
				exit_time = EXCLUDED.exit_time,
				pnl = EXCLUDED.pnl,
				pnl_pct = EXCLUDED.pnl_pct,
				r_multiple = EXCLUDED.r_multiple,
				reason = EXCLUDED.reason
		`, t.ClientOrderID, t.Symbol, t.Side, t.Qty.String(), t.EntryPrice.String(), t.ExitPrice.String(),
			t.EntryTime, t.ExitTime, t.PnL.String(), t.PnLPct.String(), t.RMultiple.String(), t.Reason)
		if err != nil {
			g.log.Error("persist trade failed", zap.String("client_order_id", t.ClientOrderID), zap.Error(err))
		}
	})
}

// RecordFeatures upserts a feature snapshot by its natural key
// (symbol, ts).
func (g *Gateway) RecordFeatures(f types.Features) {
	g.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO features (symbol, ts, price, ema_short, ema_long, ema_diff_pct, atr, rsi,
				macd, macd_signal, macd_hist, adx, plus_di, minus_di, vwap, obv,
				volume, volume_avg, volume_ratio, regime, confidence_score)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			ON CONFLICT (symbol, ts) DO NOTHING
		`, f.Symbol, f.TS, f.Price.String(), f.EMAShort.String(), f.EMALong.String(),
			f.EMADiffPct.String(), f.ATR.String(), f.RSI.String(),
			f.MACD.String(), f.MACDSignal.String(), f.MACDHist.String(),
			f.ADX.String(), f.PlusDI.String(), f.MinusDI.String(), f.VWAP.String(), f.OBV.String(),
			f.Volume.String(), f.VolumeAvg.String(), f.VolumeRatio.String(),
			f.Regime, f.ConfidenceScore.String())
		if err != nil {
			g.log.Error("persist features failed", zap.String("symbol", f.Symbol), zap.Error(err))
		}
	})
}

// LoadFeatures reads back one persisted feature snapshot by its natural
// key. Only the columns the engine round-trips are populated.
func (g *Gateway) LoadFeatures(ctx context.Context, symbol string, ts time.Time) (types.Features, bool, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT symbol, ts, price, ema_short, ema_long, ema_diff_pct, atr, rsi,
			macd, macd_signal, macd_hist, adx, plus_di, minus_di, vwap, obv,
			volume, volume_avg, volume_ratio, regime, confidence_score
		FROM features WHERE symbol = $1 AND ts = $2
	`, symbol, ts)
	var f types.Features
	var price, emaShort, emaLong, emaDiff, atr, rsi string
	var macd, macdSignal, macdHist, adx, plusDI, minusDI, vwap, obv string
	var volume, volumeAvg, volumeRatio, confidence string
	err := row.Scan(&f.Symbol, &f.TS, &price, &emaShort, &emaLong, &emaDiff, &atr, &rsi,
		&macd, &macdSignal, &macdHist, &adx, &plusDI, &minusDI, &vwap, &obv,
		&volume, &volumeAvg, &volumeRatio, &f.Regime, &confidence)
	if err == sql.ErrNoRows {
		return types.Features{}, false, nil
	}
	if err != nil {
		return types.Features{}, false, fmt.Errorf("persistence: load features: %w", err)
	}
	for dst, src := range map[*decimal.Decimal]string{
		&f.Price: price, &f.EMAShort: emaShort, &f.EMALong: emaLong, &f.EMADiffPct: emaDiff,
		&f.ATR: atr, &f.RSI: rsi, &f.MACD: macd, &f.MACDSignal: macdSignal, &f.MACDHist: macdHist,
		&f.ADX: adx, &f.PlusDI: plusDI, &f.MinusDI: minusDI, &f.VWAP: vwap, &f.OBV: obv,
		&f.Volume: volume, &f.VolumeAvg: volumeAvg, &f.VolumeRatio: volumeRatio,
		&f.ConfidenceScore: confidence,
	} {
		d, err := decimal.NewFromString(src)
		if err != nil {
			return types.Features{}, false, fmt.Errorf("persistence: decode features: %w", err)
		}
		*dst = d
	}
	f.Valid = true
	return f, true, nil
}

// SavePositionSnapshot upserts the position's management flags by symbol,
// fire-and-forget, so a restart never re-fires a partial-profit rung.
func (g *Gateway) SavePositionSnapshot(p types.Position) {
	g.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		trailing := 0
		if p.TrailingActive {
			trailing = 1
		}
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO positions (symbol, side, qty, original_qty, avg_entry_price, stop_loss,
				take_profit, initial_risk, partial_profits_taken, trailing_active, linkage_id,
				entry_time, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (symbol) DO UPDATE SET
				qty = EXCLUDED.qty,
				stop_loss = EXCLUDED.stop_loss,
				take_profit = EXCLUDED.take_profit,
				partial_profits_taken = EXCLUDED.partial_profits_taken,
				trailing_active = EXCLUDED.trailing_active,
				updated_at = EXCLUDED.updated_at
		`, p.Symbol, p.Side, p.Qty.String(), p.OriginalQty.String(), p.AvgEntryPrice.String(),
			p.StopLoss.String(), p.TakeProfit.String(), p.InitialRisk.String(),
			p.PartialTaken, trailing, p.LinkageID, p.EntryTime, time.Now())
		if err != nil {
			g.log.Error("persist position snapshot failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	})
}

// DeletePositionSnapshot removes the snapshot once the position is flat,
// fire-and-forget.
func (g *Gateway) DeletePositionSnapshot(symbol string) {
	g.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := g.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol); err != nil {
			g.log.Error("delete position snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		}
	})
}

// LoadPositionSnapshots returns every persisted position snapshot, used
// to rehydrate partial-profit and trailing flags on startup.
func (g *Gateway) LoadPositionSnapshots(ctx context.Context) ([]types.Position, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT symbol, side, qty, original_qty, avg_entry_price, stop_loss, take_profit,
			initial_risk, partial_profits_taken, trailing_active, linkage_id, entry_time
		FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("persistence: load position snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var qty, originalQty, avgEntry, stopLoss, takeProfit, initialRisk string
		var trailing int
		if err := rows.Scan(&p.Symbol, &p.Side, &qty, &originalQty, &avgEntry, &stopLoss,
			&takeProfit, &initialRisk, &p.PartialTaken, &trailing, &p.LinkageID, &p.EntryTime); err != nil {
			return nil, fmt.Errorf("persistence: scan position snapshot: %w", err)
		}
		for dst, src := range map[*decimal.Decimal]string{
			&p.Qty: qty, &p.OriginalQty: originalQty, &p.AvgEntryPrice: avgEntry,
			&p.StopLoss: stopLoss, &p.TakeProfit: takeProfit, &p.InitialRisk: initialRisk,
		} {
			d, err := decimal.NewFromString(src)
			if err != nil {
				return nil, fmt.Errorf("persistence: decode position snapshot: %w", err)
			}
			*dst = d
		}
		p.TrailingActive = trailing != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordMLPrediction upserts a shadow-mode ML prediction by its natural
// key (symbol, signal_ts). The model has no trading authority; this
// table only journals predictions for offline comparison.
func (g *Gateway) RecordMLPrediction(symbol string, signalTS time.Time, predictedDirection string, predictedConfidence string) {
	g.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO ml_predictions (symbol, signal_ts, predicted_direction, predicted_confidence)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (symbol, signal_ts) DO NOTHING
		`, symbol, signalTS, predictedDirection, predictedConfidence)
		if err != nil {
			g.log.Error("persist ml prediction failed", zap.String("symbol", symbol), zap.Error(err))
		}
	})
}

// SaveParameterSnapshot marks a new parameter set active and deactivates
// the prior one, by the natural key trading_parameters.active.
func (g *Gateway) SaveParameterSnapshot(ctx context.Context, snap types.ParameterSnapshot) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE trading_parameters SET active = false WHERE active = true`); err != nil {
		return fmt.Errorf("persistence: deactivate prior snapshot: %w", err)
	}
	params, err := marshalParams(snap.Params)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trading_parameters (active, params, created_at) VALUES (true, $1, $2)
	`, params, snap.CreatedAt); err != nil {
		return fmt.Errorf("persistence: insert snapshot: %w", err)
	}
	return tx.Commit()
}

// LoadActiveParameters returns the currently active parameter snapshot,
// if one exists.
func (g *Gateway) LoadActiveParameters(ctx context.Context) (types.ParameterSnapshot, bool, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, params, created_at FROM trading_parameters WHERE active = true LIMIT 1
	`)
	var snap types.ParameterSnapshot
	var rawParams []byte
	if err := row.Scan(&snap.ID, &rawParams, &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return types.ParameterSnapshot{}, false, nil
		}
		return types.ParameterSnapshot{}, false, fmt.Errorf("persistence: load active parameters: %w", err)
	}
	params, err := unmarshalParams(rawParams)
	if err != nil {
		return types.ParameterSnapshot{}, false, err
	}
	snap.Active = true
	snap.Params = params
	return snap, true, nil
}
