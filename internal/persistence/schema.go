package persistence

import (
	"context"
	"fmt"
)

// migrations create the four natural-key tables plus the
// position-snapshot table used to rehydrate partial-profit and trailing
// flags across restarts. Statements are idempotent; Migrate runs on every
// startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_order_id TEXT NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price TEXT,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP,
		pnl TEXT,
		pnl_pct TEXT,
		r_multiple TEXT,
		reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		symbol TEXT PRIMARY KEY,
		side TEXT NOT NULL,
		qty TEXT NOT NULL,
		original_qty TEXT NOT NULL,
		avg_entry_price TEXT NOT NULL,
		stop_loss TEXT,
		take_profit TEXT,
		initial_risk TEXT,
		partial_profits_taken INTEGER NOT NULL DEFAULT 0,
		trailing_active INTEGER NOT NULL DEFAULT 0,
		linkage_id TEXT,
		entry_time TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS features (
		symbol TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		price TEXT,
		ema_short TEXT,
		ema_long TEXT,
		ema_diff_pct TEXT,
		atr TEXT,
		rsi TEXT,
		macd TEXT,
		macd_signal TEXT,
		macd_hist TEXT,
		adx TEXT,
		plus_di TEXT,
		minus_di TEXT,
		vwap TEXT,
		obv TEXT,
		volume TEXT,
		volume_avg TEXT,
		volume_ratio TEXT,
		regime TEXT,
		confidence_score TEXT,
		PRIMARY KEY (symbol, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS ml_predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		signal_ts TIMESTAMP NOT NULL,
		predicted_direction TEXT,
		predicted_confidence TEXT,
		outcome TEXT,
		was_correct INTEGER,
		UNIQUE (symbol, signal_ts)
	)`,
	`CREATE TABLE IF NOT EXISTS trading_parameters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		active INTEGER NOT NULL DEFAULT 0,
		params TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}

// Migrate applies the idempotent schema statements.
func (g *Gateway) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migration %d: %w", i, err)
		}
	}
	return nil
}
