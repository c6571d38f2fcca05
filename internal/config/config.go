// Package config defines the engine's single recognized configuration
// surface, loaded with viper from defaults, an optional file, and
// DAYTRADER_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/riverrun/daytrader-engine/internal/clock"
)

// ConfidenceWeights are the named weights feeding the signal confidence
// score's weighted base (DESIGN.md Open Question: exposed as config
// rather than hardcoded). Multi-timeframe alignment is a separate fixed
// bonus applied after this base; see internal/strategy.
type ConfidenceWeights struct {
	TrendStrength float64 `mapstructure:"trend_strength"`
	Momentum      float64 `mapstructure:"momentum"`
	VolumeProfile float64 `mapstructure:"volume_profile"`
	RegimeAlign   float64 `mapstructure:"regime_align"`
}

// Config is the full set of recognized configuration fields.
type Config struct {
	WatchlistSymbols    []string `mapstructure:"watchlist_symbols"`
	UseDynamicWatchlist bool     `mapstructure:"use_dynamic_watchlist"`

	MaxPositions   int     `mapstructure:"max_positions"`
	MaxPositionPct float64 `mapstructure:"max_position_pct"`
	BaseRiskPct    float64 `mapstructure:"base_risk_pct"`
	MinStopPct     float64 `mapstructure:"min_stop_pct"`
	StopATRMult    float64 `mapstructure:"stop_atr_mult"`
	TPATRMult      float64 `mapstructure:"tp_atr_mult"`

	EMAShort int     `mapstructure:"ema_short"`
	EMALong  int     `mapstructure:"ema_long"`
	ADXMin   float64 `mapstructure:"adx_min"`

	// VIXSymbol is a tradable volatility-proxy ETF quoted through the same
	// broker feed (e.g. "VIXY"); the raw CBOE VIX index is not quotable
	// through the broker.
	VIXSymbol string `mapstructure:"vix_symbol"`

	BracketOrdersEnabled bool `mapstructure:"bracket_orders_enabled"`
	LongOnlyMode         bool `mapstructure:"long_only_mode"`

	EntryCutoffTime string `mapstructure:"entry_cutoff_time"`
	EODExitTime     string `mapstructure:"eod_exit_time"`
	ForceEODExit    bool   `mapstructure:"force_eod_exit"`

	TrailingEnabled          bool    `mapstructure:"trailing_enabled"`
	TrailingActivationR      float64 `mapstructure:"trailing_activation_r"`
	TrailingDistanceR        float64 `mapstructure:"trailing_distance_r"`
	MaxTrailingPositions     int     `mapstructure:"max_trailing_positions"`
	PartialProfitEnabled     bool    `mapstructure:"partial_profit_enabled"`
	PartialProfitShadowMode  bool    `mapstructure:"partial_profit_shadow_mode"`

	SymbolCooldownHours int     `mapstructure:"symbol_cooldown_hours"`
	DailyLossCapPct     float64 `mapstructure:"daily_loss_cap_pct"`

	SmartExecutorFillTimeoutSec int     `mapstructure:"smart_executor_fill_timeout_sec"`
	SmartExecutorMaxSlippagePct float64 `mapstructure:"smart_executor_max_slippage_pct"`
	LimitBufferRegular          float64 `mapstructure:"limit_buffer_regular"`
	LimitBufferExtended         float64 `mapstructure:"limit_buffer_extended"`

	ConfidenceWeights ConfidenceWeights `mapstructure:"confidence_weights"`

	BrokerAPIKey    string `mapstructure:"broker_api_key"`
	BrokerAPISecret string `mapstructure:"broker_api_secret"`
	BrokerBaseURL   string `mapstructure:"broker_base_url"`
	DatabaseDSN     string `mapstructure:"database_dsn"`

	HTTPHost string `mapstructure:"http_host"`
	HTTPPort int    `mapstructure:"http_port"`
	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from an optional file at path, then environment
// variables prefixed DAYTRADER_, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("daytrader")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watchlist_symbols", []string{"SPY", "QQQ", "AAPL", "MSFT", "NVDA"})
	v.SetDefault("use_dynamic_watchlist", true)

	v.SetDefault("max_positions", 8)
	v.SetDefault("max_position_pct", 0.10)
	v.SetDefault("base_risk_pct", 0.005)
	v.SetDefault("min_stop_pct", 0.015)
	v.SetDefault("stop_atr_mult", 2.5)
	v.SetDefault("tp_atr_mult", 5.0)

	v.SetDefault("ema_short", 9)
	v.SetDefault("ema_long", 21)
	v.SetDefault("adx_min", 20.0)
	v.SetDefault("vix_symbol", "VIXY")

	v.SetDefault("bracket_orders_enabled", true)
	v.SetDefault("long_only_mode", true)

	v.SetDefault("entry_cutoff_time", "15:30")
	v.SetDefault("eod_exit_time", "15:55")
	v.SetDefault("force_eod_exit", true)

	v.SetDefault("trailing_enabled", true)
	v.SetDefault("trailing_activation_r", 2.0)
	v.SetDefault("trailing_distance_r", 0.5)
	v.SetDefault("max_trailing_positions", 8)
	v.SetDefault("partial_profit_enabled", true)
	v.SetDefault("partial_profit_shadow_mode", false)

	v.SetDefault("symbol_cooldown_hours", 2)
	v.SetDefault("daily_loss_cap_pct", 0.03)

	v.SetDefault("smart_executor_fill_timeout_sec", 60)
	v.SetDefault("smart_executor_max_slippage_pct", 0.005)
	v.SetDefault("limit_buffer_regular", 0.001)
	v.SetDefault("limit_buffer_extended", 0.003)

	v.SetDefault("confidence_weights.trend_strength", 0.35)
	v.SetDefault("confidence_weights.momentum", 0.20)
	v.SetDefault("confidence_weights.volume_profile", 0.15)
	v.SetDefault("confidence_weights.regime_align", 0.30)

	v.SetDefault("http_host", "0.0.0.0")
	v.SetDefault("http_port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("database_dsn", "file:daytrader.db?cache=shared&_journal=WAL")
}

// Validate surfaces fatal configuration errors: missing
// broker credentials or a database DSN must stop startup, not degrade.
// requireBroker is false when running against the in-memory PaperAdapter,
// which needs no live credentials.
func (c *Config) Validate(requireBroker bool) error {
	var missing []string
	if requireBroker {
		if c.BrokerAPIKey == "" {
			missing = append(missing, "broker_api_key")
		}
		if c.BrokerAPISecret == "" {
			missing = append(missing, "broker_api_secret")
		}
		if c.BrokerBaseURL == "" {
			missing = append(missing, "broker_base_url")
		}
	}
	if c.DatabaseDSN == "" {
		missing = append(missing, "database_dsn")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required fields: %s", strings.Join(missing, ", "))
	}
	if _, err := clock.ParseTimeOfDay(c.EntryCutoffTime); err != nil {
		return fmt.Errorf("config: entry_cutoff_time: %w", err)
	}
	if _, err := clock.ParseTimeOfDay(c.EODExitTime); err != nil {
		return fmt.Errorf("config: eod_exit_time: %w", err)
	}
	if c.EMAShort <= 0 || c.EMALong <= 0 || c.EMAShort >= c.EMALong {
		return fmt.Errorf("config: ema_short (%d) must be positive and less than ema_long (%d)", c.EMAShort, c.EMALong)
	}
	if c.MinStopPct < 0.015 {
		return fmt.Errorf("config: min_stop_pct (%v) must be >= 0.015", c.MinStopPct)
	}
	if c.StopATRMult < 2.5 {
		return fmt.Errorf("config: stop_atr_mult (%v) must be >= 2.5", c.StopATRMult)
	}
	if c.TPATRMult < 5.0 {
		return fmt.Errorf("config: tp_atr_mult (%v) must be >= 5.0", c.TPATRMult)
	}
	return nil
}
