// Package main wires the trading engine's component graph and runs it
// until a shutdown signal arrives.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	_ "github.com/mattn/go-sqlite3"

	"github.com/riverrun/daytrader-engine/internal/api"
	"github.com/riverrun/daytrader-engine/internal/broker"
	"github.com/riverrun/daytrader-engine/internal/clock"
	"github.com/riverrun/daytrader-engine/internal/config"
	"github.com/riverrun/daytrader-engine/internal/engine"
	"github.com/riverrun/daytrader-engine/internal/events"
	"github.com/riverrun/daytrader-engine/internal/execution"
	"github.com/riverrun/daytrader-engine/internal/features"
	"github.com/riverrun/daytrader-engine/internal/persistence"
	"github.com/riverrun/daytrader-engine/internal/position"
	"github.com/riverrun/daytrader-engine/internal/regime"
	"github.com/riverrun/daytrader-engine/internal/risk"
	"github.com/riverrun/daytrader-engine/internal/scanner"
	"github.com/riverrun/daytrader-engine/internal/state"
	"github.com/riverrun/daytrader-engine/internal/strategy"
	"github.com/riverrun/daytrader-engine/internal/workers"
	"github.com/riverrun/daytrader-engine/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars and defaults otherwise)")
	logLevel := flag.String("log-level", "", "overrides config log_level (debug, info, warn, error)")
	paper := flag.Bool("paper", true, "run against the in-memory PaperAdapter instead of a live broker")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(!*paper); err != nil {
		logger.Fatal("refusing to start: invalid configuration", zap.Error(err))
	}

	logger.Info("starting daytrader engine",
		zap.Strings("watchlist", cfg.WatchlistSymbols),
		zap.Bool("paper", *paper),
		zap.Int("max_positions", cfg.MaxPositions))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := state.New()
	bus := events.NewBus(events.DefaultBusConfig(), logger.Named("events"))
	pool := workers.New(8, 4096, logger.Named("workers"))

	var adapter broker.Adapter
	if *paper {
		pa := broker.NewPaperAdapter(decimal.NewFromInt(100_000))
		adapter = pa
	} else {
		logger.Fatal("no live broker adapter wired in this build; run with -paper or supply one")
	}

	db, err := sql.Open("sqlite3", cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("failed to open database handle", zap.Error(err))
	}
	defer db.Close()
	persist := persistence.New(db, pool, logger.Named("persistence"))
	if err := persist.Migrate(ctx); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	entryCutoff, err := clock.ParseTimeOfDay(cfg.EntryCutoffTime)
	if err != nil {
		logger.Fatal("invalid entry_cutoff_time", zap.Error(err))
	}
	eodExit, err := clock.ParseTimeOfDay(cfg.EODExitTime)
	if err != nil {
		logger.Fatal("invalid eod_exit_time", zap.Error(err))
	}

	featEngine := features.NewEngine(cfg.EMAShort, cfg.EMALong)
	regimeSensor := regime.NewSensor(decimal.NewFromFloat(0.3))

	stratCfg := strategy.DefaultConfig()
	stratCfg.ADXMin = decimal.NewFromFloat(cfg.ADXMin)
	stratCfg.StopATRMult = decimal.NewFromFloat(cfg.StopATRMult)
	stratCfg.TPATRMult = decimal.NewFromFloat(cfg.TPATRMult)
	stratCfg.MinStopPct = decimal.NewFromFloat(cfg.MinStopPct)
	stratCfg.LongOnly = cfg.LongOnlyMode
	stratCfg.ConfidenceWeights = strategy.ConfidenceWeights{
		TrendStrength: decimal.NewFromFloat(cfg.ConfidenceWeights.TrendStrength),
		Momentum:      decimal.NewFromFloat(cfg.ConfidenceWeights.Momentum),
		VolumeProfile: decimal.NewFromFloat(cfg.ConfidenceWeights.VolumeProfile),
		RegimeAlign:   decimal.NewFromFloat(cfg.ConfidenceWeights.RegimeAlign),
	}
	strat := strategy.New(stratCfg)

	gateCfg := risk.DefaultConfig()
	gateCfg.MaxPositions = cfg.MaxPositions
	gateCfg.MaxPositionPct = decimal.NewFromFloat(cfg.MaxPositionPct)
	gateCfg.BaseRiskPct = decimal.NewFromFloat(cfg.BaseRiskPct)
	gateCfg.MinStopPct = decimal.NewFromFloat(cfg.MinStopPct)
	gateCfg.DailyLossCapPct = decimal.NewFromFloat(cfg.DailyLossCapPct)
	gateCfg.SymbolCooldown = time.Duration(cfg.SymbolCooldownHours) * time.Hour
	gateCfg.EntryCutoff = entryCutoff
	gateCfg.LongOnlyMode = cfg.LongOnlyMode
	gate := risk.New(gateCfg, st, logger.Named("risk"))

	execCfg := execution.DefaultConfig()
	execCfg.BracketsEnabled = cfg.BracketOrdersEnabled
	execCfg.MaxSlippagePct = decimal.NewFromFloat(cfg.SmartExecutorMaxSlippagePct)
	execCfg.FillWaitCap = time.Duration(cfg.SmartExecutorFillTimeoutSec) * time.Second
	execCfg.LimitBufferRegular = decimal.NewFromFloat(cfg.LimitBufferRegular)
	execCfg.LimitBufferExtended = decimal.NewFromFloat(cfg.LimitBufferExtended)
	exec := execution.New(execCfg, adapter, st, logger.Named("execution"))

	posCfg := position.DefaultConfig()
	posCfg.TrailingEnabled = cfg.TrailingEnabled
	posCfg.TrailingActivationR = decimal.NewFromFloat(cfg.TrailingActivationR)
	posCfg.TrailingDistanceR = decimal.NewFromFloat(cfg.TrailingDistanceR)
	posCfg.MaxTrailingPositions = cfg.MaxTrailingPositions
	posCfg.PartialProfitEnabled = cfg.PartialProfitEnabled
	posCfg.PartialProfitShadowMode = cfg.PartialProfitShadowMode
	posCfg.EODExitTime = eodExit
	posCfg.ForceEODExit = cfg.ForceEODExit
	posMgr := position.New(posCfg, adapter, exec, st, gate, persist, bus, logger.Named("position"))

	universe := scanner.FullUniverse()
	scan := scanner.New(adapter, universe, 2*time.Minute, logger.Named("scanner"))

	eng := engine.New(engine.Deps{
		Config:        cfg,
		Adapter:       adapter,
		State:         st,
		Bus:           bus,
		Pool:          pool,
		Log:           logger.Named("engine"),
		FeatureEngine: featEngine,
		RegimeSensor:  regimeSensor,
		Strategy:      strat,
		Gate:          gate,
		Executor:      exec,
		PositionMgr:   posMgr,
		Scanner:       scan,
	})

	apiSrv := api.New(fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort), st, adapter, posMgr, logger.Named("api"))
	bus.SubscribeAll(func(ev events.Event) {
		msg, err := json.Marshal(ev)
		if err != nil {
			logger.Warn("failed to marshal event for broadcast", zap.Error(err))
			return
		}
		apiSrv.Broadcast(msg)
		switch ev.Type {
		case events.TypeBar:
			if f, ok := ev.Payload.(types.Features); ok {
				persist.RecordFeatures(f)
			}
		case events.TypeSignal:
			// Shadow-mode prediction log: the signal's direction and
			// confidence are journaled for offline comparison; nothing
			// reads them back into the trading path.
			if sig, ok := ev.Payload.(types.Signal); ok {
				persist.RecordMLPrediction(sig.Symbol, sig.GeneratedAt, string(sig.Side), sig.Confidence.String())
			}
		}
	})

	// An order event brings the protection audit forward rather than
	// waiting for the next position-loop tick.
	bus.Subscribe(events.TypeOrder, func(ev events.Event) {
		pool.Submit(func() {
			auditCtx, auditCancel := context.WithTimeout(ctx, 10*time.Second)
			defer auditCancel()
			if err := posMgr.Reconcile(auditCtx); err != nil {
				logger.Warn("order-event reconcile failed", zap.Error(err))
			}
			posMgr.AuditProtection(auditCtx)
		})
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	eng.Start(ctx)

	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("daytrader engine started", zap.String("http_addr", fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)))

	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	eng.Stop(30 * time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", zap.Error(err))
	}

	bus.Stop(5 * time.Second)
	pool.Stop()

	logger.Info("daytrader engine stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
