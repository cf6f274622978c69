// Package main is the core's bootstrap/wiring entry point, adapted from
// cmd/server/main.go's flag-parse -> construct -> goroutine-launch ->
// signal-wait -> graceful-shutdown shape. Unlike the teacher's PhD-level
// autonomous crypto stack, this binary wires the options-strategy
// dependency graph of spec.md §4.10 end to end: event bus, cache,
// persistence, VIX/risk/greeks/coordinator/state managers, the five
// concrete strategies, and the read-only observability surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/trading-core/internal/cache"
	"github.com/atlas-desktop/trading-core/internal/container"
	"github.com/atlas-desktop/trading-core/internal/coordinator"
	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/internal/executor"
	"github.com/atlas-desktop/trading-core/internal/fsm"
	"github.com/atlas-desktop/trading-core/internal/greeks"
	"github.com/atlas-desktop/trading-core/internal/observability"
	"github.com/atlas-desktop/trading-core/internal/observability/eventlog"
	"github.com/atlas-desktop/trading-core/internal/optimizer"
	"github.com/atlas-desktop/trading-core/internal/performance"
	"github.com/atlas-desktop/trading-core/internal/persistence"
	"github.com/atlas-desktop/trading-core/internal/position"
	"github.com/atlas-desktop/trading-core/internal/risk"
	"github.com/atlas-desktop/trading-core/internal/sizing"
	"github.com/atlas-desktop/trading-core/internal/state"
	"github.com/atlas-desktop/trading-core/internal/strategies"
	"github.com/atlas-desktop/trading-core/internal/vix"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional .env file to load before config binding")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	sqlitePath := flag.String("eventlog-db", "", "path to an optional SQLite event-log archive (empty disables it)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := loadConfig(*envFile)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("starting trading-core",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("persistenceBackend", cfg.Persistence.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus(logger.With(zap.String("manager", "event_bus")))

	persistenceAdapter, err := buildPersistence(ctx, cfg.Persistence, logger)
	if err != nil {
		logger.Fatal("failed to build persistence adapter", zap.Error(err))
	}

	ctr := container.New(logger)

	// Constructed outside the container since nothing else in the
	// dependency graph needs to resolve it by name; kept as a plain local
	// so the state-manager wiring below and the emergency-liquidation
	// wiring further down can both close over the same instance as the
	// executor's broker.
	broker := newPaperBroker()

	ctr.Register(container.Config{
		Name:            "circuit_breaker_plugin",
		RequiredMethods: []string{"CanOpenPosition", "PeriodicCheck"},
		Critical:        true,
		Construct: func(map[string]any) (any, error) {
			return risk.NewCircuitBreakerPlugin(cfg.Risk), nil
		},
	})
	ctr.Register(container.Config{
		Name:            "correlation_plugin",
		RequiredMethods: []string{"CanOpenPosition", "PeriodicCheck"},
		Critical:        true,
		Construct: func(map[string]any) (any, error) {
			return risk.NewCorrelationPlugin(risk.DefaultCorrelationGroups()), nil
		},
	})
	ctr.Register(container.Config{
		Name:            "concentration_plugin",
		RequiredMethods: []string{"CanOpenPosition", "PeriodicCheck"},
		Critical:        true,
		Construct: func(map[string]any) (any, error) {
			return risk.NewConcentrationPlugin(10.0, 200, 10*time.Minute), nil
		},
	})
	ctr.Register(container.Config{
		Name:            "risk_manager",
		Dependencies:    []string{"circuit_breaker_plugin", "correlation_plugin", "concentration_plugin"},
		RequiredMethods: []string{"CanOpenPosition", "GetDependencies", "Name"},
		Critical:        true,
		Construct: func(deps map[string]any) (any, error) {
			rm := risk.NewManager(bus, logger.With(zap.String("manager", "risk_manager")))
			rm.RegisterPlugin(deps["circuit_breaker_plugin"].(risk.Plugin))
			rm.RegisterPlugin(deps["correlation_plugin"].(risk.Plugin))
			rm.RegisterPlugin(deps["concentration_plugin"].(risk.Plugin))
			return rm, nil
		},
	})
	ctr.Register(container.Config{
		Name:            "vix_manager",
		RequiredMethods: []string{"CurrentVIX", "HealthStatus", "GetDependencies", "Name"},
		Critical:        true,
		Construct: func(map[string]any) (any, error) {
			source := noopDataSource{level: 18.5}
			marginFn := func() float64 { return 0 }
			return vix.NewManager(source, bus, logger.With(zap.String("manager", "vix_manager")), cfg.VIX, false, marginFn), nil
		},
	})
	ctr.Register(container.Config{
		Name:            "position_sizer",
		Dependencies:    []string{"vix_manager"},
		RequiredMethods: []string{"Contracts", "GetDependencies", "Name"},
		Critical:        false,
		Construct: func(deps map[string]any) (any, error) {
			vixMgr := deps["vix_manager"].(*vix.Manager)
			return sizing.New(vixMgr, sizing.DefaultConfig(), logger.With(zap.String("manager", "position_sizer"))), nil
		},
	})
	ch := cache.NewCache(cfg.Cache, logger.With(zap.String("manager", "cache")))
	ctr.Register(container.Config{
		Name:            "greeks_service",
		RequiredMethods: []string{"GetDependencies", "Name"},
		Critical:        false,
		Construct: func(map[string]any) (any, error) {
			return greeks.NewService(ch, bus, logger.With(zap.String("manager", "greeks_service")), 0.04), nil
		},
	})
	ctr.Register(container.Config{
		Name:            "position_manager",
		RequiredMethods: []string{"OpenPosition"},
		Critical:        true,
		Construct: func(map[string]any) (any, error) {
			return position.NewManager(bus, logger.With(zap.String("manager", "position_manager"))), nil
		},
	})
	ctr.Register(container.Config{
		Name:            "strategy_coordinator",
		Dependencies:    []string{"vix_manager", "greeks_service", "position_manager"},
		RequiredMethods: []string{"ExecuteStrategies", "GetDependencies", "Name"},
		Critical:        true,
		Construct: func(map[string]any) (any, error) {
			return coordinator.New(time.Local, cfg.Coordinator.DefaultThrottle, cfg.Coordinator.LockTimeout, logger.With(zap.String("manager", "strategy_coordinator"))), nil
		},
	})
	ctr.Register(container.Config{
		Name:            "state_manager",
		Dependencies:    []string{"vix_manager", "position_manager", "circuit_breaker_plugin", "correlation_plugin"},
		RequiredMethods: []string{"UpdateSystemState", "GetDependencies", "Name"},
		Critical:        true,
		Construct: func(deps map[string]any) (any, error) {
			vixMgr := deps["vix_manager"].(*vix.Manager)
			corrPlugin := deps["correlation_plugin"].(*risk.CorrelationPlugin)
			checks := state.GlobalChecks{
				CurrentVIX: vixMgr.CurrentVIX,
				MarginUsedRatio: func() float64 {
					acct, err := broker.Account()
					if err != nil || acct.PortfolioValue.IsZero() {
						return 0
					}
					used := acct.PortfolioValue.Sub(acct.MarginRemaining)
					ratio, _ := used.Div(acct.PortfolioValue).Float64()
					return ratio
				},
				CorrelationBreach: corrPlugin.IsBreached,
				DataStale:         func() bool { return !vixMgr.HealthStatus().CacheValid },
			}
			return state.New(standardMarketHours{loc: time.Local}, checks, bus, persistenceAdapter, 5*time.Minute, logger.With(zap.String("manager", "state_manager"))), nil
		},
	})

	if err := ctr.Start(); err != nil {
		logger.Fatal("container startup failed", zap.Error(err))
	}
	for _, name := range ctr.FailedManagers() {
		logger.Warn("manager failed to start", zap.String("manager", name))
	}
	if err := ctr.ValidateHotPaths(); err != nil {
		logger.Fatal("hot-path validation failed", zap.Error(err))
	}

	vixManager, _ := ctr.Get("vix_manager")
	riskManager, _ := ctr.Get("risk_manager")
	greeksService, _ := ctr.Get("greeks_service")
	positionManager, _ := ctr.Get("position_manager")
	strategyCoordinator, _ := ctr.Get("strategy_coordinator")
	stateManager, _ := ctr.Get("state_manager")
	positionSizer, sizerOK := ctr.Get("position_sizer")
	circuitBreakerAny, _ := ctr.Get("circuit_breaker_plugin")
	circuitBreaker := circuitBreakerAny.(*risk.CircuitBreakerPlugin)

	exec := executor.NewExecutor(broker, bus, executor.DefaultExecutorConfig(), logger.With(zap.String("manager", "executor")))

	// The OnData optimiser self-wires onto the bus's MarketDataUpdated /
	// PositionUpdated topics; it is never called
	// directly, only consulted via cache-maintenance triggers below.
	opt := optimizer.New(bus, greeksService.(*greeks.Service), ch, positionManager.(*position.Manager), optimizer.DefaultConfig(), logger.With(zap.String("manager", "optimizer")))

	var sizer *sizing.Sizer
	if sizerOK {
		sizer, _ = positionSizer.(*sizing.Sizer)
	}

	// The performance tracker self-wires onto the bus's PositionClosed
	// topic (Tier 2, spec.md §4.10); it feeds each closed trade's outcome
	// back into the position sizer's rolling Kelly stats and keeps a
	// per-strategy win-rate/Sharpe/drawdown/profit-factor snapshot
	// (Snapshot/All). It is listed in the observability managers map
	// below, but having no HealthStatus method it adds nothing to /healthz.
	var perfRecorder performance.ResultRecorder
	if sizer != nil {
		perfRecorder = sizer
	}
	perf := performance.New(bus, perfRecorder, logger.With(zap.String("manager", "performance_tracker")))

	deps := strategies.Deps{
		VIX:         vixManager.(*vix.Manager),
		Risk:        riskManager.(*risk.Manager),
		Coordinator: strategyCoordinator.(*coordinator.Coordinator),
		Executor:    exec,
		Positions:   positionManager.(*position.Manager),
		Greeks:      greeksService.(*greeks.Service),
		Sizer:       sizer,
		Logger:      logger,
	}

	registry := fsm.NewRegistry()
	coord := strategyCoordinator.(*coordinator.Coordinator)
	sm := stateManager.(*state.Manager)
	posMgr := positionManager.(*position.Manager)
	riskMgr := riskManager.(*risk.Manager)

	// The emergency hook is what actually carries out §4.8's "cancel all
	// open orders and close short-option positions immediately" -- without
	// it HaltAllTrading only moves strategies into Suspended.
	sm.OnEmergency(func(reason string) {
		cancelled := exec.CancelAllOpen("emergency")
		closed := exec.LiquidateShortOptions(posMgr)
		logger.Warn("emergency liquidation executed",
			zap.String("reason", reason), zap.Int("ordersCancelled", cancelled), zap.Int("positionsClosed", closed))
	})

	// Each strategy is constructed once and registered under a factory
	// that returns that same instance, so the registry's by-name lookup
	// (used by the coordinator's execution callbacks) never loses a
	// running machine's accumulated state to a fresh re-construction.
	live := map[string]fsm.Strategy{
		"zerodte":          strategies.NewZeroDTE("SPX", deps),
		"lt112":            strategies.NewLT112("ES", 1, time.Wednesday, deps),
		"ipmcc":            strategies.NewIPMCC("SPY", deps),
		"futures_strangle": strategies.NewFuturesStrangle("CL", 1000, deps),
		"leap_ladder":      strategies.NewLEAPLadder("SPX", 1, time.Monday, deps),
	}
	windows := map[string]coordinator.Window{
		"zerodte":          {StartHHMM: "10:30", EndHHMM: "15:45"},
		"lt112":            {StartHHMM: "09:45", EndHHMM: "15:30"},
		"ipmcc":            {StartHHMM: "09:45", EndHHMM: "15:30"},
		"futures_strangle": {StartHHMM: "09:45", EndHHMM: "15:30"},
		"leap_ladder":      {}, // no intraday window: quarterly anchor only
	}
	priorities := map[string]coordinator.Priority{
		"zerodte":          coordinator.High,
		"lt112":            coordinator.Medium,
		"ipmcc":            coordinator.Medium,
		"futures_strangle": coordinator.Medium,
		"leap_ladder":      coordinator.Low,
	}

	machines := make(map[string]*fsm.Machine, len(live))
	for name, strat := range live {
		registry.Register(name, func() fsm.Strategy { return strat })
		coord.RegisterStrategy(name, priorities[name], windows[name], nil)
		if mh, ok := strat.(machineHolder); ok {
			machine := mh.MachineRef()
			machines[name] = machine
			sm.RegisterStrategy(name, machine, func() bool { return false })
		}
	}

	var sink *eventlog.Sink
	if *sqlitePath != "" {
		sink, err = eventlog.Open(*sqlitePath, logger.With(zap.String("manager", "eventlog")))
		if err != nil {
			logger.Warn("eventlog sink disabled", zap.Error(err))
		} else {
			defer sink.Close()
			sink.SubscribeAll(bus, []events.EventType{
				events.PositionOpened, events.PositionClosed, events.OrderFilled,
				events.CircuitBreakerTriggered, events.VIXRegimeChange, events.VIXEmergency,
			})
		}
	}

	managers := map[string]any{
		"vix_manager":          vixManager,
		"risk_manager":         riskManager,
		"greeks_service":       greeksService,
		"strategy_coordinator": strategyCoordinator,
		"state_manager":        stateManager,
		"performance_tracker":  perf,
	}
	if sizerOK {
		managers["position_sizer"] = positionSizer
	}
	obsServer := observability.NewServer(logger.With(zap.String("manager", "observability")), &cfg.Server, bus, ctr, sink, managers, machines)

	go func() {
		if err := obsServer.Start(); err != nil {
			logger.Error("observability server error", zap.Error(err))
		}
	}()

	tickerDone := runTickLoop(ctx, coord, sm, riskMgr, circuitBreaker, broker, live, opt, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	<-tickerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := obsServer.Stop(shutdownCtx); err != nil {
		logger.Error("observability server shutdown error", zap.Error(err))
	}

	logger.Info("trading-core stopped")
}

// machineHolder is satisfied by every concrete strategy through its
// embedded *fsm.Base, which promotes MachineRef().
type machineHolder interface {
	MachineRef() *fsm.Machine
}

func buildPersistence(ctx context.Context, cfg types.PersistenceConfig, logger *zap.Logger) (state.PersistenceAdapter, error) {
	switch cfg.Backend {
	case "s3":
		return persistence.NewS3Adapter(ctx, cfg.S3Bucket, cfg.S3Prefix, logger.With(zap.String("manager", "persistence_s3")))
	default:
		return persistence.NewMemoryAdapter(), nil
	}
}

// runTickLoop drives the coordinator/state-manager cooperative tick
// (spec.md §5: "the core stays single-threaded/cooperative"), returning
// a channel closed once the loop has observed ctx's cancellation and
// exited cleanly. The callback map is built once, before the loop
// starts, from the live, persistent strategy instances -- every tick
// reuses it, so ExecuteStrategies only ever sees the
// same *Base.Machine each call, so a strategy's accumulated FSM state
// survives across ticks.
func runTickLoop(ctx context.Context, coord *coordinator.Coordinator, sm *state.Manager, riskMgr *risk.Manager, circuitBreaker *risk.CircuitBreakerPlugin, broker *paperBroker, live map[string]fsm.Strategy, opt *optimizer.Optimizer, logger *zap.Logger) <-chan struct{} {
	const cacheSoftCapEntries = 1000

	done := make(chan struct{})
	callbacks := make(map[string]func() error, len(live))
	for name, strat := range live {
		strat := strat
		callbacks[name] = func() error {
			strat.Execute(&fsm.Context{Now: time.Now(), Data: map[string]any{}})
			return nil
		}
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		lastBaselineDay := -1
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if acct, err := broker.Account(); err == nil {
					value, _ := acct.PortfolioValue.Float64()
					now := time.Now()
					if lastBaselineDay != now.YearDay() {
						circuitBreaker.SetBaseline(now, value)
						lastBaselineDay = now.YearDay()
					}
					circuitBreaker.UpdateValue(value)
					if circuitBreaker.RecoveryConditionsMet(value) {
						circuitBreaker.Reset()
						riskMgr.ResetEmergencyMode("circuit breaker recovery conditions met")
						sm.ClearEmergencyMode("circuit breaker recovery conditions met")
					}
				}

				sm.RunGlobalTriggerChecks()
				for _, ev := range riskMgr.PerformPeriodicChecks() {
					if ev.Level == types.RiskEmergency {
						sm.HaltAllTrading(ev.Message)
					}
				}

				coord.ExecuteStrategies(callbacks)
				opt.MaybeTriggerCacheMaintenance(cacheSoftCapEntries)
			}
		}
	}()
	return done
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

	config := zap.Config{
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
	logger, err := config.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
