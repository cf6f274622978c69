package optimizer

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-core/internal/cache"
	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/internal/greeks"
	"github.com/atlas-desktop/trading-core/internal/position"
	"github.com/atlas-desktop/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestOptimizer(t *testing.T) (*Optimizer, *events.EventBus, *position.Manager) {
	t.Helper()
	bus := events.NewEventBus(zap.NewNop())
	c := cache.NewCache(types.CacheConfig{DefaultTTL: time.Minute, SoftMemoryCapMB: 10, SpotChangeThreshold: decimal.NewFromFloat(0.001)}, zap.NewNop())
	greeksSvc := greeks.NewService(c, bus, zap.NewNop(), 0.04)
	posMgr := position.NewManager(bus, zap.NewNop())
	o := New(bus, greeksSvc, c, posMgr, DefaultConfig(), zap.NewNop())
	return o, bus, posMgr
}

func TestSkipsInsignificantMarketDataChange(t *testing.T) {
	o, _, _ := newTestOptimizer(t)

	o.handleMarketData(&events.Event{Payload: map[string]any{"symbol": "SPY", "changePct": 0.001}})

	m := o.Metrics()
	if m.UnnecessaryCalculationsAvoided != 1 {
		t.Fatalf("expected insignificant change to be skipped, got metrics %+v", m)
	}
	if len(o.pendingGreeks) != 0 {
		t.Fatalf("expected no pending greeks recompute")
	}
}

func TestBatchesGreeksAcrossUnderlyings(t *testing.T) {
	o, bus, posMgr := newTestOptimizer(t)
	var gotCalculated bool
	bus.Subscribe(events.GreeksCalculated, "test", 0, func(e *events.Event) error {
		gotCalculated = true
		return nil
	})

	posMgr.OpenPosition("strat-1", "SPY", []*types.PositionComponent{
		{ComponentID: "c1", StrategyID: "strat-1", Underlying: "SPY", LegType: types.LegShortPut,
			Contract: types.OptionContract{Underlying: "SPY", Multiplier: 100}, Quantity: -1, Status: types.ComponentOpen},
	}, nil)

	o.cfg.GreeksBatchSize = 1
	o.handleMarketData(&events.Event{Payload: map[string]any{"symbol": "SPY", "changePct": 0.01, "spot": 450.0}})

	if !gotCalculated {
		t.Fatalf("expected batched greeks recompute to publish GreeksCalculated")
	}
	m := o.Metrics()
	if m.GreeksBatchesProcessed != 1 {
		t.Fatalf("expected one greeks batch processed, got %+v", m)
	}
}

func TestSkipsGreeksWhenNoPositionsForUnderlying(t *testing.T) {
	o, _, _ := newTestOptimizer(t)
	o.handleMarketData(&events.Event{Payload: map[string]any{"symbol": "QQQ", "changePct": 0.01}})

	m := o.Metrics()
	if m.UnnecessaryCalculationsAvoided != 1 {
		t.Fatalf("expected skip when no positions reference the underlying")
	}
}

func TestRiskBatchFlushesOnSignificantChange(t *testing.T) {
	o, bus, _ := newTestOptimizer(t)
	var gotBreach bool
	bus.Subscribe(events.PerformanceThresholdBreach, "test", 0, func(e *events.Event) error {
		gotBreach = true
		return nil
	})

	o.handlePositionUpdate(&events.Event{Payload: map[string]any{"quantityChange": 15}})

	if !gotBreach {
		t.Fatalf("expected significant position change to flush risk batch immediately")
	}
	m := o.Metrics()
	if m.RiskBatchesProcessed != 1 {
		t.Fatalf("expected one risk batch processed, got %+v", m)
	}
}

func TestRiskBatchAccumulatesUntilThreshold(t *testing.T) {
	o, bus, _ := newTestOptimizer(t)
	var breaches int
	bus.Subscribe(events.PerformanceThresholdBreach, "test", 0, func(e *events.Event) error {
		breaches++
		return nil
	})

	o.handlePositionUpdate(&events.Event{Payload: map[string]any{"quantityChange": 1}})
	o.handlePositionUpdate(&events.Event{Payload: map[string]any{"quantityChange": 1}})
	if breaches != 0 {
		t.Fatalf("expected no flush below batch size, got %d", breaches)
	}
	o.handlePositionUpdate(&events.Event{Payload: map[string]any{"quantityChange": 1}})
	if breaches != 1 {
		t.Fatalf("expected flush once batch size reached, got %d", breaches)
	}
}

func TestCacheMaintenanceSkippedWhenHealthy(t *testing.T) {
	o, _, _ := newTestOptimizer(t)
	triggered := o.MaybeTriggerCacheMaintenance(1000)
	if triggered {
		t.Fatalf("expected no maintenance trigger for a fresh, empty cache")
	}
}
