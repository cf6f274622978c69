package strategies

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/cache"
	"github.com/atlas-desktop/trading-core/internal/coordinator"
	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/internal/executor"
	"github.com/atlas-desktop/trading-core/internal/fsm"
	"github.com/atlas-desktop/trading-core/internal/greeks"
	"github.com/atlas-desktop/trading-core/internal/position"
	"github.com/atlas-desktop/trading-core/internal/risk"
	"github.com/atlas-desktop/trading-core/internal/vix"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

type fakeVIXSource struct{ v float64 }

func (f fakeVIXSource) CurrentVIX() (float64, error) { return f.v, nil }

type stubBroker struct{ filled map[string]int }

func newStubBroker() *stubBroker { return &stubBroker{filled: make(map[string]int)} }

func (b *stubBroker) MarketOrder(symbol string, qty int, tag string) (types.OrderTicket, error) {
	b.filled[symbol] += qty
	return types.OrderTicket{OrderID: symbol + tag, Status: types.BrokerFilled}, nil
}
func (b *stubBroker) LimitOrder(symbol string, qty int, price decimal.Decimal, tag string) (types.OrderTicket, error) {
	b.filled[symbol] += qty
	return types.OrderTicket{OrderID: symbol + tag, Status: types.BrokerFilled}, nil
}
func (b *stubBroker) ComboOrder(legs []executor.Leg, tag string) (types.OrderTicket, error) {
	for _, l := range legs {
		b.filled[l.Symbol] += l.SignedQty
	}
	return types.OrderTicket{OrderID: "combo-" + tag, Status: types.BrokerFilled}, nil
}
func (b *stubBroker) Cancel(orderID string) error                 { return nil }
func (b *stubBroker) OpenOrders() ([]types.OrderTicket, error)     { return nil, nil }
func (b *stubBroker) Portfolio() (map[string]types.Holding, error) { return nil, nil }
func (b *stubBroker) Account() (types.Account, error)              { return types.Account{}, nil }

func cacheForTest(t *testing.T) *cache.Cache {
	t.Helper()
	return cache.NewCache(types.CacheConfig{DefaultTTL: time.Minute, SoftMemoryCapMB: 10, SpotChangeThreshold: decimal.NewFromFloat(0.001)}, zap.NewNop())
}

// testHarness wires a full Deps set against a permissive coordinator
// window so strategies can be driven in tests regardless of wall-clock
// time.
type testHarness struct {
	deps  Deps
	bus   *events.EventBus
	coord *coordinator.Coordinator
}

func newTestHarness(t *testing.T, vixLevel float64) *testHarness {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewEventBus(logger)
	c := cacheForTest(t)
	greeksSvc := greeks.NewService(c, bus, logger, 0.04)
	posMgr := position.NewManager(bus, logger)
	riskMgr := risk.NewManager(bus, logger)
	vixMgr := vix.NewManager(fakeVIXSource{v: vixLevel}, bus, logger, types.VIXThresholds{
		Low: 16, Normal: 20, Elevated: 25, High: 30, Extreme: 35, Crisis: 50, ZeroDTEMinVIX: 22,
	}, true, nil)
	coord := coordinator.New(time.UTC, 0, time.Minute, logger)

	broker := newStubBroker()
	exec := executor.NewExecutor(broker, bus, executor.DefaultExecutorConfig(), logger)

	return &testHarness{
		deps: Deps{
			VIX: vixMgr, Risk: riskMgr, Coordinator: coord, Executor: exec,
			Positions: posMgr, Greeks: greeksSvc, Logger: logger,
		},
		bus:   bus,
		coord: coord,
	}
}

func (h *testHarness) registerAllDay(name string, priority coordinator.Priority) {
	h.coord.RegisterStrategy(name, priority, coordinator.Window{StartHHMM: "00:00", EndHHMM: "23:59"}, nil)
}

func TestZeroDTEEntryFlow(t *testing.T) {
	h := newTestHarness(t, 25.0)
	s := NewZeroDTE("SPY", h.deps)
	h.registerAllDay(s.Base.Name, coordinator.Critical)

	friday1030 := time.Date(2026, 7, 31, 10, 31, 0, 0, time.UTC) // a Friday
	if friday1030.Weekday() != time.Friday {
		t.Fatalf("fixture date must be a Friday")
	}
	ctx := &fsm.Context{Now: friday1030, Data: map[string]any{"spot": 454.0, "openPrice": 449.0}}

	if !s.CheckEntryWindow(ctx) {
		t.Fatalf("expected entry window to be open on Friday after 10:30")
	}
	if !s.AnalyzeMarket(ctx) {
		t.Fatalf("expected morning-move analysis to succeed")
	}
	if s.bias != "bullish" {
		t.Fatalf("expected bullish bias for a >0.5%% morning move; got %s (movePct=%v)", s.bias, (454.0-449.0)/449.0)
	}
	if !s.CheckEntryConditions(ctx) {
		t.Fatalf("expected entry conditions to pass at VIX 25")
	}
	if !s.PlaceEntryOrders(ctx) {
		t.Fatalf("expected entry orders to place successfully")
	}
	if s.positionID == "" {
		t.Fatalf("expected a position to be opened")
	}
	pos, ok := h.deps.Positions.Get(s.positionID)
	if !ok || len(pos.Components) != 2 {
		t.Fatalf("expected a 2-leg put-side condor, got %+v", pos)
	}
}

func TestZeroDTEBlockedBelowVIXThreshold(t *testing.T) {
	h := newTestHarness(t, 15.0)
	s := NewZeroDTE("SPY", h.deps)
	ctx := &fsm.Context{Now: time.Date(2026, 7, 31, 10, 31, 0, 0, time.UTC), Data: map[string]any{"spot": 450.0, "openPrice": 450.0}}
	s.AnalyzeMarket(ctx)
	if s.CheckEntryConditions(ctx) {
		t.Fatalf("expected entry to be blocked below VIX threshold")
	}
}

func TestZeroDTEHardExitAt330(t *testing.T) {
	h := newTestHarness(t, 25.0)
	s := NewZeroDTE("SPY", h.deps)
	s.positionID = "pretend"
	ctx := &fsm.Context{Now: time.Date(2026, 7, 31, 15, 31, 0, 0, time.UTC)}
	s.Base.Machine.Trigger(types.TriggerMarketOpen, nil)
	s.Base.Machine.Trigger(types.TriggerTimeWindowStart, nil)
	s.Base.Machine.Trigger(types.TriggerEntryConditionsMet, nil)
	s.Base.Machine.Trigger(types.TriggerOrderFilled, nil)
	s.Base.Machine.Trigger(types.TriggerMarketOpen, nil) // -> Managing
	s.ManagePosition(ctx)
	if s.Base.Machine.Current() != types.StateExiting {
		t.Fatalf("expected the 3:30pm hard exit to fire, got %s", s.Base.Machine.Current())
	}
}

func TestLT112EntryFlow(t *testing.T) {
	h := newTestHarness(t, 20.0)
	s := NewLT112("SPX", 1, time.Friday, h.deps)
	h.registerAllDay(s.Base.Name, coordinator.Medium)

	ctx := &fsm.Context{Now: time.Date(2026, 8, 7, 10, 0, 0, 0, time.UTC), Data: map[string]any{"spot": 5500.0}}
	if !s.CheckEntryConditions(ctx) {
		t.Fatalf("expected LT112 entry conditions to pass")
	}
	if !s.PlaceEntryOrders(ctx) {
		t.Fatalf("expected LT112 entry orders to place")
	}
	pos, ok := h.deps.Positions.Get(s.positionID)
	if !ok || len(pos.Components) != 4 {
		t.Fatalf("expected a 4-leg 1-1-2 structure, got %+v", pos)
	}
}

func TestIPMCCOpensLEAPAndWeekly(t *testing.T) {
	h := newTestHarness(t, 18.0)
	s := NewIPMCC("SPY", h.deps)
	ctx := &fsm.Context{Now: time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC), Data: map[string]any{"spot": 450.0}}
	if !s.CheckEntryConditions(ctx) {
		t.Fatalf("expected ipmcc entry conditions to pass")
	}
	if !s.PlaceEntryOrders(ctx) {
		t.Fatalf("expected ipmcc entry to place LEAP+weekly")
	}
	pos, ok := h.deps.Positions.Get(s.positionID)
	if !ok || len(pos.Components) != 2 {
		t.Fatalf("expected a 2-leg LEAP+weekly structure, got %+v", pos)
	}
}

func TestIPMCCBlockedAboveVIX40(t *testing.T) {
	h := newTestHarness(t, 45.0)
	s := NewIPMCC("SPY", h.deps)
	ctx := &fsm.Context{Now: time.Now(), Data: map[string]any{"spot": 450.0}}
	if s.CheckEntryConditions(ctx) {
		t.Fatalf("expected ipmcc entry to be blocked above VIX 40")
	}
}

func TestFuturesStrangleEntryFlow(t *testing.T) {
	h := newTestHarness(t, 18.0)
	s := NewFuturesStrangle("/ES", 50, h.deps)
	h.registerAllDay(s.Base.Name, coordinator.Medium)

	monday := time.Date(2026, 8, 3, 10, 5, 0, 0, time.UTC)
	if monday.Weekday() != time.Monday {
		t.Fatalf("fixture date must be a Monday")
	}
	ctx := &fsm.Context{Now: monday, Data: map[string]any{"spot": 5500.0}}
	if !s.CheckEntryWindow(ctx) {
		t.Fatalf("expected Monday after 10:00 to be an entry window")
	}
	if !s.CheckEntryConditions(ctx) {
		t.Fatalf("expected strangle entry conditions to pass")
	}
	if !s.PlaceEntryOrders(ctx) {
		t.Fatalf("expected strangle entry to place")
	}
	pos, ok := h.deps.Positions.Get(s.positionID)
	if !ok || len(pos.Components) != 2 {
		t.Fatalf("expected a 2-leg strangle, got %+v", pos)
	}
}

func TestLEAPLadderEntryFlow(t *testing.T) {
	h := newTestHarness(t, 18.0)
	s := NewLEAPLadder("SPY", 1, time.Friday, h.deps)
	h.registerAllDay(s.Base.Name, coordinator.Low)

	ctx := &fsm.Context{Now: time.Date(2026, 10, 2, 10, 0, 0, 0, time.UTC), Data: map[string]any{"spot": 450.0}}
	if !s.CheckEntryConditions(ctx) {
		t.Fatalf("expected ladder entry conditions to pass")
	}
	if !s.PlaceEntryOrders(ctx) {
		t.Fatalf("expected ladder entry to place all rungs")
	}
	pos, ok := h.deps.Positions.Get(s.positionID)
	if !ok || len(pos.Components) != len(s.RungDeltas) {
		t.Fatalf("expected %d rungs, got %+v", len(s.RungDeltas), pos)
	}
}

func TestStrikeForDeltaPicksLowerDeltaFurtherOTM(t *testing.T) {
	h := newTestHarness(t, 20.0)
	expiry := time.Now().AddDate(0, 0, 45)
	near := strikeForDelta(h.deps.Greeks, 450, types.Put, 0.30, expiry, time.Now(), 1)
	far := strikeForDelta(h.deps.Greeks, 450, types.Put, 0.10, expiry, time.Now(), 1)
	nearF, _ := near.Float64()
	farF, _ := far.Float64()
	if !(farF < nearF) {
		t.Fatalf("expected a 0.10-delta put strike (%v) further OTM (lower) than a 0.30-delta put strike (%v)", farF, nearF)
	}
}
