package risk

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
	"go.uber.org/zap"
)

type stubPlugin struct {
	name      string
	allow     bool
	reason    string
	shouldPanic bool
}

func (s *stubPlugin) Name() string    { return s.name }
func (s *stubPlugin) Version() string { return "1.0.0" }
func (s *stubPlugin) Initialize(bus *events.EventBus) bool { return true }
func (s *stubPlugin) CanOpenPosition(ctx PositionContext) (bool, string) {
	if s.shouldPanic {
		panic("boom")
	}
	return s.allow, s.reason
}
func (s *stubPlugin) OnPositionOpened(ctx PositionContext) {}
func (s *stubPlugin) OnPositionClosed(ctx PositionContext) {}
func (s *stubPlugin) OnMarketData(symbol string, price float64) {}
func (s *stubPlugin) PeriodicCheck() []types.RiskEvent { return nil }
func (s *stubPlugin) GetRiskMetrics() map[string]any   { return nil }
func (s *stubPlugin) Shutdown()                        {}

func TestUnanimousVoteAllTrue(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	m.RegisterPlugin(&stubPlugin{name: "a", allow: true})
	m.RegisterPlugin(&stubPlugin{name: "b", allow: true})

	ok, reason := m.CanOpenPosition(PositionContext{})
	if !ok || reason != "" {
		t.Fatalf("expected unanimous approval, got ok=%v reason=%q", ok, reason)
	}
}

func TestUnanimousVoteOneFalseRejects(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	m.RegisterPlugin(&stubPlugin{name: "a", allow: true})
	m.RegisterPlugin(&stubPlugin{name: "b", allow: false, reason: "nope"})

	ok, reason := m.CanOpenPosition(PositionContext{})
	if ok || reason != "nope" {
		t.Fatalf("expected rejection with reason 'nope', got ok=%v reason=%q", ok, reason)
	}
}

func TestPluginPanicCountsAsError(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	p := &stubPlugin{name: "panicky", shouldPanic: true}
	m.RegisterPlugin(p)

	for i := 0; i < maxPluginErrors; i++ {
		ok, _ := m.CanOpenPosition(PositionContext{})
		if ok {
			t.Fatalf("expected panic to be treated as rejection")
		}
	}
	ok, reason := m.CanOpenPosition(PositionContext{})
	if ok || reason != "plugin disabled" {
		t.Fatalf("expected plugin disabled after %d errors, got ok=%v reason=%q", maxPluginErrors, ok, reason)
	}
}

func TestCircuitBreakerTripsOnDailyLoss(t *testing.T) {
	limits := types.DefaultCoreConfig().Risk
	cb := NewCircuitBreakerPlugin(limits)
	cb.SetBaseline(time.Now(), 100000)
	cb.UpdateValue(94000) // 6% down, exceeds 5% daily limit

	events := cb.PeriodicCheck()
	if len(events) != 1 || events[0].Level != types.RiskEmergency {
		t.Fatalf("expected one Emergency event, got %+v", events)
	}
}

func TestCircuitBreakerConsecutiveLosses(t *testing.T) {
	limits := types.DefaultCoreConfig().Risk
	cb := NewCircuitBreakerPlugin(limits)
	cb.SetBaseline(time.Now(), 100000)
	cb.UpdateValue(100000)
	cb.RecordTradeResult(false)
	cb.RecordTradeResult(false)
	cb.RecordTradeResult(false)

	events := cb.PeriodicCheck()
	if len(events) != 1 {
		t.Fatalf("expected consecutive-loss breach, got %+v", events)
	}
}

func TestCorrelationShouldDefendOverridesCaps(t *testing.T) {
	p := NewCorrelationPlugin(DefaultCorrelationGroups())
	// Saturate the EquityIndex cap for Phase1 (cap=2).
	p.OnPositionOpened(PositionContext{Underlying: "SPY", Quantity: 2})

	ok, _ := p.CanOpenPosition(PositionContext{Underlying: "SPY", Quantity: 5, DTE: 21, AccountPhase: types.Phase1})
	if !ok {
		t.Fatalf("expected ShouldDefend(dte<=21) to override correlation cap")
	}
}

func TestCorrelationRejectsOverCap(t *testing.T) {
	p := NewCorrelationPlugin(DefaultCorrelationGroups())
	p.OnPositionOpened(PositionContext{Underlying: "SPY", Quantity: 2})

	ok, reason := p.CanOpenPosition(PositionContext{Underlying: "SPY", Quantity: 1, DTE: 40, AccountPhase: types.Phase1})
	if ok || reason == "" {
		t.Fatalf("expected rejection over Phase1 EquityIndex cap, got ok=%v reason=%q", ok, reason)
	}
}

func TestConcentrationAllocationAndRelease(t *testing.T) {
	p := NewConcentrationPlugin(100, 50, time.Hour)
	ok, _ := p.RequestAllocation("strat1", 40, 10)
	if !ok {
		t.Fatalf("expected first allocation to succeed")
	}
	ok, reason := p.RequestAllocation("strat2", 70, 10)
	if ok || reason == "" {
		t.Fatalf("expected second allocation to exceed total delta cap")
	}
	p.ReleaseAllocation("strat1")
	ok, _ = p.RequestAllocation("strat2", 70, 10)
	if !ok {
		t.Fatalf("expected allocation to succeed after release")
	}
}

func TestConcentrationReclaimsStaleAllocations(t *testing.T) {
	p := NewConcentrationPlugin(100, 50, time.Millisecond)
	p.RequestAllocation("strat1", 10, 5)
	time.Sleep(5 * time.Millisecond)

	events := p.PeriodicCheck()
	if len(events) != 1 {
		t.Fatalf("expected one stale-reclaim event, got %d", len(events))
	}
	metrics := p.GetRiskMetrics()
	if metrics["strategies"].(int) != 0 {
		t.Fatalf("expected allocation reclaimed")
	}
}
