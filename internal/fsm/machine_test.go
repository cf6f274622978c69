package fsm

import (
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

func TestRequiredLifecycleTransitions(t *testing.T) {
	m := NewMachine("test", zap.NewNop())
	steps := []struct {
		trig types.Trigger
		want types.StrategyState
	}{
		{types.TriggerMarketOpen, types.StateReady},
		{types.TriggerTimeWindowStart, types.StateAnalyzing},
		{types.TriggerEntryConditionsMet, types.StateEntering},
		{types.TriggerOrderFilled, types.StatePositionOpen},
		{types.TriggerMarketOpen, types.StateManaging},
		{types.TriggerTimeWindowEnd, types.StateExiting},
		{types.TriggerOrderFilled, types.StateClosed},
		{types.TriggerMarketOpen, types.StateReady},
	}
	for _, s := range steps {
		if !m.Trigger(s.trig, nil) {
			t.Fatalf("expected trigger %s to succeed from state before it", s.trig)
		}
		if m.Current() != s.want {
			t.Fatalf("expected state %s, got %s", s.want, m.Current())
		}
	}
}

func TestUniversalEscapeEdges(t *testing.T) {
	m := NewMachine("test", zap.NewNop())
	m.Trigger(types.TriggerMarketOpen, nil) // -> Ready
	if !m.Trigger(types.TriggerVIXSpike, nil) {
		t.Fatalf("expected VIXSpike to escape from Ready")
	}
	if m.Current() != types.StateSuspended {
		t.Fatalf("expected Suspended, got %s", m.Current())
	}
}

func TestUnknownTransitionLoggedAndIgnored(t *testing.T) {
	m := NewMachine("test", zap.NewNop())
	ok := m.Trigger(types.TriggerOrderFilled, nil) // no edge from Initializing
	if ok {
		t.Fatalf("expected no transition")
	}
	if m.Current() != types.StateInitializing {
		t.Fatalf("expected state unchanged, got %s", m.Current())
	}
	if m.ErrorCount() != 1 {
		t.Fatalf("expected error count incremented, got %d", m.ErrorCount())
	}
}

func TestOnEnterOnExitCallbacksFire(t *testing.T) {
	m := NewMachine("test", zap.NewNop())
	var entered, exited bool
	m.OnExit(types.StateInitializing, func(ctx map[string]any) { exited = true })
	m.OnEnter(types.StateReady, func(ctx map[string]any) { entered = true })
	m.Trigger(types.TriggerMarketOpen, nil)
	if !entered || !exited {
		t.Fatalf("expected both onEnter and onExit to fire")
	}
}

func TestHistoryBounded(t *testing.T) {
	m := NewMachine("test", zap.NewNop())
	for i := 0; i < historyCap+50; i++ {
		m.Trigger(types.TriggerMarketOpen, nil)
		m.Trigger(types.TriggerTimeWindowStart, nil)
		m.Trigger(types.TriggerEntryConditionsFailed, nil)
	}
	if len(m.History()) > historyCap {
		t.Fatalf("expected history bounded at %d, got %d", historyCap, len(m.History()))
	}
}

type fakeHooks struct {
	DefaultHooks
	entryConditionsMet bool
	placedEntry        bool
	placedExit         bool
}

func (f *fakeHooks) CheckEntryConditions(ctx *Context) bool { return f.entryConditionsMet }
func (f *fakeHooks) PlaceEntryOrders(ctx *Context) bool     { f.placedEntry = true; return true }
func (f *fakeHooks) PlaceExitOrders(ctx *Context) bool      { f.placedExit = true; return true }

func TestBaseExecuteDrivesThroughEntry(t *testing.T) {
	hooks := &fakeHooks{entryConditionsMet: true}
	b := NewBase("test-strategy", hooks, zap.NewNop())

	b.Execute(&Context{})                              // Initializing -> Ready
	b.Execute(&Context{})                              // Ready -> Analyzing
	b.Execute(&Context{MinComponentDTE: 90})           // Analyzing -> Entering
	b.Execute(&Context{MinComponentDTE: 90})           // Entering -> PositionOpen

	if b.Machine.Current() != types.StatePositionOpen {
		t.Fatalf("expected PositionOpen, got %s", b.Machine.Current())
	}
	if !hooks.placedEntry {
		t.Fatalf("expected PlaceEntryOrders to have been invoked")
	}
}

func TestDefensiveExitOverridesEverythingAt21DTE(t *testing.T) {
	hooks := &fakeHooks{entryConditionsMet: true}
	b := NewBase("test-strategy", hooks, zap.NewNop())
	b.Machine.Trigger(types.TriggerMarketOpen, nil)
	b.Machine.Trigger(types.TriggerTimeWindowStart, nil)
	b.Machine.Trigger(types.TriggerEntryConditionsMet, nil)
	b.Machine.Trigger(types.TriggerOrderFilled, nil) // -> PositionOpen

	state := b.Execute(&Context{MinComponentDTE: 21})
	if state != types.StateExiting {
		t.Fatalf("expected defensive exit to fire at 21 DTE, got %s", state)
	}
}

func TestProfitAndStopFormulas(t *testing.T) {
	if !ProfitTargetHitCredit(10, 4, 0.5) {
		t.Fatalf("expected 60%% credit capture to hit 50%% target")
	}
	if ProfitTargetHitCredit(10, 6, 0.5) {
		t.Fatalf("expected 40%% credit capture to miss 50%% target")
	}
	if !StopLossHitCredit(10, 32, 2.0) {
		t.Fatalf("expected a 220%% loss on credit to hit 200%% stop")
	}
	if StopLossHitCredit(10, 15, 2.0) {
		t.Fatalf("expected a 50%% loss on credit to miss 200%% stop")
	}
}
