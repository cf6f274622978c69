package state

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/fsm"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

type fakeHours struct{ open bool }

func (f fakeHours) IsMarketOpen(symbol string) bool { return f.open }

type fakePersistence struct {
	store map[string][]byte
}

func newFakePersistence() *fakePersistence { return &fakePersistence{store: make(map[string][]byte)} }
func (f *fakePersistence) Has(key string) bool             { _, ok := f.store[key]; return ok }
func (f *fakePersistence) Read(key string) ([]byte, error) { return f.store[key], nil }
func (f *fakePersistence) Save(key string, data []byte) error {
	f.store[key] = data
	return nil
}

func TestUpdateSystemStateDrivesMarketOpenTrigger(t *testing.T) {
	m := New(fakeHours{open: true}, GlobalChecks{}, nil, nil, time.Minute, zap.NewNop())
	mach := fsm.NewMachine("s1", zap.NewNop())
	mach.Trigger(types.TriggerMarketOpen, nil) // Initializing -> Ready

	m.RegisterStrategy("s1", mach, func() bool { return false })
	next := m.UpdateSystemState("SPY")

	if next != types.SystemMarketOpen {
		t.Fatalf("expected SystemMarketOpen, got %s", next)
	}
	if mach.Current() != types.StateAnalyzing {
		t.Fatalf("expected strategy to advance to Analyzing via driven MarketOpen, got %s", mach.Current())
	}
}

func TestEmergencyDrivesExitOnlyForOpenPositions(t *testing.T) {
	m := New(fakeHours{open: false}, GlobalChecks{}, nil, nil, time.Minute, zap.NewNop())
	machWithPos := fsm.NewMachine("withpos", zap.NewNop())
	machNoPos := fsm.NewMachine("nopos", zap.NewNop())

	m.RegisterStrategy("withpos", machWithPos, func() bool { return true })
	m.RegisterStrategy("nopos", machNoPos, func() bool { return false })

	m.mu.Lock()
	m.emergencyMode = true
	m.mu.Unlock()
	m.UpdateSystemState("SPY")

	if machWithPos.Current() != types.StateSuspended {
		t.Fatalf("expected strategy with open positions to receive EmergencyExit, got %s", machWithPos.Current())
	}
	if machNoPos.Current() != types.StateInitializing {
		t.Fatalf("expected strategy without open positions to be left alone, got %s", machNoPos.Current())
	}
}

func TestGlobalTriggerChecksBroadcastVIXSpike(t *testing.T) {
	m := New(fakeHours{}, GlobalChecks{CurrentVIX: func() float64 { return 40 }}, nil, nil, time.Minute, zap.NewNop())
	mach := fsm.NewMachine("s1", zap.NewNop())
	m.RegisterStrategy("s1", mach, func() bool { return false })

	m.RunGlobalTriggerChecks()
	if mach.Current() != types.StateSuspended {
		t.Fatalf("expected VIXSpike broadcast to suspend strategy, got %s", mach.Current())
	}
}

func TestHaltAllTradingSetsHaltedAndEmergency(t *testing.T) {
	m := New(fakeHours{}, GlobalChecks{}, nil, nil, time.Minute, zap.NewNop())
	m.HaltAllTrading("test halt")
	if m.System() != types.SystemHalted {
		t.Fatalf("expected Halted, got %s", m.System())
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	p := newFakePersistence()
	m := New(fakeHours{}, GlobalChecks{}, nil, p, 0, zap.NewNop())
	mach := fsm.NewMachine("s1", zap.NewNop())
	m.RegisterStrategy("s1", mach, func() bool { return false })
	m.HaltAllTrading("save test")

	if err := m.SaveAllStates(); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	m2 := New(fakeHours{}, GlobalChecks{}, nil, p, 0, zap.NewNop())
	if err := m2.LoadAllStates(); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if m2.System() != types.SystemHalted {
		t.Fatalf("expected restored Halted state, got %s", m2.System())
	}
}
