package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

func sampleContract(strike float64, right types.OptionRight, dte int) types.OptionContract {
	return types.OptionContract{
		Underlying: "SPY", Strike: decimal.NewFromFloat(strike),
		Expiry: time.Now().Add(time.Duration(dte) * 24 * time.Hour),
		Right:  right, Multiplier: 100,
	}
}

func twoLegPredicate(pos *types.MultiLegPosition) bool {
	return len(pos.Components) == 2
}

func TestOpenPositionBuildingUntilComplete(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	m := NewManager(bus, zap.NewNop())
	m.RegisterCompletePredicate("lt112", twoLegPredicate)

	c1 := &types.PositionComponent{Contract: sampleContract(440, types.Put, 112), Quantity: -1, Status: types.ComponentOpen}
	c2 := &types.PositionComponent{Contract: sampleContract(430, types.Put, 112), Quantity: 1, Status: types.ComponentOpen}
	id := m.OpenPosition("lt112", "SPY", []*types.PositionComponent{c1, c2}, nil)

	pos, ok := m.Get(id)
	if !ok {
		t.Fatalf("expected position to exist")
	}
	if pos.Status != types.PositionActive {
		t.Fatalf("expected Active once predicate satisfied, got %s", pos.Status)
	}
}

func TestCloseComponentTransitionsPartiallyClosedThenClosed(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	m := NewManager(bus, zap.NewNop())

	c1 := &types.PositionComponent{ComponentID: "c1", Contract: sampleContract(440, types.Put, 30), Quantity: -1, Status: types.ComponentOpen}
	c2 := &types.PositionComponent{ComponentID: "c2", Contract: sampleContract(430, types.Put, 30), Quantity: 1, Status: types.ComponentOpen}
	id := m.OpenPosition("strategy1", "SPY", []*types.PositionComponent{c1, c2}, nil)

	if err := m.CloseComponent(id, "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, _ := m.Get(id)
	if pos.Status != types.PositionPartiallyClosed {
		t.Fatalf("expected PartiallyClosed, got %s", pos.Status)
	}

	if err := m.CloseComponent(id, "c2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, _ = m.Get(id)
	if pos.Status != types.PositionClosed {
		t.Fatalf("expected Closed, got %s", pos.Status)
	}
}

func TestUpdatePricesRecomputesPnL(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	contract := sampleContract(440, types.Put, 30)
	c1 := &types.PositionComponent{ComponentID: "c1", Contract: contract, Quantity: -1, EntryPrice: decimal.NewFromFloat(5.0), Status: types.ComponentOpen}
	id := m.OpenPosition("s1", "SPY", []*types.PositionComponent{c1}, nil)

	key := contractKey(contract)
	m.UpdatePrices(map[string]float64{key: 3.0})

	pos, _ := m.Get(id)
	c := pos.Components["c1"]
	if !c.PnL.Equal(decimal.NewFromFloat(200)) {
		t.Fatalf("expected PnL 200 (short put, price dropped 2 * 100), got %v", c.PnL)
	}
}

func TestSyncWithBrokerReportsDiscrepancyWithoutMutating(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	contract := sampleContract(440, types.Put, 30)
	c1 := &types.PositionComponent{ComponentID: "c1", Contract: contract, Quantity: -2, Status: types.ComponentOpen}
	id := m.OpenPosition("s1", "SPY", []*types.PositionComponent{c1}, nil)

	key := contractKey(contract)
	discrepancies := m.SyncWithBroker(map[string]types.Holding{
		key: {Symbol: key, Quantity: decimal.NewFromInt(-1)},
	})
	if len(discrepancies) != 1 {
		t.Fatalf("expected one discrepancy, got %d", len(discrepancies))
	}

	pos, _ := m.Get(id)
	if pos.Components["c1"].Quantity != -2 {
		t.Fatalf("sync must never auto-correct tracked quantity")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	c1 := &types.PositionComponent{Contract: sampleContract(440, types.Put, 30), Quantity: -1, Status: types.ComponentOpen}
	id := m.OpenPosition("s1", "SPY", []*types.PositionComponent{c1}, map[string]any{"note": "entry"})

	data, err := m.SerializeState()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	restored := NewManager(nil, zap.NewNop())
	if err := restored.DeserializeState(data); err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	pos, ok := restored.Get(id)
	if !ok {
		t.Fatalf("expected restored position %s to exist", id)
	}
	if pos.StrategyID != "s1" || len(pos.Components) != 1 {
		t.Fatalf("round trip lost state: %+v", pos)
	}
}

func TestInvestedOptionsFingerprintChangesOnNewPosition(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	fp1 := m.InvestedOptionsFingerprint()

	c1 := &types.PositionComponent{Contract: sampleContract(440, types.Put, 30), Quantity: -1, Status: types.ComponentOpen}
	m.OpenPosition("s1", "SPY", []*types.PositionComponent{c1}, nil)
	fp2 := m.InvestedOptionsFingerprint()

	if fp1 == fp2 {
		t.Fatalf("expected fingerprint to change after opening a position")
	}
}
