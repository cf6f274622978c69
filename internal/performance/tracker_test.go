package performance

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
)

type fakeRecorder struct {
	calls []struct {
		strategy string
		won      bool
		pnlPct   float64
	}
}

func (f *fakeRecorder) RecordResult(strategyName string, won bool, pnlPct float64) {
	f.calls = append(f.calls, struct {
		strategy string
		won      bool
		pnlPct   float64
	}{strategyName, won, pnlPct})
}

func TestSnapshotMissingStrategyReturnsFalse(t *testing.T) {
	tr := New(events.NewEventBus(zap.NewNop()), nil, zap.NewNop())
	if _, ok := tr.Snapshot("zerodte"); ok {
		t.Fatalf("expected no snapshot before any closed trade")
	}
}

func TestPositionClosedEventAccumulatesHistory(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	rec := &fakeRecorder{}
	tr := New(bus, rec, zap.NewNop())

	bus.Publish(events.PositionClosed, map[string]any{"strategyId": "zerodte", "realizedPnl": 120.0}, "position_manager")
	bus.Publish(events.PositionClosed, map[string]any{"strategyId": "zerodte", "realizedPnl": -40.0}, "position_manager")

	m, ok := tr.Snapshot("zerodte")
	if !ok {
		t.Fatalf("expected a snapshot after two closed trades")
	}
	if m.TradeCount != 2 {
		t.Fatalf("expected 2 trades, got %d", m.TradeCount)
	}
	if !m.TotalPnL.Equal(decimal.NewFromFloat(80.0)) {
		t.Fatalf("expected total pnl 80, got %s", m.TotalPnL.String())
	}
	if len(rec.calls) != 2 {
		t.Fatalf("expected sizer to be notified twice, got %d", len(rec.calls))
	}
	if rec.calls[0].won != true || rec.calls[1].won != false {
		t.Fatalf("expected win/loss flags to follow sign of realized pnl")
	}
}

func TestAllOmitsStrategiesWithNoHistory(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	tr := New(bus, nil, zap.NewNop())
	bus.Publish(events.PositionClosed, map[string]any{"strategyId": "lt112", "realizedPnl": 10.0}, "position_manager")

	all := tr.All()
	if _, ok := all["lt112"]; !ok {
		t.Fatalf("expected lt112 in All() after a closed trade")
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one tracked strategy, got %d", len(all))
	}
}

func TestMissingStrategyIDIsIgnored(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	tr := New(bus, nil, zap.NewNop())
	bus.Publish(events.PositionClosed, map[string]any{"realizedPnl": 10.0}, "position_manager")
	if len(tr.All()) != 0 {
		t.Fatalf("expected event with no strategyId to be ignored")
	}
}
