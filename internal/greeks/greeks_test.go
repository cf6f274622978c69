package greeks

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

func TestCallDeltaBetweenZeroAndOne(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop(), 0.04)
	c := types.OptionContract{
		Underlying: "SPY", Strike: decimalOf(450), Expiry: time.Now().Add(30 * 24 * time.Hour),
		Right: types.Call, Multiplier: 100,
	}
	g := svc.PerLeg(450, c, 0.20, time.Now())
	d, _ := g.Delta.Float64()
	if d <= 0 || d >= 1 {
		t.Fatalf("expected call delta in (0,1), got %v", d)
	}
}

func TestPutDeltaBetweenMinusOneAndZero(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop(), 0.04)
	c := types.OptionContract{
		Underlying: "SPY", Strike: decimalOf(450), Expiry: time.Now().Add(30 * 24 * time.Hour),
		Right: types.Put, Multiplier: 100,
	}
	g := svc.PerLeg(450, c, 0.20, time.Now())
	d, _ := g.Delta.Float64()
	if d >= 0 || d <= -1 {
		t.Fatalf("expected put delta in (-1,0), got %v", d)
	}
}

func TestShortLegNegatesGamma(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop(), 0.04)
	contract := types.OptionContract{
		Underlying: "SPY", Strike: decimalOf(450), Expiry: time.Now().Add(30 * 24 * time.Hour),
		Right: types.Call, Multiplier: 100,
	}
	long := &types.PositionComponent{Contract: contract, Quantity: 1}
	short := &types.PositionComponent{Contract: contract, Quantity: -1}

	gl := svc.SignedComponentGreeks(450, long, 0.20, time.Now())
	gs := svc.SignedComponentGreeks(450, short, 0.20, time.Now())

	if !gl.Gamma.Add(gs.Gamma).IsZero() {
		t.Fatalf("expected long/short gamma to cancel, got %v and %v", gl.Gamma, gs.Gamma)
	}
}

func TestInvalidInputsReturnZeroNotPanic(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop(), 0.04)
	g := svc.PerLeg(0, types.OptionContract{}, 0, time.Now())
	if !g.Delta.IsZero() {
		t.Fatalf("expected zero Greeks on invalid input")
	}
}

func TestPortfolioAggregateClassifiesRiskScore(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop(), 0.04)
	contract := types.OptionContract{
		Underlying: "SPY", Strike: decimalOf(450), Expiry: time.Now().Add(10 * 24 * time.Hour),
		Right: types.Put, Multiplier: 100,
	}
	pos := &types.MultiLegPosition{
		PositionID: "p1", Underlying: "SPY",
		Components: map[string]*types.PositionComponent{
			"c1": {ComponentID: "c1", Contract: contract, Quantity: -50, Status: types.ComponentOpen},
		},
		Order: []string{"c1"},
	}
	report := svc.PortfolioAggregate(map[string]float64{"SPY": 450}, map[string]float64{"c1": 0.20}, []*types.MultiLegPosition{pos}, time.Now())
	if _, ok := report.RiskScores["delta"]; !ok {
		t.Fatalf("expected a delta risk score to be present")
	}
}

func decimalOf(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
