package strategies

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/executor"
	"github.com/atlas-desktop/trading-core/internal/fsm"
	"github.com/atlas-desktop/trading-core/internal/risk"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// ZeroDTE implements the Friday 0DTE index strategy (spec.md §4.11),
// grounded on original_source/TomKingTradingFramework/strategies/
// friday_0dte_with_state.py: enters after 10:30 local on Fridays when
// VIX > 22, classifies the pre-10:30 move and chooses an iron condor,
// a put-side condor or a call-side condor accordingly, with 0.16-delta short strikes and 0.05-delta long
// strikes, targeting 50% profit / 200% stop / a 3:30pm hard exit.
type ZeroDTE struct {
	*fsm.Base
	fsm.DefaultHooks
	deps Deps

	Underlying  string
	ShortDelta  float64
	LongDelta   float64
	WidthPts    float64

	morningOpen      decimal.Decimal
	morningMoveKnown bool
	bias             string // "neutral", "bullish", "bearish"
	positionID       string
}

// NewZeroDTE constructs the 0DTE index strategy against underlying
// (typically "SPX" or "SPY").
func NewZeroDTE(underlying string, deps Deps) *ZeroDTE {
	s := &ZeroDTE{
		deps:       deps,
		Underlying: underlying,
		ShortDelta: 0.16,
		LongDelta:  0.05,
		WidthPts:   5,
	}
	s.Base = fsm.NewBase("zero_dte_"+underlying, s, deps.Logger)
	return s
}

func (s *ZeroDTE) Execute(ctx *fsm.Context) string {
	return string(s.Base.Execute(ctx))
}

// CheckEntryWindow restricts analysis to Fridays after 10:30 local.
func (s *ZeroDTE) CheckEntryWindow(ctx *fsm.Context) bool {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	if now.Weekday() != time.Friday {
		return false
	}
	return now.Hour() > 10 || (now.Hour() == 10 && now.Minute() >= 30)
}

// AnalyzeMarket captures the 9:30 open print (if not yet captured this
// session) and classifies the pre-10:30 move into a directional bias,
// mirroring classify_morning_move in the Python source.
func (s *ZeroDTE) AnalyzeMarket(ctx *fsm.Context) bool {
	spot, ok := ctx.Data["spot"].(float64)
	if !ok || spot <= 0 {
		return false
	}
	open, hasOpen := ctx.Data["openPrice"].(float64)
	if !hasOpen || open <= 0 {
		return false
	}
	s.morningOpen = decimal.NewFromFloat(open)
	s.morningMoveKnown = true

	movePct := (spot - open) / open
	threshold := 0.005
	if buf, ok := ctx.Data["priceBuffer"].([]float64); ok {
		if t, ok2 := morningMoveThreshold(buf); ok2 {
			threshold = t
		}
	}
	switch {
	case movePct > threshold:
		s.bias = "bullish"
	case movePct < -threshold:
		s.bias = "bearish"
	default:
		s.bias = "neutral"
	}
	return true
}

// morningMoveThreshold derives a volatility-scaled bias threshold from
// the recent intraday price buffer, using talib's rolling standard
// deviation in place of the Python source's fixed 0.5% cutoff: a
// calmer tape biases toward "neutral" (iron condor) more readily, a
// choppier one requires a larger move before committing to a
// directional skew.
func morningMoveThreshold(prices []float64) (float64, bool) {
	const period = 14
	if len(prices) < period+1 {
		return 0, false
	}
	sma := talib.Sma(prices, period)
	stddev := talib.StdDev(prices, period, 1.0)
	last := len(prices) - 1
	avg := sma[last]
	sd := stddev[last]
	if avg <= 0 {
		return 0, false
	}
	// half a recent standard deviation, expressed as a fraction of price
	t := 0.5 * (sd / avg)
	if t < 0.002 {
		t = 0.002
	}
	if t > 0.02 {
		t = 0.02
	}
	return t, true
}

// CheckEntryConditions requires a classified morning move, VIX above the
// 0DTE threshold, a tradable 0DTE regime and risk-manager approval. It
// does not check for an existing open 0DTE position.
func (s *ZeroDTE) CheckEntryConditions(ctx *fsm.Context) bool {
	if !s.morningMoveKnown {
		return false
	}
	const vixThreshold = 22.0 // spec.md §4.11; the Python source's "12" is a diagnostic override, not the production threshold
	if s.deps.VIX.CurrentVIX() <= vixThreshold {
		return false
	}
	if !s.deps.VIX.ZeroDTETradable() {
		return false
	}

	ok, reason := s.deps.Risk.CanOpenPosition(risk.PositionContext{
		Underlying:    s.Underlying,
		Quantity:      1,
		DTE:           0,
		Delta:         s.ShortDelta,
		Group:         "EquityIndex",
		IsShortOption: true,
		StrategyName:  s.Base.Name,
	})
	if !ok {
		s.deps.Logger.Info("0DTE entry blocked by risk manager", zap.String("reason", reason))
		return false
	}
	return true
}

// PlaceEntryOrders builds the condor structure selected by the morning
// move and submits it through the atomic executor, then registers the
// resulting position with the position-state manager.
func (s *ZeroDTE) PlaceEntryOrders(ctx *fsm.Context) bool {
	spot, _ := ctx.Data["spot"].(float64)
	if spot <= 0 {
		return false
	}
	expiry := endOfDay(ctx.Now)

	legs, components := s.buildStructure(spot, expiry)
	if len(legs) == 0 {
		return false
	}

	placed := false
	s.deps.Coordinator.RequestExecution(s.Base.Name, true, func() error {
		placed = s.deps.Executor.ExecuteAtomic(s.Base.Name, legs, s.Base.Name+"-entry")
		if !placed {
			return fmt.Errorf("atomic execution failed")
		}
		return nil
	})
	if !placed {
		return false
	}

	s.positionID = s.deps.Positions.OpenPosition(s.Base.Name, s.Underlying, components, map[string]any{
		"bias": s.bias, "structure": s.structureName(),
	})
	ctx.EntryCredit = netEntryCreditFromComponents(components)
	ctx.TargetProfit = 0.5
	ctx.StopLossFrac = 2.0
	ctx.MinComponentDTE = 0
	return true
}

// structureName mirrors determine_0dte_structure: the morning-move bias
// decides whether the condor is symmetric, put-side only or call-side
// only.
func (s *ZeroDTE) structureName() string {
	switch s.bias {
	case "bullish":
		return "put_side_condor" // fade an up-move by selling the put side
	case "bearish":
		return "call_side_condor" // fade a down-move by selling the call side
	default:
		return "iron_condor"
	}
}

// buildStructure selects delta-targeted strikes and $5-wide spreads per
// the chosen structure, returning both the executor legs and the
// position components that will represent them.
func (s *ZeroDTE) buildStructure(spot float64, expiry time.Time) ([]executor.Leg, []*types.PositionComponent) {
	strikeAt := func(right types.OptionRight, delta float64) decimal.Decimal {
		return strikeForDelta(s.deps.Greeks, spot, right, delta, expiry, time.Now(), 1)
	}
	minWidth := decimal.NewFromFloat(s.WidthPts)

	var legs []executor.Leg
	var comps []*types.PositionComponent

	// addSpread picks the short strike at ShortDelta and the long
	// (protective) strike at LongDelta; if the two land closer together
	// than WidthPts (a flat skew), the long strike is pushed out to the
	// minimum $5 width instead, mirroring the Python source's
	// target_delta/protective_delta pair.
	addSpread := func(right types.OptionRight, shortStrike decimal.Decimal, longOffsetSign int, shortLegType, longLegType types.LegType) {
		longStrike := strikeAt(right, s.LongDelta)
		minLongStrike := shortStrike.Add(minWidth.Mul(decimal.NewFromFloat(float64(longOffsetSign))))
		if longOffsetSign > 0 && longStrike.LessThan(minLongStrike) {
			longStrike = minLongStrike
		} else if longOffsetSign < 0 && longStrike.GreaterThan(minLongStrike) {
			longStrike = minLongStrike
		}
		shortContract := types.OptionContract{Underlying: s.Underlying, Strike: shortStrike, Expiry: expiry, Right: right, Multiplier: 100}
		longContract := types.OptionContract{Underlying: s.Underlying, Strike: longStrike, Expiry: expiry, Right: right, Multiplier: 100}

		shortQty := s.deps.sizedQty(s.Base.Name, -1)
		longQty := s.deps.sizedQty(s.Base.Name, 1)
		legs = append(legs, executor.Leg{Symbol: occSymbol(s.Underlying, shortContract), SignedQty: shortQty})
		legs = append(legs, executor.Leg{Symbol: occSymbol(s.Underlying, longContract), SignedQty: longQty})

		comps = append(comps,
			&types.PositionComponent{ComponentID: uuid.New().String(), StrategyID: s.Base.Name, Underlying: s.Underlying, LegType: shortLegType, Contract: shortContract, Quantity: shortQty, Status: types.ComponentPending},
			&types.PositionComponent{ComponentID: uuid.New().String(), StrategyID: s.Base.Name, Underlying: s.Underlying, LegType: longLegType, Contract: longContract, Quantity: longQty, Status: types.ComponentPending},
		)
	}

	switch s.structureName() {
	case "put_side_condor":
		addSpread(types.Put, strikeAt(types.Put, s.ShortDelta), -1, types.LegShortPut, types.LegLongPut)
	case "call_side_condor":
		addSpread(types.Call, strikeAt(types.Call, s.ShortDelta), 1, types.LegShortCall, types.LegLongCall)
	default: // iron_condor
		addSpread(types.Put, strikeAt(types.Put, s.ShortDelta), -1, types.LegShortPut, types.LegLongPut)
		addSpread(types.Call, strikeAt(types.Call, s.ShortDelta), 1, types.LegShortCall, types.LegLongCall)
	}
	return legs, comps
}

// CheckPositionStatus refreshes current marks used by the FSM's
// profit/stop formulas.
func (s *ZeroDTE) CheckPositionStatus(ctx *fsm.Context) bool {
	if s.positionID == "" {
		return false
	}
	pos, ok := s.deps.Positions.Get(s.positionID)
	if !ok {
		return false
	}
	ctx.CurrentCost = netLiquidatingValue(pos)
	ctx.MinComponentDTE = minShortDTE(pos, ctx.Now)
	return true
}

// ManagePosition enforces the 3:30pm hard exit regardless of profit/stop
// state, firing the time-window-end trigger via the shared machine.
func (s *ZeroDTE) ManagePosition(ctx *fsm.Context) {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	if now.Hour() > 15 || (now.Hour() == 15 && now.Minute() >= 30) {
		s.Base.Machine.Trigger(types.TriggerTimeWindowEnd, ctx.ToMap())
	}
}

// PlaceExitOrders closes every open component with opposing market
// orders through the atomic executor.
func (s *ZeroDTE) PlaceExitOrders(ctx *fsm.Context) bool {
	if s.positionID == "" {
		return true
	}
	pos, ok := s.deps.Positions.Get(s.positionID)
	if !ok {
		return true
	}
	legs := closingLegs(pos)
	if len(legs) == 0 {
		return true
	}
	ok2 := s.deps.Executor.ExecuteAtomic(s.Base.Name, legs, s.Base.Name+"-exit")
	if ok2 {
		s.deps.Positions.ClosePosition(s.positionID)
	}
	return ok2
}

func (s *ZeroDTE) CleanupAfterClose(ctx *fsm.Context) {
	s.positionID = ""
	s.morningMoveKnown = false
	s.bias = ""
}
