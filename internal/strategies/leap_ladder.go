package strategies

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/executor"
	"github.com/atlas-desktop/trading-core/internal/fsm"
	"github.com/atlas-desktop/trading-core/internal/risk"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// LEAPLadder implements the quarterly laddered long-dated short-put
// strategy of spec.md §4.11: a ladder of short puts at escalating
// distances from spot (closest rung nearest the money, each further
// rung further OTM), each targeting 30% profit independently. Entered
// on a quarterly anchor day (CheckEntryWindow). Grounded on spec.md §4.11's
// strategy table and the teacher's/pack's general strategy idiom -- no
// dedicated original_source file for the LEAP put ladder was retrieved
// (only its sibling strategies' _with_state.py files were).
type LEAPLadder struct {
	*fsm.Base
	fsm.DefaultHooks
	deps Deps

	Underlying    string
	AnchorNth     int // e.g. 1 for "1st Friday" of each quarter-opening month
	AnchorWeekday time.Weekday
	RungDeltas    []float64 // escalating OTM distance per rung, e.g. [0.30, 0.20, 0.10]
	RungDTEYears  float64

	positionID string
}

// NewLEAPLadder constructs the strategy with a 3-rung ladder by default.
func NewLEAPLadder(underlying string, anchorNth int, anchorWeekday time.Weekday, deps Deps) *LEAPLadder {
	s := &LEAPLadder{
		deps:          deps,
		Underlying:    underlying,
		AnchorNth:     anchorNth,
		AnchorWeekday: anchorWeekday,
		RungDeltas:    []float64{0.30, 0.20, 0.10},
		RungDTEYears:  1.0,
	}
	s.Base = fsm.NewBase("leap_ladder_"+underlying, s, deps.Logger)
	return s
}

func (s *LEAPLadder) Execute(ctx *fsm.Context) string { return string(s.Base.Execute(ctx)) }

// CheckEntryWindow fires on the nth weekday of a quarter-opening month
// (Jan/Apr/Jul/Oct), implementing the strategy's quarterly cadence.
func (s *LEAPLadder) CheckEntryWindow(ctx *fsm.Context) bool {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	return isQuarterAnchorMonth(now) && nthWeekdayOfMonth(now, s.AnchorWeekday, s.AnchorNth)
}

func (s *LEAPLadder) CheckEntryConditions(ctx *fsm.Context) bool {
	spot, _ := ctx.Data["spot"].(float64)
	if spot <= 0 {
		return false
	}
	ok, reason := s.deps.Risk.CanOpenPosition(risk.PositionContext{
		Underlying:    s.Underlying,
		Quantity:      len(s.RungDeltas),
		DTE:           int(s.RungDTEYears * 365),
		Group:         "EquityIndex",
		IsShortOption: true,
		StrategyName:  s.Base.Name,
	})
	if !ok {
		s.deps.Logger.Info("leap ladder entry blocked by risk manager", zap.String("reason", reason))
		return false
	}
	return true
}

// PlaceEntryOrders lays one short put per rung, each at the same
// long-dated expiry but an escalating OTM distance.
func (s *LEAPLadder) PlaceEntryOrders(ctx *fsm.Context) bool {
	spot, _ := ctx.Data["spot"].(float64)
	if spot <= 0 {
		return false
	}
	expiry := nextExpiry(ctx.Now, int(s.RungDTEYears*365)-30, int(s.RungDTEYears*365)+30, time.Friday)

	var legs []executor.Leg
	var components []*types.PositionComponent
	for _, delta := range s.RungDeltas {
		strike := strikeForDelta(s.deps.Greeks, spot, types.Put, delta, expiry, ctx.Now, 5)
		contract := types.OptionContract{Underlying: s.Underlying, Strike: strike, Expiry: expiry, Right: types.Put, Multiplier: 100}
		qty := s.deps.sizedQty(s.Base.Name, -1)
		comp := &types.PositionComponent{ComponentID: uuid.New().String(), StrategyID: s.Base.Name, Underlying: s.Underlying, LegType: types.LegLaddered, Contract: contract, Quantity: qty, Status: types.ComponentPending}
		components = append(components, comp)
		legs = append(legs, executor.Leg{Symbol: occSymbol(s.Underlying, contract), SignedQty: qty})
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

	s.positionID = s.deps.Positions.OpenPosition(s.Base.Name, s.Underlying, components, map[string]any{"structure": "leap_put_ladder", "rungs": len(s.RungDeltas)})
	ctx.EntryCredit = netEntryCreditFromComponents(components)
	ctx.TargetProfit = 0.30
	ctx.MinComponentDTE = int(s.RungDTEYears * 365)
	return true
}

func (s *LEAPLadder) CheckPositionStatus(ctx *fsm.Context) bool {
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

// ManagePosition closes individual rungs once each independently hits
// its 30% profit target, rather than waiting for the whole ladder.
func (s *LEAPLadder) ManagePosition(ctx *fsm.Context) {
	if s.positionID == "" {
		return
	}
	pos, ok := s.deps.Positions.Get(s.positionID)
	if !ok {
		return
	}
	for _, c := range pos.Components {
		if c.Status == types.ComponentClosed {
			continue
		}
		entry, _ := c.EntryPrice.Float64()
		current, _ := c.CurrentPrice.Float64()
		if entry <= 0 {
			continue
		}
		capturedFrac := (entry - current) / entry
		if capturedFrac >= 0.30 {
			leg := executor.Leg{Symbol: occSymbol(s.Underlying, c.Contract), SignedQty: -c.Quantity}
			if s.deps.Executor.ExecuteAtomic(s.Base.Name, []executor.Leg{leg}, s.Base.Name+"-rung-close") {
				s.deps.Positions.CloseComponent(s.positionID, c.ComponentID)
			}
		}
	}
}

// PlaceExitOrders closes any rungs still open -- used for a full
// strategy-level exit (defensive DTE, emergency, suspension).
func (s *LEAPLadder) PlaceExitOrders(ctx *fsm.Context) bool {
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

func (s *LEAPLadder) CleanupAfterClose(ctx *fsm.Context) { s.positionID = "" }
