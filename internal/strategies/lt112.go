package strategies

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/executor"
	"github.com/atlas-desktop/trading-core/internal/fsm"
	"github.com/atlas-desktop/trading-core/internal/risk"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// LT112 implements the "1-1-2" monthly put strategy of spec.md §4.11:
// one long debit put, one short debit put, and two short naked puts, all
// at the same ~100-120 DTE expiry, entered on the nth occurrence of a
// configured weekday each month (CheckEntryWindow). Targets 50% profit and a 21 DTE defensive exit (the
// latter enforced unconditionally by fsm.Base's universal rule).
// Grounded on spec.md §4.11's strategy table and the teacher's/pack's
// general strategy idiom -- no LT112-specific original_source file was
// retrieved, unlike the 0DTE/IPMCC/futures-strangle strategies.
type LT112 struct {
	*fsm.Base
	fsm.DefaultHooks
	deps Deps

	Underlying   string
	AnchorNth    int          // e.g. 1 for "1st Friday of the month"
	AnchorWeekday time.Weekday

	positionID string
}

// NewLT112 constructs the LT112 strategy against underlying (typically
// "SPX" or "SPY"), entering on the nth occurrence of weekday each month.
func NewLT112(underlying string, anchorNth int, anchorWeekday time.Weekday, deps Deps) *LT112 {
	s := &LT112{deps: deps, Underlying: underlying, AnchorNth: anchorNth, AnchorWeekday: anchorWeekday}
	s.Base = fsm.NewBase("lt112_"+underlying, s, deps.Logger)
	return s
}

func (s *LT112) Execute(ctx *fsm.Context) string { return string(s.Base.Execute(ctx)) }

func (s *LT112) CheckEntryWindow(ctx *fsm.Context) bool {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	return nthWeekdayOfMonth(now, s.AnchorWeekday, s.AnchorNth)
}

// CheckEntryConditions requires a spot price and risk approval for the
// combined short-put exposure at the nominal 112 DTE; no DTE window is
// checked here.
func (s *LT112) CheckEntryConditions(ctx *fsm.Context) bool {
	spot, _ := ctx.Data["spot"].(float64)
	if spot <= 0 {
		return false
	}
	ok, reason := s.deps.Risk.CanOpenPosition(risk.PositionContext{
		Underlying:    s.Underlying,
		Quantity:      4, // 1 long + 1 short debit + 2 naked
		DTE:           112,
		Group:         "EquityIndex",
		IsShortOption: true,
		StrategyName:  s.Base.Name,
	})
	if !ok {
		s.deps.Logger.Info("lt112 entry blocked by risk manager", zap.String("reason", reason))
		return false
	}
	return true
}

// PlaceEntryOrders builds the 1-1-2 structure: a long debit put, a
// short debit put 5-10 points below it, and two further-OTM naked short
// puts, all at the same DTE-112 expiry.
func (s *LT112) PlaceEntryOrders(ctx *fsm.Context) bool {
	spot, _ := ctx.Data["spot"].(float64)
	if spot <= 0 {
		return false
	}
	expiry := nextExpiry(ctx.Now, 100, 120, time.Friday)

	longDebitStrike := strikeForDelta(s.deps.Greeks, spot, types.Put, 0.30, expiry, ctx.Now, 1)
	shortDebitStrike := longDebitStrike.Sub(decimal.NewFromFloat(10))
	nakedStrike := strikeForDelta(s.deps.Greeks, spot, types.Put, 0.10, expiry, ctx.Now, 1)

	mk := func(strike decimal.Decimal, qty int, legType types.LegType) (*types.PositionComponent, executor.Leg) {
		c := types.OptionContract{Underlying: s.Underlying, Strike: strike, Expiry: expiry, Right: types.Put, Multiplier: 100}
		comp := &types.PositionComponent{ComponentID: uuid.New().String(), StrategyID: s.Base.Name, Underlying: s.Underlying, LegType: legType, Contract: c, Quantity: qty, Status: types.ComponentPending}
		return comp, executor.Leg{Symbol: occSymbol(s.Underlying, c), SignedQty: qty}
	}

	longComp, longLeg := mk(longDebitStrike, s.deps.sizedQty(s.Base.Name, 1), types.LegDebitLong)
	shortComp, shortLeg := mk(shortDebitStrike, s.deps.sizedQty(s.Base.Name, -1), types.LegDebitShort)
	naked1Comp, naked1Leg := mk(nakedStrike, s.deps.sizedQty(s.Base.Name, -1), types.LegNakedPut)
	naked2Comp, naked2Leg := mk(nakedStrike, s.deps.sizedQty(s.Base.Name, -1), types.LegNakedPut)
	naked2Comp.ComponentID = uuid.New().String() // distinct id from naked1

	legs := []executor.Leg{longLeg, shortLeg, naked1Leg, naked2Leg}
	components := []*types.PositionComponent{longComp, shortComp, naked1Comp, naked2Comp}

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

	s.positionID = s.deps.Positions.OpenPosition(s.Base.Name, s.Underlying, components, map[string]any{"structure": "1-1-2"})
	ctx.EntryCredit = netEntryCreditFromComponents(components)
	ctx.TargetProfit = 0.5
	ctx.StopLossFrac = 2.0
	ctx.MinComponentDTE = 112
	return true
}

func (s *LT112) CheckPositionStatus(ctx *fsm.Context) bool {
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

func (s *LT112) PlaceExitOrders(ctx *fsm.Context) bool {
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

func (s *LT112) CleanupAfterClose(ctx *fsm.Context) { s.positionID = "" }
