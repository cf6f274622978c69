// Package strategies holds the concrete strategy implementations of
// spec.md §4.11, each embedding fsm.Base and fsm.DefaultHooks and
// overriding CheckEntryConditions, PlaceEntryOrders and PlaceExitOrders
// per the FSM contract (spec.md §4.6). Grounded on
// original_source/TomKingTradingFramework/strategies/*_with_state.py for
// entry/exit semantics, expressed in the teacher's struct-plus-hooks
// idiom (internal/strategy/strategy.go's BaseStrategy) rather than
// translated from Python.
package strategies

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/coordinator"
	"github.com/atlas-desktop/trading-core/internal/executor"
	"github.com/atlas-desktop/trading-core/internal/greeks"
	"github.com/atlas-desktop/trading-core/internal/position"
	"github.com/atlas-desktop/trading-core/internal/risk"
	"github.com/atlas-desktop/trading-core/internal/sizing"
	"github.com/atlas-desktop/trading-core/internal/vix"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Deps bundles the tier 1-4 collaborators every concrete strategy needs
// (spec.md §4.10): the VIX manager, risk manager, strategy coordinator,
// atomic executor, position-state manager, Greeks service and position
// sizer, plus a named logger. Built once in cmd/core/main.go from the
// container's managers and handed to each strategy's constructor.
type Deps struct {
	VIX         *vix.Manager
	Risk        *risk.Manager
	Coordinator *coordinator.Coordinator
	Executor    *executor.Executor
	Positions   *position.Manager
	Greeks      *greeks.Service
	Sizer       *sizing.Sizer
	Logger      *zap.Logger
}

// sizedQty scales a unit leg quantity (as written into the strategy's
// literal entry structure, normally 1) by the position sizer's
// Kelly/VIX-regime-adjusted contract count (spec.md §4.11: "VIX-regime
// position size adjustment applied"). sign must be 1 or -1. A nil Sizer
// (e.g. in a unit test that doesn't construct one) passes the unit
// quantity through unchanged.
func (d Deps) sizedQty(strategyName string, sign int) int {
	if d.Sizer == nil {
		return sign
	}
	n := d.Sizer.Contracts(strategyName, 1)
	return sign * n
}

// expectedMove implements the Python source's expected-move formula,
// generalized from the 0DTE single-day case to an arbitrary DTE:
// price * (vix/100) * sqrt(dte/365).
func expectedMove(price, vixLevel float64, dte int) float64 {
	d := float64(dte)
	if d < 1 {
		d = 1
	}
	return price * (vixLevel / 100.0) * math.Sqrt(d/365.0)
}

// strikeForDelta searches round-dollar strikes around spot (in strikeStep
// increments) for the one whose Black-Scholes delta is closest to
// |targetDelta|, using the Greeks service's own fallback-IV model. Used
// by every short-premium strategy to pick delta-targeted strikes instead
// of hand-coded price offsets.
func strikeForDelta(svc *greeks.Service, spot float64, right types.OptionRight, targetDelta float64, expiry time.Time, asOf time.Time, strikeStep float64) decimal.Decimal {
	if strikeStep <= 0 {
		strikeStep = 1
	}
	want := math.Abs(targetDelta)
	best := spot
	bestDiff := math.MaxFloat64
	const searchRange = 60 // strikes each side of spot, at strikeStep apart

	for i := -searchRange; i <= searchRange; i++ {
		strike := roundTo(spot, strikeStep) + float64(i)*strikeStep
		if strike <= 0 {
			continue
		}
		contract := types.OptionContract{Strike: decimal.NewFromFloat(strike), Expiry: expiry, Right: right, Multiplier: 100}
		g := svc.PerLeg(spot, contract, 0, asOf)
		d, _ := g.Delta.Float64()
		diff := math.Abs(math.Abs(d) - want)
		if diff < bestDiff {
			bestDiff = diff
			best = strike
		}
	}
	return decimal.NewFromFloat(best)
}

func roundTo(v, step float64) float64 {
	return math.Round(v/step) * step
}

// netLiquidatingValue sums a strategy's own open components' current
// mark (quantity * currentPrice * multiplier), used as CurrentCost for
// the credit-strategy profit/stop formulas in fsm.Base.Execute.
func netLiquidatingValue(pos *types.MultiLegPosition) float64 {
	total := 0.0
	for _, c := range pos.Components {
		if c.Status == types.ComponentClosed || c.Status == types.ComponentCancelled {
			continue
		}
		price, _ := c.CurrentPrice.Float64()
		total += price * float64(c.Contract.Multiplier) * float64(abs(c.Quantity))
	}
	return total
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

// minShortDTE returns the minimum DTE across a position's open
// short-option components, used to drive the universal defensive-exit
// rule in fsm.Base.Execute.
func minShortDTE(pos *types.MultiLegPosition, asOf time.Time) int {
	min := -1
	for _, c := range pos.Components {
		if c.Quantity >= 0 || c.Status == types.ComponentClosed {
			continue
		}
		dte := c.Contract.DTE(asOf)
		if min == -1 || dte < min {
			min = dte
		}
	}
	if min == -1 {
		return 999
	}
	return min
}

// occSymbol renders an OCC-style option symbol (root, expiry, right,
// strike in mills) for use as the executor's broker-facing Leg.Symbol.
func occSymbol(underlying string, c types.OptionContract) string {
	right := "C"
	if c.Right == types.Put {
		right = "P"
	}
	strikeMills := c.Strike.Mul(decimal.NewFromInt(1000)).IntPart()
	return fmt.Sprintf("%s%s%s%08d", underlying, c.Expiry.Format("060102"), right, strikeMills)
}

// endOfDay returns 16:00 local on the given day, used as a 0DTE
// contract's expiry.
func endOfDay(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 16, 0, 0, 0, t.Location())
}

// netEntryCreditFromComponents sums signed entry marks (credit positive)
// from each component's EntryPrice before a position has been opened
// with the manager; a component with no EntryPrice set contributes zero.
func netEntryCreditFromComponents(components []*types.PositionComponent) float64 {
	total := 0.0
	for _, c := range components {
		price, _ := c.EntryPrice.Float64()
		total -= price * float64(c.Contract.Multiplier) * float64(c.Quantity)
	}
	return total
}

// closingLegs builds the opposing-side executor legs that flatten every
// open component of pos.
func closingLegs(pos *types.MultiLegPosition) []executor.Leg {
	var legs []executor.Leg
	for _, c := range pos.Components {
		if c.Status == types.ComponentClosed || c.Status == types.ComponentCancelled {
			continue
		}
		legs = append(legs, executor.Leg{Symbol: occSymbol(pos.Underlying, c.Contract), SignedQty: -c.Quantity})
	}
	return legs
}

// nthWeekdayOfMonth reports whether now falls on the nth occurrence of
// weekday within its calendar month (nth=1 for "first Friday"). Used for
// LT112's monthly anchor day and the LEAP ladder's quarterly
// anchor, since a standard cron expression can't express "Nth weekday of
// month" without its day-of-month/day-of-week OR-ambiguity.
func nthWeekdayOfMonth(now time.Time, weekday time.Weekday, nth int) bool {
	if now.Weekday() != weekday {
		return false
	}
	return (now.Day()-1)/7+1 == nth
}

// isQuarterAnchorMonth reports whether now's month starts a calendar
// quarter (Jan/Apr/Jul/Oct).
func isQuarterAnchorMonth(now time.Time) bool {
	switch now.Month() {
	case time.January, time.April, time.July, time.October:
		return true
	default:
		return false
	}
}

// nextExpiry returns 16:00 on the first date falling on weekday at least
// minDTE and at most maxDTE days out, or asOf+maxDTE if there is none.
func nextExpiry(asOf time.Time, minDTE, maxDTE int, weekday time.Weekday) time.Time {
	for d := minDTE; d <= maxDTE; d++ {
		candidate := asOf.AddDate(0, 0, d)
		if candidate.Weekday() == weekday {
			return time.Date(candidate.Year(), candidate.Month(), candidate.Day(), 16, 0, 0, 0, candidate.Location())
		}
	}
	return asOf.AddDate(0, 0, maxDTE)
}
