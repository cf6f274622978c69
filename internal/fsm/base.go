package fsm

import (
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Context is the read/write scratch area a strategy's template methods
// operate on during one execute() call. It is NOT the cache or the
// position-state manager themselves -- those are reached through Host.
type Context struct {
	Now            time.Time
	Data           map[string]any
	EntryCredit    float64 // for credit strategies
	EntryDebit     float64 // for debit strategies
	CurrentCost    float64
	TargetProfit   float64 // fraction, e.g. 0.5
	StopLossFrac   float64 // fraction, e.g. 2.0 for 200%
	MinComponentDTE int
}

// ToMap adapts a Context to the map[string]any guard/callback shape the
// underlying Machine deals in.
func (c *Context) ToMap() map[string]any {
	return map[string]any{
		"now": c.Now, "data": c.Data,
		"entryCredit": c.EntryCredit, "entryDebit": c.EntryDebit,
		"currentCost": c.CurrentCost, "targetProfit": c.TargetProfit,
		"stopLossFrac": c.StopLossFrac, "minComponentDTE": c.MinComponentDTE,
	}
}

// Hooks are the template methods a concrete strategy must or may
// implement (§4.6). DefaultHooks gives every hook a sensible default;
// concrete strategies embed Base and override what they need.
type Hooks interface {
	CheckInitialization(ctx *Context) bool
	CheckEntryWindow(ctx *Context) bool
	AnalyzeMarket(ctx *Context) bool
	PrepareEntry(ctx *Context) bool
	CheckEntryConditions(ctx *Context) bool // MUST implement
	ExecuteEntry(ctx *Context) bool
	PlaceEntryOrders(ctx *Context) bool // MUST implement
	CheckPositionStatus(ctx *Context) bool
	ManagePosition(ctx *Context)
	AdjustPosition(ctx *Context)
	PrepareExit(ctx *Context) bool
	ExecuteExit(ctx *Context) bool
	PlaceExitOrders(ctx *Context) bool // MUST implement
	CleanupAfterClose(ctx *Context)
	HandleErrorState(ctx *Context)
	CheckSuspensionConditions(ctx *Context) bool
}

// Base provides the default template-method implementations and wires
// the FSM. Concrete strategies embed *Base and override the
// strategy-specific hooks (spec.md §4.6: "concrete strategies MUST
// implement CheckEntryConditions, PlaceEntryOrders, PlaceExitOrders;
// others have sensible defaults").
type Base struct {
	Machine *Machine
	Name    string
	logger  *zap.Logger

	// hooks is the concrete strategy embedding Base, consulted via the
	// Hooks interface for strategy-specific behaviour. Set via Init.
	hooks Hooks
}

// NewBase constructs a strategy base and its machine, adding the
// universal defensive-exit edge (DefensiveExitDTE fires from
// PositionOpen/Managing/Adjusting to Exiting, unconditionally -- it
// overrides margin pressure and correlation breach per spec.md §4.6).
func NewBase(name string, hooks Hooks, logger *zap.Logger) *Base {
	b := &Base{Name: name, hooks: hooks, logger: logger}
	b.Machine = NewMachine(name, logger)
	for _, from := range []types.StrategyState{types.StatePositionOpen, types.StateManaging, types.StateAdjusting} {
		b.Machine.AddTransition(from, types.TriggerDefensiveExitDTE, types.StateExiting, nil)
	}
	b.Machine.AddTransition(types.StateManaging, types.TriggerProfitTargetHit, types.StateExiting, nil)
	b.Machine.AddTransition(types.StateManaging, types.TriggerStopLossHit, types.StateExiting, nil)
	b.Machine.AddTransition(types.StateManaging, types.TriggerAdjustmentNeeded, types.StateAdjusting, nil)
	b.Machine.AddTransition(types.StateAdjusting, types.TriggerMarketOpen, types.StateManaging, nil)
	b.Machine.AddTransition(types.StateAnalyzing, types.TriggerEntryConditionsFailed, types.StateReady, nil)
	b.Machine.AddTransition(types.StateEntering, types.TriggerOrderRejected, types.StateReady, nil)
	// These two default to unconditional; state.Manager.RegisterStrategy
	// overrides both with a guard on this strategy's error count once the
	// machine is registered with the state manager (spec.md §3: Error
	// recoverable iff error count < 3), so a machine running outside that
	// registration (e.g. in a unit test) still gets a working, if
	// unlimited, recovery path.
	b.Machine.AddTransition(types.StateError, types.TriggerSystemError, types.StateReady, nil)
	b.Machine.AddTransition(types.StateSuspended, types.TriggerMarketOpen, types.StateReady, nil)
	return b
}

// MachineRef exposes the underlying machine, used by callers (e.g. the
// state manager, the observability dump endpoint) that need the FSM
// itself rather than the Strategy interface's Name()/Execute() surface.
func (b *Base) MachineRef() *Machine {
	return b.Machine
}

// EvaluateDefensiveExit implements the non-negotiable universal rule: if
// any short-option component is at or below 21 DTE, fire
// DefensiveExitDTE regardless of any other pending consideration
// (margin pressure, correlation breach). Returns true if it fired.
func (b *Base) EvaluateDefensiveExit(minShortOptionDTE int, ctx *Context) bool {
	const defensiveExitDTE = 21
	if minShortOptionDTE <= defensiveExitDTE {
		return b.Machine.Trigger(types.TriggerDefensiveExitDTE, ctx.ToMap())
	}
	return false
}

// ProfitTargetHitCredit implements the credit-strategy profit formula:
// (entryCredit - currentCost) / entryCredit >= targetProfit (§4.6).
func ProfitTargetHitCredit(entryCredit, currentCost, targetProfit float64) bool {
	if entryCredit == 0 {
		return false
	}
	return (entryCredit-currentCost)/entryCredit >= targetProfit
}

// StopLossHitCredit implements the credit-strategy stop formula:
// (currentCost - entryCredit) / entryCredit >= |stopLoss| (§4.6).
func StopLossHitCredit(entryCredit, currentCost, stopLossFrac float64) bool {
	if entryCredit == 0 {
		return false
	}
	frac := stopLossFrac
	if frac < 0 {
		frac = -frac
	}
	return (currentCost-entryCredit)/entryCredit >= frac
}

// Execute dispatches by current state to the appropriate template
// methods, mirroring the base execute() contract of spec.md §4.6. It
// returns the resulting state.
func (b *Base) Execute(ctx *Context) types.StrategyState {
	switch b.Machine.Current() {
	case types.StateInitializing:
		if b.hooks.CheckInitialization(ctx) {
			b.Machine.Trigger(types.TriggerMarketOpen, ctx.ToMap())
		}
	case types.StateReady:
		if b.hooks.CheckEntryWindow(ctx) {
			b.Machine.Trigger(types.TriggerTimeWindowStart, ctx.ToMap())
		}
	case types.StateAnalyzing:
		if b.hooks.AnalyzeMarket(ctx) && b.hooks.CheckEntryConditions(ctx) {
			b.Machine.Trigger(types.TriggerEntryConditionsMet, ctx.ToMap())
		} else {
			b.Machine.Trigger(types.TriggerEntryConditionsFailed, ctx.ToMap())
		}
	case types.StateEntering:
		if b.hooks.PrepareEntry(ctx) && b.hooks.ExecuteEntry(ctx) && b.hooks.PlaceEntryOrders(ctx) {
			b.Machine.Trigger(types.TriggerOrderFilled, ctx.ToMap())
		} else {
			b.Machine.Trigger(types.TriggerOrderRejected, ctx.ToMap())
		}
	case types.StatePositionOpen:
		if b.EvaluateDefensiveExit(ctx.MinComponentDTE, ctx) {
			break
		}
		b.Machine.Trigger(types.TriggerMarketOpen, ctx.ToMap())
	case types.StateManaging:
		if b.EvaluateDefensiveExit(ctx.MinComponentDTE, ctx) {
			break
		}
		if !b.hooks.CheckPositionStatus(ctx) {
			break
		}
		b.hooks.ManagePosition(ctx)
		if ProfitTargetHitCredit(ctx.EntryCredit, ctx.CurrentCost, ctx.TargetProfit) {
			b.Machine.Trigger(types.TriggerProfitTargetHit, ctx.ToMap())
		} else if StopLossHitCredit(ctx.EntryCredit, ctx.CurrentCost, ctx.StopLossFrac) {
			b.Machine.Trigger(types.TriggerStopLossHit, ctx.ToMap())
		}
	case types.StateAdjusting:
		b.hooks.AdjustPosition(ctx)
		b.Machine.Trigger(types.TriggerMarketOpen, ctx.ToMap())
	case types.StateExiting:
		if b.hooks.PrepareExit(ctx) && b.hooks.ExecuteExit(ctx) && b.hooks.PlaceExitOrders(ctx) {
			b.Machine.Trigger(types.TriggerOrderFilled, ctx.ToMap())
		}
	case types.StateClosed:
		b.hooks.CleanupAfterClose(ctx)
		b.Machine.Trigger(types.TriggerMarketOpen, ctx.ToMap())
	case types.StateError:
		b.hooks.HandleErrorState(ctx)
	case types.StateSuspended:
		if b.hooks.CheckSuspensionConditions(ctx) {
			b.Machine.Trigger(types.TriggerMarketOpen, ctx.ToMap())
		}
	}
	return b.Machine.Current()
}

// DefaultHooks gives every template method a passthrough/no-op default;
// concrete strategies embed DefaultHooks and override only what differs.
type DefaultHooks struct{}

func (DefaultHooks) CheckInitialization(ctx *Context) bool     { return true }
func (DefaultHooks) CheckEntryWindow(ctx *Context) bool        { return true }
func (DefaultHooks) AnalyzeMarket(ctx *Context) bool           { return true }
func (DefaultHooks) PrepareEntry(ctx *Context) bool            { return true }
func (DefaultHooks) CheckEntryConditions(ctx *Context) bool    { return false }
func (DefaultHooks) ExecuteEntry(ctx *Context) bool            { return true }
func (DefaultHooks) PlaceEntryOrders(ctx *Context) bool        { return false }
func (DefaultHooks) CheckPositionStatus(ctx *Context) bool     { return true }
func (DefaultHooks) ManagePosition(ctx *Context)               {}
func (DefaultHooks) AdjustPosition(ctx *Context)                {}
func (DefaultHooks) PrepareExit(ctx *Context) bool             { return true }
func (DefaultHooks) ExecuteExit(ctx *Context) bool             { return true }
func (DefaultHooks) PlaceExitOrders(ctx *Context) bool         { return false }
func (DefaultHooks) CleanupAfterClose(ctx *Context)             {}
func (DefaultHooks) HandleErrorState(ctx *Context)              {}
func (DefaultHooks) CheckSuspensionConditions(ctx *Context) bool { return true }
