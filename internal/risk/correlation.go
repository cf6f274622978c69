package risk

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// CorrelationGroup names a basket of correlated underlyings and its
// per-phase contract-count cap (§4.9 plugin 2).
type CorrelationGroup struct {
	Name       string
	Members    map[string]bool
	PhaseCaps  map[types.AccountPhase]int
}

// CorrelationPlugin rejects positions that would push a correlation
// group over its per-account-phase cap, and implements the absolute
// ShouldDefend(dte<=21) override (§4.9 plugin 2).
type CorrelationPlugin struct {
	mu     sync.Mutex
	groups []CorrelationGroup
	counts map[string]int // group name -> contracts currently allocated
}

// DefaultCorrelationGroups mirrors the groups named in spec.md §4.9:
// EquityIndex, Metals, Energy.
func DefaultCorrelationGroups() []CorrelationGroup {
	return []CorrelationGroup{
		{
			Name:      "EquityIndex",
			Members:   setOf("SPY", "QQQ", "ES", "MES", "IWM"),
			PhaseCaps: map[types.AccountPhase]int{types.Phase1: 2, types.Phase2: 4, types.Phase3: 6, types.Phase4: 10},
		},
		{
			Name:      "Metals",
			Members:   setOf("GLD", "SLV", "GC", "MGC"),
			PhaseCaps: map[types.AccountPhase]int{types.Phase1: 1, types.Phase2: 2, types.Phase3: 3, types.Phase4: 5},
		},
		{
			Name:      "Energy",
			Members:   setOf("USO", "CL", "MCL"),
			PhaseCaps: map[types.AccountPhase]int{types.Phase1: 1, types.Phase2: 2, types.Phase3: 3, types.Phase4: 4},
		},
	}
}

func setOf(symbols ...string) map[string]bool {
	m := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		m[s] = true
	}
	return m
}

// NewCorrelationPlugin constructs the plugin with the given groups.
func NewCorrelationPlugin(groups []CorrelationGroup) *CorrelationPlugin {
	return &CorrelationPlugin{groups: groups, counts: make(map[string]int)}
}

func (p *CorrelationPlugin) Name() string    { return "correlation" }
func (p *CorrelationPlugin) Version() string { return "1.0.0" }

func (p *CorrelationPlugin) Initialize(bus *events.EventBus) bool { return true }

func (p *CorrelationPlugin) groupFor(underlying string) *CorrelationGroup {
	for i := range p.groups {
		if p.groups[i].Members[underlying] {
			return &p.groups[i]
		}
	}
	return nil
}

// ShouldDefend returns true unconditionally when dte <= 21, regardless
// of other inputs (§4.9 plugin 2, absolute rule).
func (p *CorrelationPlugin) ShouldDefend(dte int) bool {
	return dte <= 21
}

func (p *CorrelationPlugin) CanOpenPosition(ctx PositionContext) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ShouldDefend(ctx.DTE) {
		return true, "" // defensive exits are never blocked by correlation caps
	}

	group := p.groupFor(ctx.Underlying)
	if group == nil {
		return true, ""
	}
	cap, ok := group.PhaseCaps[ctx.AccountPhase]
	if !ok {
		return true, ""
	}
	qty := ctx.Quantity
	if qty < 0 {
		qty = -qty
	}
	if p.counts[group.Name]+qty > cap {
		return false, fmt.Sprintf("correlation group %s would exceed phase cap (%d)", group.Name, cap)
	}
	return true, ""
}

func (p *CorrelationPlugin) OnPositionOpened(ctx PositionContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	group := p.groupFor(ctx.Underlying)
	if group == nil {
		return
	}
	qty := ctx.Quantity
	if qty < 0 {
		qty = -qty
	}
	p.counts[group.Name] += qty
}

func (p *CorrelationPlugin) OnPositionClosed(ctx PositionContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	group := p.groupFor(ctx.Underlying)
	if group == nil {
		return
	}
	qty := ctx.Quantity
	if qty < 0 {
		qty = -qty
	}
	p.counts[group.Name] -= qty
	if p.counts[group.Name] < 0 {
		p.counts[group.Name] = 0
	}
}

func (p *CorrelationPlugin) OnMarketData(symbol string, price float64) {}

// IsBreached reports whether any correlation group's current allocation
// exceeds even its most permissive (Phase4) cap -- a phase-independent
// signal for the state manager's global correlation-limit trigger
// (spec.md §4.8), distinct from CanOpenPosition's per-phase gate applied
// to new entries only.
func (p *CorrelationPlugin) IsBreached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		maxCap := 0
		for _, c := range g.PhaseCaps {
			if c > maxCap {
				maxCap = c
			}
		}
		if p.counts[g.Name] > maxCap {
			return true
		}
	}
	return false
}

func (p *CorrelationPlugin) PeriodicCheck() []types.RiskEvent { return nil }

func (p *CorrelationPlugin) GetRiskMetrics() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.counts))
	for k, v := range p.counts {
		out[k] = v
	}
	return out
}

func (p *CorrelationPlugin) Shutdown() {}
