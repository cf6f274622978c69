package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// allocation is one strategy's claim on SPY/ES-facing delta and
// contract-count budget.
type allocation struct {
	delta        float64
	contracts    int
	lastActivity time.Time
}

// ConcentrationPlugin is the SPY/ES-facing delta and contract-count
// gatekeeper (§4.9 plugin 3): strategies must explicitly request and
// release allocations; stale allocations from crashed/inactive
// strategies are reclaimed periodically.
type ConcentrationPlugin struct {
	mu sync.Mutex

	maxTotalDelta     float64
	maxTotalContracts int
	staleAfter        time.Duration

	allocations map[string]*allocation // strategy name -> allocation
}

// NewConcentrationPlugin constructs the plugin with aggregate caps.
func NewConcentrationPlugin(maxTotalDelta float64, maxTotalContracts int, staleAfter time.Duration) *ConcentrationPlugin {
	return &ConcentrationPlugin{
		maxTotalDelta:     maxTotalDelta,
		maxTotalContracts: maxTotalContracts,
		staleAfter:        staleAfter,
		allocations:       make(map[string]*allocation),
	}
}

func (p *ConcentrationPlugin) Name() string    { return "concentration" }
func (p *ConcentrationPlugin) Version() string { return "1.0.0" }

func (p *ConcentrationPlugin) Initialize(bus *events.EventBus) bool { return true }

func (p *ConcentrationPlugin) isSPYESFacing(underlying string) bool {
	switch underlying {
	case "SPY", "ES", "MES", "SPX", "XSP":
		return true
	default:
		return false
	}
}

func (p *ConcentrationPlugin) totalsLocked() (float64, int) {
	var delta float64
	var contracts int
	for _, a := range p.allocations {
		delta += a.delta
		contracts += a.contracts
	}
	return delta, contracts
}

// RequestAllocation is the plugin's namesake operation (§4.9): approves
// or rejects a strategy's claim on delta/contract budget.
func (p *ConcentrationPlugin) RequestAllocation(strategy string, delta float64, contracts int) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	curDelta, curContracts := p.totalsLocked()
	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}
	if curDelta+absDelta > p.maxTotalDelta {
		return false, fmt.Sprintf("would exceed max total delta %.1f", p.maxTotalDelta)
	}
	if curContracts+contracts > p.maxTotalContracts {
		return false, fmt.Sprintf("would exceed max total contracts %d", p.maxTotalContracts)
	}

	a, ok := p.allocations[strategy]
	if !ok {
		a = &allocation{}
		p.allocations[strategy] = a
	}
	a.delta += absDelta
	a.contracts += contracts
	a.lastActivity = time.Now()
	return true, ""
}

// ReleaseAllocation relinquishes a strategy's allocation (must be called
// explicitly on exit; otherwise it is reclaimed by the stale sweep).
func (p *ConcentrationPlugin) ReleaseAllocation(strategy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocations, strategy)
}

func (p *ConcentrationPlugin) CanOpenPosition(ctx PositionContext) (bool, string) {
	if !p.isSPYESFacing(ctx.Underlying) {
		return true, ""
	}
	return p.RequestAllocation(ctx.StrategyName, ctx.Delta, ctx.Quantity)
}

func (p *ConcentrationPlugin) OnPositionOpened(ctx PositionContext) {}

func (p *ConcentrationPlugin) OnPositionClosed(ctx PositionContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.allocations[ctx.StrategyName]
	if !ok {
		return
	}
	a.delta -= ctx.Delta
	if a.delta < 0 {
		a.delta = 0
	}
	a.contracts -= ctx.Quantity
	if a.contracts < 0 {
		a.contracts = 0
	}
}

func (p *ConcentrationPlugin) OnMarketData(symbol string, price float64) {}

// PeriodicCheck reclaims allocations from strategies inactive longer
// than staleAfter (crashed or never-released) and emits a Warning event
// per reclaim (§4.9).
func (p *ConcentrationPlugin) PeriodicCheck() []types.RiskEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reclaimed []types.RiskEvent
	now := time.Now()
	for name, a := range p.allocations {
		if now.Sub(a.lastActivity) > p.staleAfter {
			delete(p.allocations, name)
			reclaimed = append(reclaimed, types.RiskEvent{
				Kind:      types.ConcentrationLimitExceeded,
				Level:     types.RiskWarning,
				Message:   fmt.Sprintf("reclaimed stale allocation from %s", name),
				Timestamp: now,
			})
		}
	}
	return reclaimed
}

func (p *ConcentrationPlugin) GetRiskMetrics() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	delta, contracts := p.totalsLocked()
	return map[string]any{"totalDelta": delta, "totalContracts": contracts, "strategies": len(p.allocations)}
}

func (p *ConcentrationPlugin) Shutdown() {}
