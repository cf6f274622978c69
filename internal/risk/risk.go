// Package risk implements the unified risk manager and its plugin
// architecture (spec.md §4.9): the authoritative go/no-go oracle for
// every position attempt, and a reactive source of emergency events.
// Grounded on the teacher's internal/execution/risk_manager.go
// (RiskConfig/RiskViolation/RiskEvent idiom), restructured around a
// plugin interface with unanimous-vote semantics instead of a single
// monolithic rule set.
package risk

import (
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// PositionContext carries what a plugin needs to vote on a candidate
// position (§4.9).
type PositionContext struct {
	Underlying     string
	Quantity       int
	DTE            int
	Delta          float64
	Group          string // correlation group, e.g. "EquityIndex"
	AccountPhase   types.AccountPhase
	IsShortOption  bool
	StrategyName   string
}

// Plugin is the risk-plugin contract (§4.9): every plugin exposes name,
// version, lifecycle hooks, and a vote on whether a position may open.
type Plugin interface {
	Name() string
	Version() string
	Initialize(bus *events.EventBus) bool
	CanOpenPosition(ctx PositionContext) (bool, string)
	OnPositionOpened(ctx PositionContext)
	OnPositionClosed(ctx PositionContext)
	OnMarketData(symbol string, price float64)
	PeriodicCheck() []types.RiskEvent
	GetRiskMetrics() map[string]any
	Shutdown()
}

type pluginState struct {
	plugin   Plugin
	errors   int
	disabled bool
}

const maxPluginErrors = 10

// Manager is the unified risk manager (tier 3, spec.md §4.10).
type Manager struct {
	mu            sync.Mutex
	plugins       []*pluginState
	bus           *events.EventBus
	logger        *zap.Logger
	emergencyMode bool
}

// NewManager constructs an empty risk manager.
func NewManager(bus *events.EventBus, logger *zap.Logger) *Manager {
	return &Manager{bus: bus, logger: logger}
}

// RegisterPlugin initializes and adds a plugin.
func (m *Manager) RegisterPlugin(p Plugin) bool {
	if !p.Initialize(m.bus) {
		if m.logger != nil {
			m.logger.Error("plugin failed to initialize", zap.String("plugin", p.Name()))
		}
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins = append(m.plugins, &pluginState{plugin: p})
	return true
}

func (m *Manager) guardedVote(ps *pluginState, ctx PositionContext) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.bumpError(ps)
			ok, reason = false, "plugin panicked"
		}
	}()
	if ps.disabled {
		return false, "plugin disabled"
	}
	allowed, why := ps.plugin.CanOpenPosition(ctx)
	if !allowed && why == "" {
		why = "rejected"
	}
	return allowed, why
}

func (m *Manager) bumpError(ps *pluginState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps.errors++
	if ps.errors >= maxPluginErrors {
		ps.disabled = true
		if m.logger != nil {
			m.logger.Warn("plugin disabled after repeated errors", zap.String("plugin", ps.plugin.Name()))
		}
	}
}

// CanOpenPosition implements the unanimous-vote rule: true iff every
// plugin votes true; the first false reply is final and propagated with
// its reason (§4.9).
func (m *Manager) CanOpenPosition(ctx PositionContext) (bool, string) {
	m.mu.Lock()
	plugins := append([]*pluginState(nil), m.plugins...)
	m.mu.Unlock()

	for _, ps := range plugins {
		ok, reason := m.guardedVote(ps, ctx)
		if !ok {
			return false, reason
		}
	}
	return true, ""
}

// OnPositionOpened notifies every plugin; a panicking plugin is
// error-counted, never propagated.
func (m *Manager) OnPositionOpened(ctx PositionContext) {
	m.mu.Lock()
	plugins := append([]*pluginState(nil), m.plugins...)
	m.mu.Unlock()
	for _, ps := range plugins {
		m.safely(ps, func() { ps.plugin.OnPositionOpened(ctx) })
	}
}

// OnPositionClosed notifies every plugin.
func (m *Manager) OnPositionClosed(ctx PositionContext) {
	m.mu.Lock()
	plugins := append([]*pluginState(nil), m.plugins...)
	m.mu.Unlock()
	for _, ps := range plugins {
		m.safely(ps, func() { ps.plugin.OnPositionClosed(ctx) })
	}
}

// OnMarketData notifies every plugin of a price update.
func (m *Manager) OnMarketData(symbol string, price float64) {
	m.mu.Lock()
	plugins := append([]*pluginState(nil), m.plugins...)
	m.mu.Unlock()
	for _, ps := range plugins {
		m.safely(ps, func() { ps.plugin.OnMarketData(symbol, price) })
	}
}

func (m *Manager) safely(ps *pluginState, fn func()) {
	if ps.disabled {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.bumpError(ps)
		}
	}()
	fn()
}

// PerformPeriodicChecks runs every plugin's periodic check, publishing
// any Emergency-level events and triggering emergency handling (§4.9).
func (m *Manager) PerformPeriodicChecks() []types.RiskEvent {
	m.mu.Lock()
	plugins := append([]*pluginState(nil), m.plugins...)
	m.mu.Unlock()

	var all []types.RiskEvent
	for _, ps := range plugins {
		if ps.disabled {
			continue
		}
		var events []types.RiskEvent
		m.safely(ps, func() { events = ps.plugin.PeriodicCheck() })
		all = append(all, events...)
	}
	for _, ev := range all {
		if ev.Level == types.RiskEmergency {
			m.handleEmergency(ev)
		}
	}
	return all
}

func (m *Manager) handleEmergency(ev types.RiskEvent) {
	m.mu.Lock()
	m.emergencyMode = true
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(events.CircuitBreakerTriggered, map[string]any{
			"reason": ev.Message, "level": string(ev.Level), "kind": string(ev.Kind),
		}, "risk_manager")
	}
}

// ResetEmergencyMode clears the emergency flag (called after the
// circuit-breaker plugin's recovery conditions are confirmed met).
func (m *Manager) ResetEmergencyMode(reason string) {
	m.mu.Lock()
	m.emergencyMode = false
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(events.RecoveryConditionsMet, map[string]any{"reason": reason}, "risk_manager")
	}
}

// EmergencyMode reports whether the manager is currently in emergency mode.
func (m *Manager) EmergencyMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyMode
}

// AllMetrics aggregates every enabled plugin's risk metrics, keyed by
// plugin name.
func (m *Manager) AllMetrics() map[string]map[string]any {
	m.mu.Lock()
	plugins := append([]*pluginState(nil), m.plugins...)
	m.mu.Unlock()
	out := make(map[string]map[string]any)
	for _, ps := range plugins {
		if ps.disabled {
			continue
		}
		out[ps.plugin.Name()] = ps.plugin.GetRiskMetrics()
	}
	return out
}

// Shutdown tears down every plugin.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	plugins := append([]*pluginState(nil), m.plugins...)
	m.mu.Unlock()
	for _, ps := range plugins {
		ps.plugin.Shutdown()
	}
}

func (m *Manager) GetDependencies() []string {
	return []string{"event_bus", "correlation_plugin", "concentration_plugin", "circuit_breaker_plugin"}
}
func (m *Manager) CanInitializeWithoutDependencies() bool { return false }
func (m *Manager) Name() string                           { return "risk_manager" }
