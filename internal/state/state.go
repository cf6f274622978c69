// Package state implements the unified state manager (spec.md §4.8):
// system-level coordination across every strategy's state machine.
// Grounded on the teacher's internal/orchestrator top-level coordination
// idiom, generalised from crypto-bot orchestration to the
// market-hours/emergency-flag model of this domain.
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/internal/fsm"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// MarketHours answers whether the market is open/closed right now, the
// seam to the external market-data adapter (§6).
type MarketHours interface {
	IsMarketOpen(symbol string) bool
}

// GlobalChecks supplies the truthy/falsy inputs for the global trigger
// checks (§4.8): current VIX, margin usage ratio, correlation-limit and
// data-staleness flags from their respective services.
type GlobalChecks struct {
	CurrentVIX        func() float64
	MarginUsedRatio   func() float64 // MarginUsed / PortfolioValue
	CorrelationBreach func() bool
	DataStale         func() bool
}

type strategyEntry struct {
	name            string
	machine         *fsm.Machine
	hasOpenPositions func() bool
	errorCount      int
	suspendedCount  int
}

// EmergencyHook runs synchronously from HaltAllTrading, after strategies
// have been broadcast into Suspended, to carry out the actual liquidation
// response (§4.8: "cancel all open orders and close short-option
// positions immediately"). reason is the same string passed to
// HaltAllTrading.
type EmergencyHook func(reason string)

// PersistenceAdapter is the opaque key/value store contract of §6.
type PersistenceAdapter interface {
	Has(key string) bool
	Read(key string) ([]byte, error)
	Save(key string, data []byte) error
}

// Manager is the unified state manager (tier 3, spec.md §4.10).
type Manager struct {
	mu sync.Mutex

	system        types.SystemState
	emergencyMode bool

	strategies map[string]*strategyEntry

	marketHours  MarketHours
	checks       GlobalChecks
	bus          *events.EventBus
	persistence  PersistenceAdapter
	saveInterval time.Duration
	lastSaved    time.Time

	emergencyHook EmergencyHook

	logger *zap.Logger
}

// New constructs a state manager in the Initializing system state.
func New(marketHours MarketHours, checks GlobalChecks, bus *events.EventBus, persistence PersistenceAdapter, saveInterval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		system:       types.SystemInitializing,
		strategies:   make(map[string]*strategyEntry),
		marketHours:  marketHours,
		checks:       checks,
		bus:          bus,
		persistence:  persistence,
		saveInterval: saveInterval,
		logger:       logger,
	}
}

// RegisterStrategy hooks onEnter(Error)/onEnter(Suspended) callbacks
// into system-wide statistics (§4.8), and enforces spec.md §3's "Error
// is recoverable iff error count < 3" rule: the base machine's
// unconditional Error->Ready edge (fsm/base.go's NewBase) is overridden
// here with a guard on this strategy's own error count, and the same
// guard is laid across Suspended->Ready so that once the count reaches
// 3 the strategy stays suspended for good rather than bouncing back in
// on the next ordinary market-open trigger.
func (m *Manager) RegisterStrategy(name string, machine *fsm.Machine, hasOpenPositions func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &strategyEntry{name: name, machine: machine, hasOpenPositions: hasOpenPositions}
	m.strategies[name] = entry

	recoverable := func(ctx map[string]any) bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return entry.errorCount < maxRecoverableErrors
	}
	machine.AddTransition(types.StateError, types.TriggerSystemError, types.StateReady, recoverable)
	machine.AddTransition(types.StateError, types.TriggerEmergencyExit, types.StateSuspended, nil)
	machine.AddTransition(types.StateSuspended, types.TriggerMarketOpen, types.StateReady, recoverable)

	machine.OnEnter(types.StateError, func(ctx map[string]any) {
		m.mu.Lock()
		entry.errorCount++
		count := entry.errorCount
		m.mu.Unlock()
		if count < maxRecoverableErrors {
			machine.Trigger(types.TriggerSystemError, ctx)
			return
		}
		machine.Trigger(types.TriggerEmergencyExit, ctx)
		if m.logger != nil {
			m.logger.Error("strategy error budget exhausted, suspending permanently",
				zap.String("strategy", name), zap.Int("errorCount", count))
		}
	})
	machine.OnEnter(types.StateSuspended, func(ctx map[string]any) {
		m.mu.Lock()
		entry.suspendedCount++
		m.mu.Unlock()
	})
}

// maxRecoverableErrors is spec.md §3's error-state recoverability
// ceiling: a strategy that enters Error a 3rd time is suspended
// permanently instead of returning to Ready.
const maxRecoverableErrors = 3

// System returns the current SystemState.
func (m *Manager) System() types.SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

// UpdateSystemState derives SystemState from market hours and the
// emergency flag, and drives the global edges into every strategy
// machine (§4.8): on entering MarketOpen, trigger MarketOpen on every
// Ready strategy; on entering MarketClosed, trigger MarketClose on every
// Managing strategy; on entering Emergency, trigger EmergencyExit on any
// strategy with open positions.
func (m *Manager) UpdateSystemState(symbol string) types.SystemState {
	m.mu.Lock()
	prev := m.system
	var next types.SystemState
	switch {
	case m.emergencyMode:
		next = types.SystemEmergency
	case m.marketHours != nil && m.marketHours.IsMarketOpen(symbol):
		next = types.SystemMarketOpen
	default:
		next = types.SystemMarketClosed
	}
	m.system = next
	entries := make([]*strategyEntry, 0, len(m.strategies))
	for _, e := range m.strategies {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	if next == prev {
		return next
	}

	switch next {
	case types.SystemMarketOpen:
		for _, e := range entries {
			if e.machine.Current() == types.StateReady {
				e.machine.Trigger(types.TriggerMarketOpen, nil)
			}
		}
	case types.SystemMarketClosed:
		for _, e := range entries {
			if e.machine.Current() == types.StateManaging {
				e.machine.Trigger(types.TriggerMarketClose, nil)
			}
		}
	case types.SystemEmergency:
		for _, e := range entries {
			if e.hasOpenPositions != nil && e.hasOpenPositions() {
				e.machine.Trigger(types.TriggerEmergencyExit, nil)
			}
		}
	}

	if m.logger != nil {
		m.logger.Info("system state transition", zap.String("from", string(prev)), zap.String("to", string(next)))
	}
	return next
}

// BroadcastTrigger fires trig on every registered machine that can
// accept it; machines without a matching edge simply stay put (§4.8).
func (m *Manager) BroadcastTrigger(trig types.Trigger, data map[string]any) {
	m.mu.Lock()
	entries := make([]*strategyEntry, 0, len(m.strategies))
	for _, e := range m.strategies {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.machine.Trigger(trig, data)
	}
}

// RunGlobalTriggerChecks evaluates the four global conditions (§4.8) and
// broadcasts the corresponding trigger on any truthy check.
func (m *Manager) RunGlobalTriggerChecks() {
	if m.checks.CurrentVIX != nil && m.checks.CurrentVIX() > 35 {
		m.BroadcastTrigger(types.TriggerVIXSpike, nil)
	}
	if m.checks.MarginUsedRatio != nil && m.checks.MarginUsedRatio() > 0.80 {
		m.BroadcastTrigger(types.TriggerMarginCall, nil)
	}
	if m.checks.CorrelationBreach != nil && m.checks.CorrelationBreach() {
		m.BroadcastTrigger(types.TriggerCorrelationLimit, nil)
	}
	if m.checks.DataStale != nil && m.checks.DataStale() {
		m.BroadcastTrigger(types.TriggerDataStale, nil)
	}
}

// OnEmergency registers the hook HaltAllTrading runs after broadcasting
// EmergencyExit, wiring the actual order-cancellation/position-closing
// response (§4.8). A nil hook (the zero value) makes HaltAllTrading a
// pure state transition, as it was before the hook existed.
func (m *Manager) OnEmergency(hook EmergencyHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyHook = hook
}

// HaltAllTrading sets emergency mode, broadcasts EmergencyExit,
// transitions the system to Halted, and runs the emergency hook (if
// any) to cancel open orders and liquidate short-option risk (§4.8).
func (m *Manager) HaltAllTrading(reason string) {
	m.mu.Lock()
	m.emergencyMode = true
	m.system = types.SystemHalted
	hook := m.emergencyHook
	m.mu.Unlock()

	m.BroadcastTrigger(types.TriggerEmergencyExit, map[string]any{"reason": reason})

	if m.bus != nil {
		m.bus.Publish(events.CircuitBreakerTriggered, map[string]any{
			"reason": reason, "level": string(types.RiskEmergency),
		}, "state_manager")
	}
	if m.logger != nil {
		m.logger.Error("trading halted", zap.String("reason", reason))
	}
	if hook != nil {
		hook(reason)
	}
}

// ClearEmergencyMode lifts a halt once recovery conditions are confirmed
// externally (e.g. by the circuit-breaker plugin's RecoveryConditionsMet).
// System state re-derives from market hours on the next UpdateSystemState
// call rather than being forced back here.
func (m *Manager) ClearEmergencyMode(reason string) {
	m.mu.Lock()
	m.emergencyMode = false
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("emergency mode cleared", zap.String("reason", reason))
	}
}

// snapshot is the wire shape for the "state_machines" persistence key
// (§6: {timestamp, system_state, emergency_mode, strategies: {name:
// {current_state, error_count, statistics}}}).
type snapshot struct {
	Timestamp     time.Time                  `json:"timestamp"`
	SystemState   types.SystemState          `json:"system_state"`
	EmergencyMode bool                       `json:"emergency_mode"`
	Strategies    map[string]strategySnap    `json:"strategies"`
}

type strategySnap struct {
	CurrentState types.StrategyState `json:"current_state"`
	ErrorCount   int                 `json:"error_count"`
	Statistics   map[string]int      `json:"statistics"`
}

const persistenceKey = "state_machines"

// SaveAllStates persists the system/strategy snapshot if saveInterval
// has elapsed since the last save.
func (m *Manager) SaveAllStates() error {
	m.mu.Lock()
	if time.Since(m.lastSaved) < m.saveInterval && !m.lastSaved.IsZero() {
		m.mu.Unlock()
		return nil
	}
	snap := snapshot{
		Timestamp:     time.Now(),
		SystemState:   m.system,
		EmergencyMode: m.emergencyMode,
		Strategies:    make(map[string]strategySnap),
	}
	for name, e := range m.strategies {
		snap.Strategies[name] = strategySnap{
			CurrentState: e.machine.Current(),
			ErrorCount:   e.machine.ErrorCount(),
			Statistics:   map[string]int{"errors": e.errorCount, "suspensions": e.suspendedCount},
		}
	}
	m.lastSaved = time.Now()
	m.mu.Unlock()

	if m.persistence == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	return m.persistence.Save(persistenceKey, data)
}

// LoadAllStates restores system state and emergency flag from the
// persistence adapter. Per-strategy machine current-state is NOT force-
// restored here (machines own their own transition validity); callers
// may use the snapshot's Strategies map to replay a machine to its saved
// state via explicit triggers if desired.
func (m *Manager) LoadAllStates() error {
	if m.persistence == nil || !m.persistence.Has(persistenceKey) {
		return nil
	}
	data, err := m.persistence.Read(persistenceKey)
	if err != nil {
		return fmt.Errorf("read state snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal state snapshot: %w", err)
	}
	m.mu.Lock()
	m.system = snap.SystemState
	m.emergencyMode = snap.EmergencyMode
	m.mu.Unlock()
	return nil
}

func (m *Manager) GetDependencies() []string {
	return []string{"event_bus", "vix_manager", "position_manager", "persistence"}
}
func (m *Manager) CanInitializeWithoutDependencies() bool { return false }
func (m *Manager) Name() string                           { return "state_manager" }
