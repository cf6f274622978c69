// Package fsm implements the generic finite-state-machine engine shared
// by every strategy (spec.md §4.6), grounded on the teacher's
// internal/strategy registry-and-base-struct idiom
// (internal/strategy/strategy.go's StrategyRegistry/BaseStrategy), with
// the state/trigger vocabulary replaced by the options-trading lifecycle.
package fsm

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

// Condition is an optional guard evaluated against the machine's context
// before a transition is taken.
type Condition func(ctx map[string]any) bool

// Callback runs on state entry/exit.
type Callback func(ctx map[string]any)

type transitionKey struct {
	from    types.StrategyState
	trigger types.Trigger
}

type transition struct {
	to        types.StrategyState
	condition Condition
}

// HistoryEntry is one ring entry of the transition history.
type HistoryEntry struct {
	From      types.StrategyState
	To        types.StrategyState
	Trigger   types.Trigger
	Timestamp time.Time
}

const historyCap = 200

// Machine is a generic finite-state automaton (spec.md §4.6).
type Machine struct {
	mu sync.Mutex

	name    string
	current types.StrategyState

	transitions map[transitionKey]transition
	onEnter     map[types.StrategyState][]Callback
	onExit      map[types.StrategyState][]Callback

	history    []HistoryEntry
	errorCount int

	logger *zap.Logger
}

// NewMachine constructs a machine starting in Initializing and wires the
// universal required transitions (§4.6).
func NewMachine(name string, logger *zap.Logger) *Machine {
	m := &Machine{
		name:        name,
		current:     types.StateInitializing,
		transitions: make(map[transitionKey]transition),
		onEnter:     make(map[types.StrategyState][]Callback),
		onExit:      make(map[types.StrategyState][]Callback),
		logger:      logger,
	}
	m.wireRequiredTransitions()
	return m
}

// wireRequiredTransitions adds the transitions every strategy gets from
// the base, plus the universal escape edges to Error/Suspended (§4.6).
func (m *Machine) wireRequiredTransitions() {
	add := func(from types.StrategyState, trig types.Trigger, to types.StrategyState) {
		m.transitions[transitionKey{from, trig}] = transition{to: to}
	}
	add(types.StateInitializing, types.TriggerMarketOpen, types.StateReady)
	add(types.StateReady, types.TriggerTimeWindowStart, types.StateAnalyzing)
	add(types.StateAnalyzing, types.TriggerEntryConditionsMet, types.StateEntering)
	add(types.StateEntering, types.TriggerOrderFilled, types.StatePositionOpen)
	add(types.StatePositionOpen, types.TriggerMarketOpen, types.StateManaging)
	add(types.StateManaging, types.TriggerTimeWindowEnd, types.StateExiting)
	add(types.StateExiting, types.TriggerOrderFilled, types.StateClosed)
	add(types.StateClosed, types.TriggerMarketOpen, types.StateReady)

	// Universal escape edges, valid from every state.
	for _, s := range []types.StrategyState{
		types.StateInitializing, types.StateReady, types.StateAnalyzing,
		types.StateEntering, types.StatePositionOpen, types.StateManaging,
		types.StateExiting, types.StateClosed, types.StateSuspended,
		types.StatePendingEntry, types.StateAdjusting, types.StatePendingExit,
		types.StateError,
	} {
		add(s, types.TriggerSystemError, types.StateError)
		add(s, types.TriggerEmergencyExit, types.StateSuspended)
		add(s, types.TriggerMarginCall, types.StateSuspended)
		add(s, types.TriggerVIXSpike, types.StateSuspended)
	}
}

// AddTransition registers or overrides a (from, trigger) -> to edge,
// optionally gated by a condition predicate. Strategy-specific machines
// use this to layer defensive-exit and strategy-specific edges on top of
// the required ones.
func (m *Machine) AddTransition(from types.StrategyState, trig types.Trigger, to types.StrategyState, cond Condition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[transitionKey{from, trig}] = transition{to: to, condition: cond}
}

// OnEnter registers a callback invoked whenever the machine enters state s.
func (m *Machine) OnEnter(s types.StrategyState, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[s] = append(m.onEnter[s], cb)
}

// OnExit registers a callback invoked whenever the machine exits state s.
func (m *Machine) OnExit(s types.StrategyState, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit[s] = append(m.onExit[s], cb)
}

// Current returns the machine's current state.
func (m *Machine) Current() types.StrategyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ErrorCount returns the number of invariant breaches observed (§7:
// "transition with no edge" is logged and ignored, not an escalation,
// but still counted for statistics).
func (m *Machine) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// History returns a snapshot of the bounded transition-history ring.
func (m *Machine) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Trigger evaluates guards for (currentState, trig); if a matching edge
// exists and its condition (if any) passes, it runs onExit(old),
// transitions, runs onEnter(new), records history, and returns true. A
// missing edge is logged and the machine stays put (§7).
func (m *Machine) Trigger(trig types.Trigger, ctx map[string]any) bool {
	m.mu.Lock()

	key := transitionKey{m.current, trig}
	t, ok := m.transitions[key]
	if !ok || (t.condition != nil && !t.condition(ctx)) {
		m.errorCount++
		from := m.current
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Debug("fsm: no transition for trigger, state unchanged",
				zap.String("machine", m.name), zap.String("state", string(from)), zap.String("trigger", string(trig)))
		}
		return false
	}

	from := m.current
	to := t.to
	exitCbs := append([]Callback(nil), m.onExit[from]...)
	enterCbs := append([]Callback(nil), m.onEnter[to]...)
	m.mu.Unlock()

	for _, cb := range exitCbs {
		cb(ctx)
	}

	m.mu.Lock()
	m.current = to
	m.history = append(m.history, HistoryEntry{From: from, To: to, Trigger: trig, Timestamp: time.Now()})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.mu.Unlock()

	for _, cb := range enterCbs {
		cb(ctx)
	}

	if m.logger != nil {
		m.logger.Info("fsm: transition",
			zap.String("machine", m.name), zap.String("from", string(from)),
			zap.String("to", string(to)), zap.String("trigger", string(trig)))
	}
	return true
}
