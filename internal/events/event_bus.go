// Package events provides the core's event bus: priority-ordered
// synchronous publish/subscribe, correlation-preserving request/response,
// and active prevention of event loops between managers that would
// otherwise form a cyclic dependency graph (VIX<->sizer<->Greeks<->risk).
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType is the discriminator for every event the core publishes.
type EventType string

const (
	MarketDataUpdated           EventType = "MarketDataUpdated"
	PositionOpened              EventType = "PositionOpened"
	PositionClosed              EventType = "PositionClosed"
	PositionUpdated             EventType = "PositionUpdated"
	GreeksCalculated            EventType = "GreeksCalculated"
	GreeksCalculationRequest    EventType = "GreeksCalculationRequest"
	PerformanceThresholdBreach  EventType = "PerformanceThresholdBreach"
	CircuitBreakerTriggered     EventType = "CircuitBreakerTriggered"
	CorrelationLimitExceeded    EventType = "CorrelationLimitExceeded"
	ConcentrationLimitExceeded  EventType = "ConcentrationLimitExceeded"
	MarginThresholdExceeded     EventType = "MarginThresholdExceeded"
	VIXEmergency                EventType = "VIXEmergency"
	RecoveryConditionsMet       EventType = "RecoveryConditionsMet"
	VIXRegimeChange             EventType = "VIXRegimeChange"
	MarketRegimeChanged         EventType = "MarketRegimeChanged"
	CircularDependencyDetected  EventType = "CircularDependencyDetected"
	OrderFilled                 EventType = "OrderFilled"
	OrderRejected                EventType = "OrderRejected"
	OrderFailure                EventType = "OrderFailure"
	VIXLevelRequest             EventType = "VIXLevelRequest"
	VIXLevelResponse            EventType = "VIXLevelResponse"
	CacheMaintenanceTriggered   EventType = "CacheMaintenanceTriggered"
)

// ChainEntry is one hop of an event's causal chain, used for loop detection.
type ChainEntry struct {
	Type   EventType
	Source string
}

// Event is a single published occurrence on the bus.
type Event struct {
	ID            string
	Type          EventType
	Payload       map[string]any
	Source        string
	Timestamp     time.Time
	CorrelationID string
	HopCount      int
	Chain         []ChainEntry
	MaxHops       int
}

const defaultMaxHops = 10

// EventHandler processes a published event. A returned error is recorded
// against the subscription but never aborts sibling handlers.
type EventHandler func(*Event) error

// Subscription is a registered handler, stored descending by priority.
type Subscription struct {
	ID       string
	Type     EventType
	Handler  EventHandler
	Source   string
	Priority int
	errors   atomic.Int64
	active   atomic.Bool
}

func (s *Subscription) IsActive() bool { return s.active.Load() }

// EventBusStats tracks bus-wide counters.
type EventBusStats struct {
	EventsPublished      int64
	EventsProcessed      int64
	ProcessingErrors     int64
	LoopsPrevented       int64
	PendingRequests      int64
	ActiveSubscriptions  int64
}

type pendingRequest struct {
	respType EventType
	callback func(*Event)
	deadline time.Time
}

type chainInfo struct {
	chain     []ChainEntry
	createdAt time.Time
}

const maxConcurrentChains = 50
const defaultRequestTimeout = 5 * time.Second

// EventBus is the central synchronous router: Publish runs every
// matching handler on the publisher's own goroutine before it returns,
// and a publish made from inside a handler is dispatched inline. The
// bus lock guards only the bus's own bookkeeping (subscriber lists,
// history, pending requests, chains); handlers run outside it, so
// Publish calls from separate goroutines are not serialized against
// each other.
type EventBus struct {
	mu          sync.Mutex
	subscribers map[EventType][]*Subscription

	pending       map[string]*pendingRequest
	activeChains  map[string]*chainInfo
	history       []*Event
	historyLimit  int

	eventsPublished  atomic.Int64
	eventsProcessed  atomic.Int64
	processingErrors atomic.Int64
	loopsPrevented   atomic.Int64

	logger *zap.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers:  make(map[EventType][]*Subscription),
		pending:      make(map[string]*pendingRequest),
		activeChains: make(map[string]*chainInfo),
		historyLimit: 2000,
		logger:       logger,
	}
}

// Subscribe stores the handler descending by priority with stable
// insertion among equal priorities (§4.1).
func (eb *EventBus) Subscribe(eventType EventType, source string, priority int, handler EventHandler) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.New().String(),
		Type:     eventType,
		Handler:  handler,
		Source:   source,
		Priority: priority,
	}
	sub.active.Store(true)

	subs := eb.subscribers[eventType]
	insertAt := len(subs)
	for i, s := range subs {
		if priority > s.Priority {
			insertAt = i
			break
		}
	}
	subs = append(subs, nil)
	copy(subs[insertAt+1:], subs[insertAt:])
	subs[insertAt] = sub
	eb.subscribers[eventType] = subs

	return sub
}

// Unsubscribe deactivates a subscription; it is skipped on future dispatch.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
}

// validatePayload enforces spec §4.1: payload must be a map and free of
// cyclic references, checked via a bounded-depth scan.
func validatePayload(data map[string]any) error {
	if data == nil {
		return nil
	}
	visited := make(map[uintptr]bool)
	return scanForCycles(data, visited, 0)
}

func scanForCycles(v any, visited map[uintptr]bool, depth int) error {
	if depth > 32 {
		return fmt.Errorf("payload nesting exceeds bounded depth")
	}
	switch t := v.(type) {
	case map[string]any:
		for _, val := range t {
			if err := scanForCycles(val, visited, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, val := range t {
			if err := scanForCycles(val, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// Publish performs synchronous fan-out to every active subscriber of
// type, in priority order, returning true iff every handler succeeded.
func (eb *EventBus) Publish(eventType EventType, data map[string]any, source string) bool {
	if err := validatePayload(data); err != nil {
		eb.logger.Error("event payload rejected", zap.Error(err), zap.String("type", string(eventType)))
		return false
	}

	ev := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   data,
		Source:    source,
		Timestamp: time.Now(),
		MaxHops:   defaultMaxHops,
	}
	return eb.dispatch(ev)
}

func (eb *EventBus) dispatch(ev *Event) bool {
	eb.mu.Lock()
	subs := make([]*Subscription, len(eb.subscribers[ev.Type]))
	copy(subs, eb.subscribers[ev.Type])
	eb.recordHistory(ev)
	eb.reapStaleChainsLocked()
	eb.mu.Unlock()

	eb.eventsPublished.Add(1)

	ok := true
	for _, sub := range subs {
		if !sub.IsActive() {
			continue
		}
		if !eb.executeHandler(sub, ev) {
			ok = false
		}
	}
	eb.eventsProcessed.Add(1)
	eb.routeResponse(ev)
	return ok
}

func (eb *EventBus) executeHandler(sub *Subscription, ev *Event) (success bool) {
	defer func() {
		if r := recover(); r != nil {
			sub.errors.Add(1)
			eb.processingErrors.Add(1)
			eb.logger.Error("event handler panicked",
				zap.String("subscription", sub.ID),
				zap.String("type", string(ev.Type)),
				zap.Any("recovered", r))
			success = false
		}
	}()
	if err := sub.Handler(ev); err != nil {
		sub.errors.Add(1)
		eb.processingErrors.Add(1)
		eb.logger.Warn("event handler error",
			zap.String("subscription", sub.ID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return false
	}
	return true
}

func (eb *EventBus) recordHistory(ev *Event) {
	eb.history = append(eb.history, ev)
	if len(eb.history) > eb.historyLimit {
		eb.history = eb.history[len(eb.history)-eb.historyLimit:]
	}
}

// History returns up to n most recent published events (debugging, §4.1).
func (eb *EventBus) History(n int) []*Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if n <= 0 || n > len(eb.history) {
		n = len(eb.history)
	}
	out := make([]*Event, n)
	copy(out, eb.history[len(eb.history)-n:])
	return out
}

// wouldCreateLoop implements the original's would_create_loop: hop count
// at cap, the hop already present anywhere in the chain, or the hop
// repeating within the last 3 entries (indirect cycle).
func wouldCreateLoop(chain []ChainEntry, hop ChainEntry, maxHops int) bool {
	if len(chain) >= maxHops {
		return true
	}
	for _, c := range chain {
		if c == hop {
			return true
		}
	}
	if len(chain) > 3 {
		tail := chain[len(chain)-3:]
		for _, c := range tail {
			if c == hop {
				return true
			}
		}
	}
	return false
}

// PublishWithLoopDetection copies the parent's causal chain, appends this
// hop, and refuses to publish if that would create a loop (§4.1, testable
// property 5, scenario D).
func (eb *EventBus) PublishWithLoopDetection(eventType EventType, data map[string]any, source string, parent *Event) bool {
	var chain []ChainEntry
	maxHops := defaultMaxHops
	if parent != nil {
		chain = append(chain, parent.Chain...)
		maxHops = parent.MaxHops
	}
	hop := ChainEntry{Type: eventType, Source: source}

	if wouldCreateLoop(chain, hop, maxHops) {
		eb.loopsPrevented.Add(1)
		eb.logger.Warn("circular dependency detected, publish refused",
			zap.String("type", string(eventType)), zap.String("source", source))
		eb.Publish(CircularDependencyDetected, map[string]any{
			"blockedType":   string(eventType),
			"blockedSource": source,
			"chainLength":   len(chain),
		}, "event_bus")
		return false
	}

	chain = append(chain, hop)

	if err := validatePayload(data); err != nil {
		return false
	}

	ev := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   data,
		Source:    source,
		Timestamp: time.Now(),
		HopCount:  len(chain),
		Chain:     chain,
		MaxHops:   maxHops,
	}

	eb.mu.Lock()
	eb.activeChains[ev.ID] = &chainInfo{chain: chain, createdAt: ev.Timestamp}
	eb.evictOldestChainsLocked()
	eb.mu.Unlock()

	return eb.dispatch(ev)
}

func (eb *EventBus) evictOldestChainsLocked() {
	if len(eb.activeChains) <= maxConcurrentChains {
		return
	}
	var oldestID string
	var oldestAt time.Time
	for id, info := range eb.activeChains {
		if oldestID == "" || info.createdAt.Before(oldestAt) {
			oldestID = id
			oldestAt = info.createdAt
		}
	}
	if oldestID != "" {
		delete(eb.activeChains, oldestID)
	}
}

// reapStaleChainsLocked drops timed-out request/response entries and
// aged-out chains on every publish, per original_source's
// _cleanup_stale_chains (SPEC_FULL §C.6). Caller must hold eb.mu.
func (eb *EventBus) reapStaleChainsLocked() {
	now := time.Now()
	for id, p := range eb.pending {
		if now.After(p.deadline) {
			delete(eb.pending, id)
		}
	}
	for id, info := range eb.activeChains {
		if now.Sub(info.createdAt) > 5*time.Minute {
			delete(eb.activeChains, id)
		}
	}
}

// PublishRequestResponse generates a correlation id, remembers the
// callback keyed on it, and publishes the request carrying the id. A
// matching response (same CorrelationID, respType) is routed to the
// callback and the pending entry is removed. Timed-out callbacks are
// dropped silently by reapStaleChainsLocked.
func (eb *EventBus) PublishRequestResponse(reqType, respType EventType, data map[string]any, source string, callback func(*Event), timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	correlationID := uuid.New().String()

	eb.mu.Lock()
	eb.pending[correlationID] = &pendingRequest{
		respType: respType,
		callback: callback,
		deadline: time.Now().Add(timeout),
	}
	eb.mu.Unlock()

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["correlationId"] = correlationID

	ev := &Event{
		ID:            uuid.New().String(),
		Type:          reqType,
		Payload:       payload,
		Source:        source,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		MaxHops:       defaultMaxHops,
	}
	eb.dispatch(ev)
}

// routeResponse delivers a response event to its matching pending
// callback, if the published event carries a recognised correlation id.
func (eb *EventBus) routeResponse(ev *Event) {
	correlationID, _ := ev.Payload["correlationId"].(string)
	if correlationID == "" {
		correlationID = ev.CorrelationID
	}
	if correlationID == "" {
		return
	}

	eb.mu.Lock()
	p, ok := eb.pending[correlationID]
	if ok && p.respType == ev.Type {
		delete(eb.pending, correlationID)
	}
	eb.mu.Unlock()

	if ok && p.respType == ev.Type && p.callback != nil {
		p.callback(ev)
	}
}

// Stats returns a snapshot of bus counters.
func (eb *EventBus) Stats() EventBusStats {
	eb.mu.Lock()
	active := 0
	for _, subs := range eb.subscribers {
		for _, s := range subs {
			if s.IsActive() {
				active++
			}
		}
	}
	pending := len(eb.pending)
	eb.mu.Unlock()

	return EventBusStats{
		EventsPublished:     eb.eventsPublished.Load(),
		EventsProcessed:     eb.eventsProcessed.Load(),
		ProcessingErrors:    eb.processingErrors.Load(),
		LoopsPrevented:      eb.loopsPrevented.Load(),
		PendingRequests:     int64(pending),
		ActiveSubscriptions: int64(active),
	}
}

// GetDependencies / CanInitializeWithoutDependencies / Name satisfy the
// manager-factory interface contract (§4.10); the bus is a tier-1 leaf.
func (eb *EventBus) GetDependencies() []string                { return nil }
func (eb *EventBus) CanInitializeWithoutDependencies() bool    { return true }
func (eb *EventBus) Name() string                              { return "event_bus" }
