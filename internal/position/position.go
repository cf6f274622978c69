// Package position is the authoritative record of every multi-leg
// position and its components (spec.md §4.5). It is the only owner of
// PositionComponent values (§3 Ownership); strategies never mutate
// positions directly, only through this manager.
package position

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// CompletePredicate reports whether a position's component set satisfies
// its owning strategy's structural-completeness rule (§3: e.g. LT112
// requires one long debit put, one short debit put, two short naked
// puts; IPMCC requires a LEAP call and at least one weekly call).
type CompletePredicate func(pos *types.MultiLegPosition) bool

// BrokerHolding mirrors the external broker adapter's reported holding,
// used only by SyncWithBroker (§4.5, §6).
type BrokerHolding = types.Holding

// Manager is the position-state manager (tier 2, spec.md §4.10).
type Manager struct {
	mu         sync.RWMutex
	positions  map[string]*types.MultiLegPosition
	predicates map[string]CompletePredicate // keyed by strategyId

	bus    *events.EventBus
	logger *zap.Logger
}

// NewManager constructs an empty position-state manager.
func NewManager(bus *events.EventBus, logger *zap.Logger) *Manager {
	return &Manager{
		positions:  make(map[string]*types.MultiLegPosition),
		predicates: make(map[string]CompletePredicate),
		bus:        bus,
		logger:     logger,
	}
}

// RegisterCompletePredicate binds a strategy's structural-completeness
// rule, consulted by OpenPosition.
func (m *Manager) RegisterCompletePredicate(strategyID string, pred CompletePredicate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predicates[strategyID] = pred
}

// OpenPosition atomically attaches all components to a new position,
// transitioning Building -> Active once the structural predicate is
// satisfied (§4.5).
func (m *Manager) OpenPosition(strategyID, underlying string, components []*types.PositionComponent, metadata map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	positionID := uuid.New().String()
	pos := &types.MultiLegPosition{
		PositionID: positionID,
		StrategyID: strategyID,
		Underlying: underlying,
		Components: make(map[string]*types.PositionComponent),
		EntryTime:  time.Now(),
		Metadata:   metadata,
		Status:     types.PositionBuilding,
	}
	for _, c := range components {
		if c.ComponentID == "" {
			c.ComponentID = uuid.New().String()
		}
		c.StrategyID = strategyID
		c.Underlying = underlying
		pos.Components[c.ComponentID] = c
		pos.Order = append(pos.Order, c.ComponentID)
	}

	m.applyStatusLocked(pos)
	m.positions[positionID] = pos

	if m.bus != nil {
		m.bus.Publish(events.PositionOpened, map[string]any{
			"positionId": positionID, "strategyId": strategyID, "underlying": underlying,
		}, "position_manager")
	}
	return positionID
}

func (m *Manager) applyStatusLocked(pos *types.MultiLegPosition) {
	if pos.AllClosed() {
		pos.Status = types.PositionClosed
		return
	}
	pred, ok := m.predicates[pos.StrategyID]
	if ok && pred != nil && pred(pos) {
		pos.Status = types.PositionActive
		return
	}
	anyClosed := false
	for _, c := range pos.Components {
		if c.Status == types.ComponentClosed {
			anyClosed = true
			break
		}
	}
	if anyClosed {
		pos.Status = types.PositionPartiallyClosed
	} else if pos.Status != types.PositionActive {
		pos.Status = types.PositionBuilding
	}
}

// CloseComponent transitions a single component to Closed and recomputes
// the owning position's status.
func (m *Manager) CloseComponent(positionID, componentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[positionID]
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	c, ok := pos.Components[componentID]
	if !ok {
		return fmt.Errorf("component %s not found in position %s", componentID, positionID)
	}
	c.Status = types.ComponentClosed
	now := time.Now()
	c.FillTimestamp = &now
	m.applyStatusLocked(pos)

	if pos.Status == types.PositionClosed && m.bus != nil {
		realizedPnL, _ := pos.TotalPnL().Float64()
		m.bus.Publish(events.PositionClosed, map[string]any{
			"positionId": positionID, "strategyId": pos.StrategyID,
			"realizedPnl": realizedPnL,
		}, "position_manager")
	}
	return nil
}

// ClosePosition closes every open component of a position.
func (m *Manager) ClosePosition(positionID string) error {
	m.mu.Lock()
	pos, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("position %s not found", positionID)
	}
	ids := append([]string(nil), pos.Order...)
	m.mu.Unlock()

	for _, cid := range ids {
		if err := m.CloseComponent(positionID, cid); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePrices refreshes current prices (keyed by a contract identity
// string) and recomputes component P&L, sign-aware (§4.5).
func (m *Manager) UpdatePrices(pricesByContractID map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.positions {
		for _, c := range pos.Components {
			key := contractKey(c.Contract)
			if p, ok := pricesByContractID[key]; ok {
				c.CurrentPrice = decimal.NewFromFloat(p)
				c.RecomputePnL()
			}
		}
	}
}

func contractKey(c types.OptionContract) string {
	return fmt.Sprintf("%s|%s|%s|%s", c.Underlying, c.Strike.String(), c.Expiry.Format(time.RFC3339), c.Right)
}

// PositionDTE returns the minimum DTE across a position's components.
func (m *Manager) PositionDTE(positionID string, asOf time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[positionID]
	if !ok {
		return 0, fmt.Errorf("position %s not found", positionID)
	}
	return pos.MinDTE(asOf), nil
}

// Get returns a position by id.
func (m *Manager) Get(positionID string) (*types.MultiLegPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[positionID]
	return p, ok
}

// ByStrategy returns every open (non-Closed) position owned by a strategy.
func (m *Manager) ByStrategy(strategyID string) []*types.MultiLegPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.MultiLegPosition
	for _, p := range m.positions {
		if p.StrategyID == strategyID && p.Status != types.PositionClosed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// All returns every position (open and closed), ordered by id.
func (m *Manager) All() []*types.MultiLegPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.MultiLegPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// SyncWithBroker walks the broker's reported holdings, reconciles them
// against internal component quantities/avg prices, logs any
// discrepancy, and never auto-corrects -- that remains an operator
// responsibility (§4.5, §9 Open Question (iii)).
func (m *Manager) SyncWithBroker(holdings map[string]BrokerHolding) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var discrepancies []string
	tracked := make(map[string]int) // symbol -> net signed qty tracked internally
	for _, pos := range m.positions {
		for _, c := range pos.Components {
			if c.Status == types.ComponentClosed || c.Status == types.ComponentCancelled {
				continue
			}
			tracked[contractKey(c.Contract)] += c.Quantity
		}
	}
	for symbol, qty := range tracked {
		h, ok := holdings[symbol]
		if !ok {
			discrepancies = append(discrepancies, fmt.Sprintf("%s: tracked qty %d, no broker holding found", symbol, qty))
			continue
		}
		brokerQty, _ := h.Quantity.Float64()
		if int(brokerQty) != qty {
			discrepancies = append(discrepancies, fmt.Sprintf("%s: tracked qty %d, broker reports %d", symbol, qty, int(brokerQty)))
		}
	}
	for _, d := range discrepancies {
		m.logger.Warn("broker reconciliation discrepancy", zap.String("detail", d))
	}
	return discrepancies
}

// serializedState is the wire shape for positions (§6 persistence layout).
type serializedState struct {
	Positions map[string]*types.MultiLegPosition `json:"positions"`
	Metadata  struct {
		LastUpdated time.Time `json:"last_updated"`
		Version     int       `json:"version"`
	} `json:"metadata"`
}

// SerializeState produces the JSON wire shape for the "positions"
// persistence key (§6), with ISO-8601 timestamps (Go's time.Time JSON
// marshalling is RFC3339, a superset of ISO-8601).
func (m *Manager) SerializeState() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := serializedState{Positions: m.positions}
	st.Metadata.LastUpdated = time.Now()
	st.Metadata.Version = 1
	return json.Marshal(st)
}

// DeserializeState restores full position/component state including
// order-linkage ids, the identity round-trip required by testable
// property 9.
func (m *Manager) DeserializeState(data []byte) error {
	var st serializedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("deserialize positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = st.Positions
	if m.positions == nil {
		m.positions = make(map[string]*types.MultiLegPosition)
	}
	return nil
}

// InvestedOptionsFingerprint hashes the current set of invested options
// (by symbol+quantity), used by the cache's position-aware invalidation
// (§4.2).
func (m *Manager) InvestedOptionsFingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.positions))
	for id, pos := range m.positions {
		if pos.Status == types.PositionClosed {
			continue
		}
		for _, c := range pos.Components {
			if c.Status == types.ComponentClosed {
				continue
			}
			keys = append(keys, fmt.Sprintf("%s:%s:%d", id, contractKey(c.Contract), c.Quantity))
		}
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
	}
	return hex.EncodeToString(h.Sum(nil))
}
