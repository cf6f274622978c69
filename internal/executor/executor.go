// Package executor implements the atomic multi-leg executor and order
// monitor of spec.md §4.12, grounded on the teacher's
// internal/execution/executor.go (Executor/ExchangeAdapter shape) and
// internal/execution/order_manager.go (ManagedOrder/OrderStatus/fill
// bookkeeping), generalised from single-leg crypto/equity signals to
// combo option orders against the broker adapter contract of spec.md §6.
package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/internal/position"
	"github.com/atlas-desktop/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BrokerAdapter is the brokerage contract consumed (not owned) by the
// executor, per spec.md §6.
type BrokerAdapter interface {
	MarketOrder(symbol string, signedQty int, tag string) (types.OrderTicket, error)
	LimitOrder(symbol string, signedQty int, limitPrice decimal.Decimal, tag string) (types.OrderTicket, error)
	ComboOrder(legs []Leg, tag string) (types.OrderTicket, error)
	Cancel(orderID string) error
	OpenOrders() ([]types.OrderTicket, error)
	Portfolio() (map[string]types.Holding, error)
	Account() (types.Account, error)
}

// Leg describes one side of a combo order submission.
type Leg struct {
	Symbol     string
	SignedQty  int // positive buy, negative sell
	LimitPrice decimal.Decimal
}

// ExecutorConfig configures retry/timeout behaviour for the atomic executor.
type ExecutorConfig struct {
	MaxSlippage      decimal.Decimal
	OrderTimeout     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	PollInterval     time.Duration
}

// DefaultExecutorConfig mirrors the teacher's DefaultExecutorConfig defaults,
// adapted to options-combo order timings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxSlippage:  decimal.NewFromFloat(0.02),
		OrderTimeout: 2 * time.Minute,
		MaxRetries:   2,
		RetryDelay:   5 * time.Second,
		PollInterval: 10 * time.Second,
	}
}

// Executor submits atomic multi-leg orders against a single broker adapter
// and tracks live orders for the monitor.
type Executor struct {
	logger  *zap.Logger
	broker  BrokerAdapter
	bus     *events.EventBus
	config  ExecutorConfig
	orderMgr *OrderMonitor

	mu         sync.Mutex
	killSwitch bool
}

// NewExecutor constructs an Executor wired to a broker adapter and event bus.
func NewExecutor(broker BrokerAdapter, bus *events.EventBus, config ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{
		logger:   logger.Named("executor"),
		broker:   broker,
		bus:      bus,
		config:   config,
		orderMgr: NewOrderMonitor(bus, logger),
	}
}

// ActivateKillSwitch halts all further atomic submissions.
func (e *Executor) ActivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = true
	e.logger.Error("kill switch activated, atomic executor disabled")
}

// DeactivateKillSwitch re-enables submissions.
func (e *Executor) DeactivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = false
}

// Monitor returns the order monitor for registering with a background poll loop.
func (e *Executor) Monitor() *OrderMonitor { return e.orderMgr }

// ExecuteAtomic implements spec.md §4.12's executeAtomic(legs[], quantity) -> bool:
// all-or-nothing execution of a multi-leg order. It first attempts a single
// combo submission; if the broker rejects combo submission (or fails it),
// it falls back to independent-leg submission in the order "buy protective
// legs first, then sell premium legs", reversing any already-filled legs
// via opposing market orders on the first failure.
func (e *Executor) ExecuteAtomic(strategyID string, legs []Leg, tag string) bool {
	e.mu.Lock()
	if e.killSwitch {
		e.mu.Unlock()
		e.logger.Warn("executeAtomic rejected: kill switch active", zap.String("strategy", strategyID))
		return false
	}
	e.mu.Unlock()

	if len(legs) == 0 {
		return false
	}

	ticket, err := e.broker.ComboOrder(legs, tag)
	if err == nil {
		e.trackCombo(strategyID, ticket, legs)
		return true
	}
	e.logger.Warn("combo order submission failed, falling back to independent legs",
		zap.String("strategy", strategyID), zap.Error(err))

	return e.executeIndependentLegs(strategyID, legs, tag)
}

// orderedLegs sorts legs so protective (buying) legs submit before premium
// (selling) legs, per spec.md §4.12.
func orderedLegs(legs []Leg) []Leg {
	ordered := make([]Leg, 0, len(legs))
	for _, l := range legs {
		if l.SignedQty > 0 {
			ordered = append(ordered, l)
		}
	}
	for _, l := range legs {
		if l.SignedQty <= 0 {
			ordered = append(ordered, l)
		}
	}
	return ordered
}

func (e *Executor) executeIndependentLegs(strategyID string, legs []Leg, tag string) bool {
	ordered := orderedLegs(legs)
	filled := make([]Leg, 0, len(ordered))

	for _, leg := range ordered {
		var ticket types.OrderTicket
		var err error
		if leg.LimitPrice.IsZero() {
			ticket, err = e.broker.MarketOrder(leg.Symbol, leg.SignedQty, tag)
		} else {
			ticket, err = e.broker.LimitOrder(leg.Symbol, leg.SignedQty, leg.LimitPrice, tag)
		}
		if err != nil || ticket.Status == types.BrokerRejected || ticket.Status == types.BrokerFailed {
			e.logger.Error("leg submission failed, reversing filled legs",
				zap.String("strategy", strategyID), zap.String("symbol", leg.Symbol), zap.Error(err))
			e.reverseLegs(strategyID, filled, tag)
			return false
		}
		filled = append(filled, leg)
		e.trackLeg(strategyID, ticket, leg)
	}
	return true
}

// reverseLegs closes already-filled legs via opposing market orders.
func (e *Executor) reverseLegs(strategyID string, filled []Leg, tag string) {
	for i := len(filled) - 1; i >= 0; i-- {
		leg := filled[i]
		opposite := -leg.SignedQty
		_, err := e.broker.MarketOrder(leg.Symbol, opposite, tag+"-reverse")
		if err != nil {
			e.logger.Error("failed to reverse filled leg; manual intervention required",
				zap.String("strategy", strategyID), zap.String("symbol", leg.Symbol), zap.Error(err))
			continue
		}
		e.bus.Publish(events.OrderFailure, map[string]any{
			"strategyId": strategyID,
			"symbol":     leg.Symbol,
			"reason":     "reversed after atomic failure",
		}, "executor")
	}
}

func (e *Executor) trackCombo(strategyID string, ticket types.OrderTicket, legs []Leg) {
	e.orderMgr.Track(LiveOrder{
		OrderID:       ticket.OrderID,
		BrokerOrderID: ticket.BrokerOrderID,
		Symbol:        ticket.Symbol,
		StrategyID:    strategyID,
		Type:          "combo",
		Status:        ticket.Status,
		SubmitTime:    ticket.SubmittedAt,
		TimeoutMinutes: int(e.config.OrderTimeout.Minutes()),
		MaxRetries:    e.config.MaxRetries,
		MaxSlippage:   e.config.MaxSlippage,
	})
}

func (e *Executor) trackLeg(strategyID string, ticket types.OrderTicket, leg Leg) {
	side := "buy"
	if leg.SignedQty < 0 {
		side = "sell"
	}
	e.orderMgr.Track(LiveOrder{
		OrderID:        ticket.OrderID,
		BrokerOrderID:  ticket.BrokerOrderID,
		Symbol:         ticket.Symbol,
		StrategyID:     strategyID,
		Side:           side,
		Quantity:       leg.SignedQty,
		LimitPrice:     leg.LimitPrice,
		Status:         ticket.Status,
		SubmitTime:     ticket.SubmittedAt,
		TimeoutMinutes: int(e.config.OrderTimeout.Minutes()),
		MaxRetries:     e.config.MaxRetries,
		MaxSlippage:    e.config.MaxSlippage,
	})
}

// CancelAllOpen cancels every order the broker reports as still open,
// used by the emergency-halt path (§4.8: "cancel all open orders ...
// immediately") to guarantee no working order survives a halt. Returns
// the number successfully cancelled.
func (e *Executor) CancelAllOpen(strategyID string) int {
	open, err := e.broker.OpenOrders()
	if err != nil {
		e.logger.Error("cancel-all-open: failed to list open orders", zap.Error(err))
		return 0
	}
	cancelled := 0
	for _, o := range open {
		if err := e.broker.Cancel(o.OrderID); err != nil {
			e.logger.Warn("cancel-all-open: cancel failed", zap.String("orderId", o.OrderID), zap.Error(err))
			continue
		}
		e.updateTrackedStatus(o.OrderID, types.BrokerCancelled)
		cancelled++
		if e.bus != nil {
			e.bus.Publish(events.OrderFailure, map[string]any{
				"orderId": o.OrderID, "symbol": o.Symbol, "strategyId": strategyID,
				"reason": "cancelled: emergency halt",
			}, "executor")
		}
	}
	return cancelled
}

func (e *Executor) updateTrackedStatus(orderID string, status types.BrokerOrderStatus) {
	if o, ok := e.orderMgr.Get(orderID); ok {
		o.Status = status
		e.orderMgr.Track(o)
	}
}

// hasOpenShortOption reports whether pos has at least one open
// short-option component -- the unlimited-risk legs §4.8's emergency
// rule singles out for immediate liquidation.
func hasOpenShortOption(pos *types.MultiLegPosition) bool {
	for _, c := range pos.Components {
		if c.Status == types.ComponentClosed || c.Status == types.ComponentCancelled {
			continue
		}
		if c.IsShortOption() {
			return true
		}
	}
	return false
}

// flatteningLegs builds the opposing-side legs that close every open
// component of pos. Duplicated in miniature from
// internal/strategies/common.go's closingLegs/occSymbol rather than
// imported, since internal/strategies already imports this package.
func flatteningLegs(pos *types.MultiLegPosition) []Leg {
	var legs []Leg
	for _, c := range pos.Components {
		if c.Status == types.ComponentClosed || c.Status == types.ComponentCancelled {
			continue
		}
		legs = append(legs, Leg{Symbol: liquidationSymbol(pos.Underlying, c.Contract), SignedQty: -c.Quantity})
	}
	return legs
}

func liquidationSymbol(underlying string, c types.OptionContract) string {
	right := "C"
	if c.Right == types.Put {
		right = "P"
	}
	strikeMills := c.Strike.Mul(decimal.NewFromInt(1000)).IntPart()
	return fmt.Sprintf("%s%s%s%08d", underlying, c.Expiry.Format("060102"), right, strikeMills)
}

// LiquidateShortOptions flattens every open position across every
// strategy that carries at least one short-option component, via the
// atomic executor, and marks each one closed in the position manager
// once its flattening legs are accepted. Used by the state manager's
// emergency hook (§4.8, Scenario B: "all short-option positions
// liquidated"). Returns the number of positions closed.
func (e *Executor) LiquidateShortOptions(positions *position.Manager) int {
	closed := 0
	for _, pos := range positions.All() {
		if pos.Status == types.PositionClosed {
			continue
		}
		if !hasOpenShortOption(pos) {
			continue
		}
		legs := flatteningLegs(pos)
		if len(legs) == 0 {
			continue
		}
		if !e.ExecuteAtomic(pos.StrategyID, legs, pos.StrategyID+"-emergency-exit") {
			e.logger.Error("emergency liquidation failed for position",
				zap.String("strategy", pos.StrategyID), zap.String("positionId", pos.PositionID))
			continue
		}
		if err := positions.ClosePosition(pos.PositionID); err != nil {
			e.logger.Error("emergency liquidation: failed to mark position closed",
				zap.String("strategy", pos.StrategyID), zap.String("positionId", pos.PositionID), zap.Error(err))
			continue
		}
		closed++
	}
	return closed
}

// VerifyZeroNetChange implements invariant 7: after executeAtomic returns
// false, the net signed quantity change across legs must be zero. It is
// used by tests and by callers that want to assert the invariant directly
// against broker-reported holdings before and after a failed attempt.
func VerifyZeroNetChange(before, after map[string]types.Holding, legs []Leg) error {
	for _, leg := range legs {
		b := before[leg.Symbol].Quantity
		a := after[leg.Symbol].Quantity
		if !a.Sub(b).IsZero() {
			return fmt.Errorf("executor: non-zero net change on %s after failed atomic execution: %s -> %s", leg.Symbol, b, a)
		}
	}
	return nil
}
