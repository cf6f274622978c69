package executor

import (
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LiveOrder is one order being tracked for fill/timeout/retry, per
// spec.md §4.12's monitor record: orderId, brokerOrderId, symbol, type,
// side, quantity, limitPrice?, stopPrice?, status, submitTime,
// timeoutMinutes, retryCount, maxRetries, maxSlippage.
type LiveOrder struct {
	OrderID        string
	BrokerOrderID  string
	Symbol         string
	StrategyID     string
	Type           string
	Side           string
	Quantity       int
	LimitPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	Status         types.BrokerOrderStatus
	SubmitTime     time.Time
	TimeoutMinutes int
	RetryCount     int
	MaxRetries     int
	MaxSlippage    decimal.Decimal
}

// RejectClass classifies a broker rejection as retryable or terminal.
type RejectClass string

const (
	RejectRetryable RejectClass = "retryable"
	RejectTerminal  RejectClass = "terminal"
)

// terminalReasons are substrings of a reject message that never warrant retry.
var terminalReasons = []string{"insufficient funds", "invalid symbol", "account restricted"}

// ClassifyReject implements spec.md §4.12/§7's execution classification:
// insufficient funds and invalid symbol are terminal; anything else is
// treated as a transient/retryable rejection.
func ClassifyReject(reason string) RejectClass {
	lower := strings.ToLower(reason)
	for _, t := range terminalReasons {
		if strings.Contains(lower, t) {
			return RejectTerminal
		}
	}
	return RejectRetryable
}

// OrderMonitor tracks live orders and periodically evaluates them for
// fill/timeout/reject handling, grounded on the teacher's OrderManager
// (internal/execution/order_manager.go) generalised to option orders and
// to publishing bus events instead of maintaining local fill channels,
// since spec.md §5 requires shared-state mutation to flow through the bus.
type OrderMonitor struct {
	mu     sync.Mutex
	orders map[string]*LiveOrder
	bus    *events.EventBus
	logger *zap.Logger
}

// NewOrderMonitor constructs an empty monitor.
func NewOrderMonitor(bus *events.EventBus, logger *zap.Logger) *OrderMonitor {
	return &OrderMonitor{
		orders: make(map[string]*LiveOrder),
		bus:    bus,
		logger: logger.Named("order-monitor"),
	}
}

// Track registers a newly submitted order for monitoring.
func (m *OrderMonitor) Track(o LiveOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.orders[o.OrderID] = &cp
}

// Get returns a snapshot of a tracked order.
func (m *OrderMonitor) Get(orderID string) (LiveOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return LiveOrder{}, false
	}
	return *o, true
}

// Open returns all orders not yet in a terminal status.
func (m *OrderMonitor) Open() []LiveOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []LiveOrder
	for _, o := range m.orders {
		if isOpenStatus(o.Status) {
			open = append(open, *o)
		}
	}
	return open
}

func isOpenStatus(s types.BrokerOrderStatus) bool {
	switch s {
	case types.BrokerPending, types.BrokerSubmitted, types.BrokerPartiallyFilled:
		return true
	default:
		return false
	}
}

// PollOnce checks every open order's status against the broker adapter
// (a StatusChecker func, so tests can stub it) and dispatches fill,
// timeout, and reject handling. Background order monitoring may run this
// on a worker goroutine per spec.md §5; all observed state changes are
// published on the bus rather than mutated directly by callers.
func (m *OrderMonitor) PollOnce(now time.Time, statusOf func(brokerOrderID string) (types.BrokerOrderStatus, string, error), cancel func(orderID string) error) {
	for _, o := range m.Open() {
		status, rejectReason, err := statusOf(o.BrokerOrderID)
		if err != nil {
			m.logger.Debug("status check failed", zap.String("orderId", o.OrderID), zap.Error(err))
			continue
		}

		switch status {
		case types.BrokerFilled:
			m.updateStatus(o.OrderID, status)
			m.bus.Publish(events.OrderFilled, map[string]any{
				"orderId":    o.OrderID,
				"symbol":     o.Symbol,
				"strategyId": o.StrategyID,
			}, "order-monitor")

		case types.BrokerRejected, types.BrokerFailed:
			m.handleReject(o, status, rejectReason)

		default:
			if m.isTimedOut(o, now) {
				m.handleTimeout(o, cancel)
			} else {
				m.updateStatus(o.OrderID, status)
			}
		}
	}
}

func (m *OrderMonitor) isTimedOut(o LiveOrder, now time.Time) bool {
	if o.TimeoutMinutes <= 0 {
		return false
	}
	return now.Sub(o.SubmitTime) > time.Duration(o.TimeoutMinutes)*time.Minute
}

func (m *OrderMonitor) handleTimeout(o LiveOrder, cancel func(orderID string) error) {
	if cancel != nil {
		if err := cancel(o.OrderID); err != nil {
			m.logger.Warn("cancel-on-timeout failed", zap.String("orderId", o.OrderID), zap.Error(err))
		}
	}
	if o.RetryCount < o.MaxRetries {
		m.mu.Lock()
		if tracked, ok := m.orders[o.OrderID]; ok {
			tracked.RetryCount++
			tracked.SubmitTime = time.Now()
			tracked.Status = types.BrokerPending
		}
		m.mu.Unlock()
		m.bus.Publish(events.OrderRejected, map[string]any{
			"orderId":    o.OrderID,
			"symbol":     o.Symbol,
			"strategyId": o.StrategyID,
			"reason":     "timeout, retrying",
			"retryCount": o.RetryCount + 1,
		}, "order-monitor")
		return
	}
	m.updateStatus(o.OrderID, types.BrokerCancelled)
	m.bus.Publish(events.OrderFailure, map[string]any{
		"orderId":    o.OrderID,
		"symbol":     o.Symbol,
		"strategyId": o.StrategyID,
		"reason":     "timeout, retries exhausted",
	}, "order-monitor")
}

func (m *OrderMonitor) handleReject(o LiveOrder, status types.BrokerOrderStatus, reason string) {
	class := ClassifyReject(reason)
	if class == RejectRetryable && o.RetryCount < o.MaxRetries {
		m.mu.Lock()
		if tracked, ok := m.orders[o.OrderID]; ok {
			tracked.RetryCount++
			tracked.Status = types.BrokerPending
		}
		m.mu.Unlock()
		m.bus.Publish(events.OrderRejected, map[string]any{
			"orderId":    o.OrderID,
			"symbol":     o.Symbol,
			"strategyId": o.StrategyID,
			"reason":     reason,
			"class":      string(class),
			"retryCount": o.RetryCount + 1,
		}, "order-monitor")
		return
	}
	m.updateStatus(o.OrderID, status)
	m.bus.Publish(events.OrderFailure, map[string]any{
		"orderId":    o.OrderID,
		"symbol":     o.Symbol,
		"strategyId": o.StrategyID,
		"reason":     reason,
		"class":      string(class),
	}, "order-monitor")
}

func (m *OrderMonitor) updateStatus(orderID string, status types.BrokerOrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.Status = status
	}
}
