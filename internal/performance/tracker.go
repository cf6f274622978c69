// Package performance implements the performance tracker named as a
// Tier 2 container manager in spec.md §4.10 ("VIX manager, Greeks
// service, position-state manager, performance tracker"). It subscribes
// to the position-state manager's PositionClosed events and accumulates
// a rolling per-strategy trade history, exposing win rate / Sharpe
// ratio / max drawdown / profit factor figures through Snapshot/All and
// feeding each closed trade's outcome to the position sizer's Kelly
// inputs.
//
// Grounded on the domain-agnostic statistics helpers pkg/utils/utils.go
// already carried for this purpose (CalculateWinRate, CalculateSharpeRatio,
// CalculateMaxDrawdown, CalculateProfitFactor), adapted from a free
// function library into a stateful, event-wired tracker in the idiom of
// internal/optimizer.Optimizer (a self-wiring subscriber holding a small
// mutex-guarded struct, constructed once from cmd/core/main.go and never
// called directly thereafter).
package performance

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
)

// ResultRecorder is the subset of internal/sizing.Sizer's surface the
// tracker needs to feed a closed trade's outcome back into Kelly sizing.
// Declared here (rather than imported) so this package has no dependency
// on internal/sizing; cmd/core/main.go supplies the concrete *sizing.Sizer.
type ResultRecorder interface {
	RecordResult(strategyName string, won bool, pnlPct float64)
}

// strategyHistory is one strategy's rolling trade ledger.
type strategyHistory struct {
	pnls   []decimal.Decimal // realized P&L per closed trade, in entry order
	equity []decimal.Decimal // running cumulative P&L, for drawdown
}

// Metrics is a point-in-time snapshot of one strategy's performance.
type Metrics struct {
	TradeCount   int
	TotalPnL     decimal.Decimal
	WinRate      decimal.Decimal
	ProfitFactor decimal.Decimal
	SharpeRatio  decimal.Decimal
	MaxDrawdown  decimal.Decimal
}

// Tracker is the container-managed performance tracker.
type Tracker struct {
	mu      sync.Mutex
	bus     *events.EventBus
	sizer   ResultRecorder
	history map[string]*strategyHistory
	logger  *zap.Logger
}

// New constructs a tracker and subscribes it to PositionClosed. sizer may
// be nil (e.g. in a test, or if the position sizer failed to start).
func New(bus *events.EventBus, sizer ResultRecorder, logger *zap.Logger) *Tracker {
	t := &Tracker{
		bus:     bus,
		sizer:   sizer,
		history: make(map[string]*strategyHistory),
		logger:  logger,
	}
	t.wire()
	return t
}

func (t *Tracker) wire() {
	if t.bus == nil {
		return
	}
	t.bus.Subscribe(events.PositionClosed, "performance_tracker", 0, func(e *events.Event) error {
		strategyID, _ := e.Payload["strategyId"].(string)
		realizedPnL, _ := e.Payload["realizedPnl"].(float64)
		if strategyID == "" {
			return nil
		}
		t.record(strategyID, realizedPnL)
		return nil
	})
}

func (t *Tracker) record(strategyID string, realizedPnL float64) {
	t.mu.Lock()
	h, ok := t.history[strategyID]
	if !ok {
		h = &strategyHistory{}
		t.history[strategyID] = h
	}
	pnl := decimal.NewFromFloat(realizedPnL)
	h.pnls = append(h.pnls, pnl)
	running := decimal.Zero
	if len(h.equity) > 0 {
		running = h.equity[len(h.equity)-1]
	}
	h.equity = append(h.equity, running.Add(pnl))
	t.mu.Unlock()

	if t.sizer != nil {
		pct := 0.0
		if !pnl.IsZero() {
			pct = math.Abs(realizedPnL)
		}
		t.sizer.RecordResult(strategyID, realizedPnL > 0, pct)
	}
}

// Snapshot returns strategyID's current performance figures. ok is false
// if no trade has closed for that strategy yet.
func (t *Tracker) Snapshot(strategyID string) (Metrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.history[strategyID]
	if !ok || len(h.pnls) == 0 {
		return Metrics{}, false
	}
	return computeMetrics(h), true
}

// All returns a snapshot of every strategy with at least one closed
// trade.
func (t *Tracker) All() map[string]Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Metrics, len(t.history))
	for strategyID, h := range t.history {
		if len(h.pnls) == 0 {
			continue
		}
		out[strategyID] = computeMetrics(h)
	}
	return out
}

func computeMetrics(h *strategyHistory) Metrics {
	total := decimal.Zero
	for _, p := range h.pnls {
		total = total.Add(p)
	}
	return Metrics{
		TradeCount:   len(h.pnls),
		TotalPnL:     total,
		WinRate:      calculateWinRate(h.pnls),
		ProfitFactor: calculateProfitFactor(h.pnls),
		SharpeRatio:  calculateSharpeRatio(h.pnls),
		MaxDrawdown:  calculateMaxDrawdown(h.equity),
	}
}

func calculateMean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

func calculateStdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	mean := calculateMean(values)
	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1)))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}

// calculateSharpeRatio treats each closed trade as one period, risk-free
// at zero and unannualized -- the tracker deals in discrete trade events
// rather than a fixed-frequency return series, so there is no periods-
// per-year to annualize against.
func calculateSharpeRatio(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) < 2 {
		return decimal.Zero
	}
	stdDev := calculateStdDev(pnls)
	if stdDev.IsZero() {
		return decimal.Zero
	}
	return calculateMean(pnls).Div(stdDev)
}

func calculateMaxDrawdown(equity []decimal.Decimal) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}
	maxDrawdown := decimal.Zero
	peak := equity[0]
	for _, value := range equity {
		if value.GreaterThan(peak) {
			peak = value
		}
		if peak.IsZero() {
			continue
		}
		drawdown := peak.Sub(value).Div(peak.Abs())
		if drawdown.GreaterThan(maxDrawdown) {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func calculateWinRate(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, p := range pnls {
		if p.GreaterThan(decimal.Zero) {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(pnls))))
}

func calculateProfitFactor(pnls []decimal.Decimal) decimal.Decimal {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, p := range pnls {
		if p.GreaterThan(decimal.Zero) {
			grossProfit = grossProfit.Add(p)
		} else {
			grossLoss = grossLoss.Add(p.Abs())
		}
	}
	if grossLoss.IsZero() {
		if grossProfit.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return grossProfit.Div(grossLoss)
}
