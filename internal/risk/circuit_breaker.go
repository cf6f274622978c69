package risk

import (
	"sync"
	"time"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// CircuitBreakerPlugin enforces the mandatory loss-threshold plugin
// (spec.md §4.9 plugin 1), with thresholds ported verbatim from
// original_source/risk/circuit_breaker.py: daily 5%, weekly 10%, monthly
// 15%, intraday drawdown 3%, max 3 consecutive losses, plus the
// supplemented loss-rate sub-check (>50% loss rate with >=3 losses) and
// weekly/monthly baseline rollover (Monday reset, day<=3 reset).
type CircuitBreakerPlugin struct {
	mu sync.Mutex

	dailyLossLimit      float64
	weeklyLossLimit     float64
	monthlyLossLimit    float64
	intradayDDLimit     float64
	maxConsecutiveLoss  int
	recoveryPeriod      time.Duration
	recoveryThreshold   float64

	startOfDayValue   float64
	startOfWeekValue  float64
	startOfMonthValue float64
	intradayPeak      float64
	currentValue      float64

	consecutiveLosses int
	wins, losses      int

	tripped       bool
	trippedAt     time.Time
	trippedReason string

	lastRolloverWeek  int
	lastRolloverMonth time.Month
}

// NewCircuitBreakerPlugin constructs the plugin from risk limits config.
func NewCircuitBreakerPlugin(limits types.RiskLimits) *CircuitBreakerPlugin {
	daily, _ := limits.DailyLossLimit.Float64()
	weekly, _ := limits.WeeklyLossLimit.Float64()
	monthly, _ := limits.MonthlyLossLimit.Float64()
	intraday, _ := limits.IntradayDrawdownLimit.Float64()
	recovery, _ := limits.RecoveryThreshold.Float64()
	return &CircuitBreakerPlugin{
		dailyLossLimit:     daily,
		weeklyLossLimit:    weekly,
		monthlyLossLimit:   monthly,
		intradayDDLimit:    intraday,
		maxConsecutiveLoss: limits.MaxConsecutiveLosses,
		recoveryPeriod:     limits.RecoveryPeriod,
		recoveryThreshold:  recovery,
	}
}

func (p *CircuitBreakerPlugin) Name() string    { return "circuit_breaker" }
func (p *CircuitBreakerPlugin) Version() string { return "1.0.0" }

func (p *CircuitBreakerPlugin) Initialize(bus *events.EventBus) bool { return true }

// SetBaseline primes the day/week/month starting portfolio values; must
// be called once per session and on each rollover.
func (p *CircuitBreakerPlugin) SetBaseline(now time.Time, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startOfDayValue = value
	p.intradayPeak = value
	p.currentValue = value
	_, week := now.ISOWeek()
	if p.lastRolloverWeek == 0 || now.Weekday() == time.Monday {
		p.startOfWeekValue = value
		p.lastRolloverWeek = week
	}
	if p.lastRolloverMonth == 0 || now.Day() <= 3 {
		p.startOfMonthValue = value
		p.lastRolloverMonth = now.Month()
	}
}

// UpdateValue feeds the latest portfolio value, tracking the intraday
// peak for drawdown measurement.
func (p *CircuitBreakerPlugin) UpdateValue(value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentValue = value
	if value > p.intradayPeak {
		p.intradayPeak = value
	}
}

func (p *CircuitBreakerPlugin) CanOpenPosition(ctx PositionContext) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tripped {
		if time.Since(p.trippedAt) < p.recoveryPeriod {
			return false, "circuit breaker tripped: " + p.trippedReason
		}
	}
	return true, ""
}

func (p *CircuitBreakerPlugin) OnPositionOpened(ctx PositionContext) {}

func (p *CircuitBreakerPlugin) OnPositionClosed(ctx PositionContext) {
	// Caller attaches realized win/loss via RecordTradeResult; this hook
	// exists to satisfy the plugin contract uniformly.
}

// RecordTradeResult updates the consecutive-loss counter and loss-rate
// tallies (§4.9, supplemented loss-rate sub-check).
func (p *CircuitBreakerPlugin) RecordTradeResult(won bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if won {
		p.wins++
		p.consecutiveLosses = 0
	} else {
		p.losses++
		p.consecutiveLosses++
	}
}

func (p *CircuitBreakerPlugin) OnMarketData(symbol string, price float64) {}

// PeriodicCheck evaluates every circuit-breaker threshold against the
// current portfolio value (set via UpdateValue) and trips on the first
// breach found (§4.9).
func (p *CircuitBreakerPlugin) PeriodicCheck() []types.RiskEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.startOfDayValue <= 0 {
		return nil
	}
	current := p.currentValue
	dailyLoss := (p.startOfDayValue - current) / p.startOfDayValue
	weeklyLoss := 0.0
	if p.startOfWeekValue > 0 {
		weeklyLoss = (p.startOfWeekValue - current) / p.startOfWeekValue
	}
	monthlyLoss := 0.0
	if p.startOfMonthValue > 0 {
		monthlyLoss = (p.startOfMonthValue - current) / p.startOfMonthValue
	}
	intradayDD := 0.0
	if p.intradayPeak > 0 {
		intradayDD = (p.intradayPeak - current) / p.intradayPeak
	}

	var reason string
	switch {
	case dailyLoss >= p.dailyLossLimit:
		reason = "daily loss limit breached"
	case weeklyLoss >= p.weeklyLossLimit:
		reason = "weekly loss limit breached"
	case monthlyLoss >= p.monthlyLossLimit:
		reason = "monthly loss limit breached"
	case intradayDD >= p.intradayDDLimit:
		reason = "intraday drawdown limit breached"
	case p.consecutiveLosses >= p.maxConsecutiveLoss:
		reason = "max consecutive losses breached"
	case p.losses >= 3 && float64(p.losses)/float64(p.wins+p.losses) > 0.5:
		reason = "loss rate exceeded 50% with at least 3 losses"
	}

	if reason == "" {
		return nil
	}
	p.tripped = true
	p.trippedAt = time.Now()
	p.trippedReason = reason
	return []types.RiskEvent{{
		Kind:    types.CircuitBreakerTriggered,
		Level:   types.RiskEmergency,
		Message: reason,
		Data: map[string]any{
			"dailyLoss": dailyLoss, "weeklyLoss": weeklyLoss,
			"monthlyLoss": monthlyLoss, "intradayDrawdown": intradayDD,
			"consecutiveLosses": p.consecutiveLosses,
		},
		Timestamp: p.trippedAt,
	}}
}

// RecoveryConditionsMet reports whether the breaker may reset: at least
// recoveryPeriod has elapsed and the portfolio has recovered at least
// recoveryThreshold of its daily starting value.
func (p *CircuitBreakerPlugin) RecoveryConditionsMet(currentValue float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.tripped {
		return false
	}
	if time.Since(p.trippedAt) < p.recoveryPeriod {
		return false
	}
	if p.startOfDayValue <= 0 {
		return false
	}
	lossFromBaseline := (p.startOfDayValue - currentValue) / p.startOfDayValue
	return lossFromBaseline <= p.recoveryThreshold
}

// Reset clears the tripped state (called once recovery is confirmed).
func (p *CircuitBreakerPlugin) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tripped = false
	p.consecutiveLosses = 0
	p.wins, p.losses = 0, 0
}

func (p *CircuitBreakerPlugin) GetRiskMetrics() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"tripped": p.tripped, "consecutiveLosses": p.consecutiveLosses,
		"wins": p.wins, "losses": p.losses,
	}
}

func (p *CircuitBreakerPlugin) Shutdown() {}
