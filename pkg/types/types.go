// Package types provides the shared data model for the trading core:
// option contracts, multi-leg positions, strategy/system state enums,
// events and risk records. All monetary and quantity-weighted fields use
// decimal.Decimal; raw contract counts stay int.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionRight distinguishes calls from puts.
type OptionRight string

const (
	Call OptionRight = "call"
	Put  OptionRight = "put"
)

// OptionContract is a reference to a single option contract.
type OptionContract struct {
	Underlying string          `json:"underlying"`
	Strike     decimal.Decimal `json:"strike"`
	Expiry     time.Time       `json:"expiry"`
	Right      OptionRight     `json:"right"`
	Multiplier int             `json:"multiplier"` // 100 equity, 50 /ES, 5 /MES
}

// DTE returns whole days to expiry as of asOf.
func (c OptionContract) DTE(asOf time.Time) int {
	d := c.Expiry.Sub(asOf)
	days := int(d.Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// ComponentStatus is the lifecycle of a single position leg.
type ComponentStatus string

const (
	ComponentPending        ComponentStatus = "Pending"
	ComponentOpen           ComponentStatus = "Open"
	ComponentPartiallyFilled ComponentStatus = "PartiallyFilled"
	ComponentClosed         ComponentStatus = "Closed"
	ComponentCancelled      ComponentStatus = "Cancelled"
	ComponentAssigned       ComponentStatus = "Assigned"
)

// LegType tags the role a component plays within its strategy's structure.
type LegType string

const (
	LegLEAPCall      LegType = "LEAP_CALL"
	LegNakedPut      LegType = "NAKED_PUT"
	LegDebitLong     LegType = "DEBIT_LONG"
	LegDebitShort    LegType = "DEBIT_SHORT"
	LegWeeklyCall    LegType = "WEEKLY_CALL_N"
	LegShortPut      LegType = "SHORT_PUT"
	LegLongPut       LegType = "LONG_PUT"
	LegShortCall     LegType = "SHORT_CALL"
	LegLongCall      LegType = "LONG_CALL"
	LegLaddered      LegType = "LADDERED_PUT"
)

// PositionComponent is a single leg of a multi-leg position.
type PositionComponent struct {
	ComponentID    string          `json:"componentId"`
	StrategyID     string          `json:"strategyId"`
	Underlying     string          `json:"underlying"`
	LegType        LegType         `json:"legType"`
	Contract       OptionContract  `json:"contract"`
	Quantity       int             `json:"quantity"` // signed: positive long, negative short
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	CurrentPrice   decimal.Decimal `json:"currentPrice"`
	Commission     decimal.Decimal `json:"commission"`
	Status         ComponentStatus `json:"status"`
	OrderLinkageID string          `json:"orderLinkageId,omitempty"`
	FillTimestamp  *time.Time      `json:"fillTimestamp,omitempty"`
	PnL            decimal.Decimal `json:"pnl"`
}

// IsShort reports whether the component is a net-short leg.
func (c *PositionComponent) IsShort() bool { return c.Quantity < 0 }

// IsShortOption reports whether this leg is an unlimited-risk short option.
func (c *PositionComponent) IsShortOption() bool { return c.IsShort() }

// DTE returns days-to-expiry for the component's contract.
func (c *PositionComponent) DTE(asOf time.Time) int { return c.Contract.DTE(asOf) }

// RecomputePnL refreshes PnL from entry/current price, sign-aware on quantity.
func (c *PositionComponent) RecomputePnL() {
	priceDelta := c.CurrentPrice.Sub(c.EntryPrice)
	qty := decimal.NewFromInt(int64(c.Quantity))
	mult := decimal.NewFromInt(int64(c.Contract.Multiplier))
	c.PnL = priceDelta.Mul(qty).Mul(mult).Sub(c.Commission)
}

// PositionStatus is the lifecycle of a multi-leg position.
type PositionStatus string

const (
	PositionBuilding       PositionStatus = "Building"
	PositionActive         PositionStatus = "Active"
	PositionPartiallyClosed PositionStatus = "PartiallyClosed"
	PositionClosed         PositionStatus = "Closed"
)

// MultiLegPosition is the authoritative record of one strategy's open trade.
type MultiLegPosition struct {
	PositionID string                        `json:"positionId"`
	StrategyID string                        `json:"strategyId"`
	Underlying string                        `json:"underlying"`
	Components map[string]*PositionComponent `json:"components"`
	Order      []string                      `json:"order"` // insertion order of component ids
	EntryTime  time.Time                     `json:"entryTime"`
	Metadata   map[string]any                `json:"metadata"`
	Status     PositionStatus                `json:"status"`
}

// TotalPnL sums every component's PnL.
func (p *MultiLegPosition) TotalPnL() decimal.Decimal {
	total := decimal.Zero
	for _, c := range p.Components {
		total = total.Add(c.PnL)
	}
	return total
}

// MinDTE returns the minimum days-to-expiry across all components.
func (p *MultiLegPosition) MinDTE(asOf time.Time) int {
	min := -1
	for _, id := range p.Order {
		c, ok := p.Components[id]
		if !ok {
			continue
		}
		d := c.DTE(asOf)
		if min == -1 || d < min {
			min = d
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// AllClosed reports whether every component has reached Closed.
func (p *MultiLegPosition) AllClosed() bool {
	for _, c := range p.Components {
		if c.Status != ComponentClosed {
			return false
		}
	}
	return true
}

// StrategyState is the finite state set for a strategy's state machine.
type StrategyState string

const (
	StateInitializing StrategyState = "Initializing"
	StateReady        StrategyState = "Ready"
	StateAnalyzing    StrategyState = "Analyzing"
	StatePendingEntry StrategyState = "PendingEntry"
	StateEntering     StrategyState = "Entering"
	StatePositionOpen StrategyState = "PositionOpen"
	StateManaging     StrategyState = "Managing"
	StateAdjusting    StrategyState = "Adjusting"
	StatePendingExit  StrategyState = "PendingExit"
	StateExiting      StrategyState = "Exiting"
	StateClosed       StrategyState = "Closed"
	StateSuspended    StrategyState = "Suspended"
	StateError        StrategyState = "Error"
)

// Trigger is the closed set of transition triggers.
type Trigger string

const (
	TriggerMarketOpen          Trigger = "MarketOpen"
	TriggerMarketClose         Trigger = "MarketClose"
	TriggerTimeWindowStart     Trigger = "TimeWindowStart"
	TriggerTimeWindowEnd       Trigger = "TimeWindowEnd"
	TriggerEntryConditionsMet  Trigger = "EntryConditionsMet"
	TriggerEntryConditionsFailed Trigger = "EntryConditionsFailed"
	TriggerOrderFilled         Trigger = "OrderFilled"
	TriggerOrderRejected       Trigger = "OrderRejected"
	TriggerProfitTargetHit     Trigger = "ProfitTargetHit"
	TriggerStopLossHit         Trigger = "StopLossHit"
	TriggerDefensiveExitDTE    Trigger = "DefensiveExitDTE"
	TriggerAdjustmentNeeded    Trigger = "AdjustmentNeeded"
	TriggerEmergencyExit       Trigger = "EmergencyExit"
	TriggerVIXSpike            Trigger = "VIXSpike"
	TriggerMarginCall          Trigger = "MarginCall"
	TriggerCorrelationLimit    Trigger = "CorrelationLimit"
	TriggerDataStale           Trigger = "DataStale"
	TriggerSystemError         Trigger = "SystemError"
)

// SystemState is the unified state manager's top-level state set.
type SystemState string

const (
	SystemInitializing SystemState = "Initializing"
	SystemMarketClosed SystemState = "MarketClosed"
	SystemPreMarket    SystemState = "PreMarket"
	SystemMarketOpen   SystemState = "MarketOpen"
	SystemEmergency    SystemState = "Emergency"
	SystemHalted       SystemState = "Halted"
	SystemShuttingDown SystemState = "ShuttingDown"
)

// Regime is the totally-ordered VIX regime ladder.
type Regime int

const (
	RegimeLow Regime = iota
	RegimeNormal
	RegimeElevated
	RegimeHigh
	RegimeExtreme
	RegimeCrisis
	RegimeHistoric
)

func (r Regime) String() string {
	switch r {
	case RegimeLow:
		return "Low"
	case RegimeNormal:
		return "Normal"
	case RegimeElevated:
		return "Elevated"
	case RegimeHigh:
		return "High"
	case RegimeExtreme:
		return "Extreme"
	case RegimeCrisis:
		return "Crisis"
	case RegimeHistoric:
		return "Historic"
	default:
		return "Unknown"
	}
}

// MarketRegime is the supplemental time/margin-aware overlay (SPEC_FULL §C.1).
type MarketRegime string

const (
	MarketRegimeNormal       MarketRegime = "Normal"
	MarketRegimeTransitional MarketRegime = "Transitional"
	MarketRegimeStressed     MarketRegime = "Stressed"
	MarketRegimeCrisis       MarketRegime = "Crisis"
)

// AccountPhase buckets portfolio value into BP-cap tiers.
type AccountPhase int

const (
	Phase1 AccountPhase = 1
	Phase2 AccountPhase = 2
	Phase3 AccountPhase = 3
	Phase4 AccountPhase = 4
)

// RiskEventKind enumerates risk-manager emitted event kinds.
type RiskEventKind string

const (
	CircuitBreakerTriggered    RiskEventKind = "CircuitBreakerTriggered"
	CorrelationLimitExceeded   RiskEventKind = "CorrelationLimitExceeded"
	ConcentrationLimitExceeded RiskEventKind = "ConcentrationLimitExceeded"
	MarginThresholdExceeded    RiskEventKind = "MarginThresholdExceeded"
	VIXEmergency               RiskEventKind = "VIXEmergency"
	RecoveryConditionsMet      RiskEventKind = "RecoveryConditionsMet"
)

// RiskLevel is the severity of a RiskEvent.
type RiskLevel string

const (
	RiskInfo      RiskLevel = "Info"
	RiskWarning   RiskLevel = "Warning"
	RiskCritical  RiskLevel = "Critical"
	RiskEmergency RiskLevel = "Emergency"
)

// RiskEvent is a risk-manager-originated notification.
type RiskEvent struct {
	Kind      RiskEventKind   `json:"kind"`
	Level     RiskLevel       `json:"level"`
	Message   string          `json:"message"`
	Data      map[string]any  `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Greeks holds the five standard option sensitivities.
type Greeks struct {
	Delta decimal.Decimal `json:"delta"`
	Gamma decimal.Decimal `json:"gamma"`
	Theta decimal.Decimal `json:"theta"`
	Vega  decimal.Decimal `json:"vega"`
	Rho   decimal.Decimal `json:"rho"`
}

func (g Greeks) Add(o Greeks) Greeks {
	return Greeks{
		Delta: g.Delta.Add(o.Delta),
		Gamma: g.Gamma.Add(o.Gamma),
		Theta: g.Theta.Add(o.Theta),
		Vega:  g.Vega.Add(o.Vega),
		Rho:   g.Rho.Add(o.Rho),
	}
}

// RiskScoreLevel classifies a single Greek against its Safe/Warning/Critical bands.
type RiskScoreLevel string

const (
	RiskScoreSafe     RiskScoreLevel = "Safe"
	RiskScoreWarning  RiskScoreLevel = "Warning"
	RiskScoreCritical RiskScoreLevel = "Critical"
)

// PortfolioGreeksReport is the Greeks service's aggregate output.
type PortfolioGreeksReport struct {
	Total       Greeks                    `json:"total"`
	ByUnderlying map[string]Greeks        `json:"byUnderlying"`
	ByExpiry     map[string]Greeks        `json:"byExpiry"`
	RiskScores   map[string]RiskScoreLevel `json:"riskScores"` // "delta","gamma","theta","vega"
	Timestamp    time.Time                `json:"timestamp"`
}

// --- Broker / market-data adapter contract types (§6, consumed not owned) ---

// BrokerOrderStatus is the order-status set the broker adapter reports.
type BrokerOrderStatus string

const (
	BrokerPending         BrokerOrderStatus = "Pending"
	BrokerSubmitted       BrokerOrderStatus = "Submitted"
	BrokerFilled          BrokerOrderStatus = "Filled"
	BrokerPartiallyFilled BrokerOrderStatus = "PartiallyFilled"
	BrokerCancelled       BrokerOrderStatus = "Cancelled"
	BrokerRejected        BrokerOrderStatus = "Rejected"
	BrokerFailed          BrokerOrderStatus = "Failed"
)

// OrderTicket is returned by the broker adapter on order submission.
type OrderTicket struct {
	OrderID      string            `json:"orderId"`
	BrokerOrderID string           `json:"brokerOrderId"`
	Symbol       string            `json:"symbol"`
	Status       BrokerOrderStatus `json:"status"`
	SubmittedAt  time.Time         `json:"submittedAt"`
}

// Holding is one line of the broker's reported portfolio.
type Holding struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
	IsShort  bool            `json:"isShort"`
	IsOption bool            `json:"isOption"`
}

// Account is the broker adapter's account snapshot.
type Account struct {
	PortfolioValue decimal.Decimal `json:"portfolioValue"`
	Cash           decimal.Decimal `json:"cash"`
	MarginUsed     decimal.Decimal `json:"marginUsed"`
	MarginRemaining decimal.Decimal `json:"marginRemaining"`
	BuyingPower    decimal.Decimal `json:"buyingPower"`
}
