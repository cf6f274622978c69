// Package greeks computes portfolio and per-leg option Greeks using
// Black-Scholes (spec.md §4.4). The cumulative normal distribution uses
// gonum's stat/distuv rather than a hand-rolled erf approximation,
// grounded on the pack's numerical-computation dependency
// (gonum.org/v1/gonum, aristath-sentinel).
package greeks

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/atlas-desktop/trading-core/internal/cache"
	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// riskScoreBands are the |Delta|/|Gamma|/Theta/|Vega| Safe-Warning-Critical
// crossing thresholds (§4.4).
var (
	deltaWarn, deltaCrit = 50.0, 100.0
	gammaWarn, gammaCrit = 10.0, 20.0
	thetaWarn, thetaCrit = -200.0, -500.0
	vegaWarn, vegaCrit   = 500.0, 1000.0
)

// Service is the Greeks service (tier 2, spec.md §4.10).
type Service struct {
	mu    sync.Mutex
	cache *cache.Cache
	bus   *events.EventBus
	logger *zap.Logger
	riskFreeRate float64
}

// NewService constructs the Greeks service.
func NewService(c *cache.Cache, bus *events.EventBus, logger *zap.Logger, riskFreeRate float64) *Service {
	return &Service{cache: c, bus: bus, logger: logger, riskFreeRate: riskFreeRate}
}

// fallbackIV estimates implied volatility from moneyness and DTE when the
// market-data adapter can't supply one, capped to [0.20, 0.80] (§4.4).
func fallbackIV(spot, strike float64, dte int) float64 {
	if spot <= 0 {
		return 0.30
	}
	moneyness := math.Abs(strike-spot) / spot
	base := 0.20 + moneyness*0.6
	if dte < 7 {
		base += 0.15
	} else if dte < 30 {
		base += 0.05
	}
	if base < 0.20 {
		base = 0.20
	}
	if base > 0.80 {
		base = 0.80
	}
	return base
}

// d1d2 computes the standard Black-Scholes d1/d2 terms.
func d1d2(spot, strike, rate, iv float64, t float64) (float64, float64) {
	if t <= 0 {
		t = 1.0 / 365.0
	}
	if iv <= 0 {
		iv = 0.0001
	}
	d1 := (math.Log(spot/strike) + (rate+0.5*iv*iv)*t) / (iv * math.Sqrt(t))
	d2 := d1 - iv*math.Sqrt(t)
	return d1, d2
}

// PerLeg computes unsigned per-share Greeks for a single contract, never
// throwing: a bad computation returns zeros with a logged warning (§4.4).
func (s *Service) PerLeg(spot float64, contract types.OptionContract, iv float64, asOf time.Time) types.Greeks {
	if spot <= 0 || contract.Strike.IsZero() {
		s.logger.Warn("greeks computation skipped: invalid inputs")
		return types.Greeks{}
	}
	strike, _ := contract.Strike.Float64()
	dte := contract.DTE(asOf)
	if iv <= 0 {
		iv = fallbackIV(spot, strike, dte)
	}
	t := float64(dte) / 365.0
	if t <= 0 {
		t = 1.0 / 365.0
	}

	d1, d2 := d1d2(spot, strike, s.riskFreeRate, iv, t)
	nd1 := stdNormal.CDF(d1)
	nd2 := stdNormal.CDF(d2)
	pdf1 := stdNormal.Prob(d1)

	var delta, theta, rho float64
	switch contract.Right {
	case types.Call:
		delta = nd1
		theta = (-spot*pdf1*iv)/(2*math.Sqrt(t)) - s.riskFreeRate*strike*math.Exp(-s.riskFreeRate*t)*nd2
		rho = strike * t * math.Exp(-s.riskFreeRate*t) * nd2 / 100.0
	case types.Put:
		delta = nd1 - 1
		theta = (-spot*pdf1*iv)/(2*math.Sqrt(t)) + s.riskFreeRate*strike*math.Exp(-s.riskFreeRate*t)*stdNormal.CDF(-d2)
		rho = -strike * t * math.Exp(-s.riskFreeRate*t) * stdNormal.CDF(-d2) / 100.0
	}
	gamma := pdf1 / (spot * iv * math.Sqrt(t))
	vega := spot * pdf1 * math.Sqrt(t) / 100.0
	thetaDaily := theta / 365.0

	return types.Greeks{
		Delta: decimal.NewFromFloat(delta),
		Gamma: decimal.NewFromFloat(gamma),
		Theta: decimal.NewFromFloat(thetaDaily),
		Vega:  decimal.NewFromFloat(vega),
		Rho:   decimal.NewFromFloat(rho),
	}
}

// SignedComponentGreeks applies sign conventions for long/short legs
// (§4.4): delta carries B-S sign times signed quantity x multiplier;
// gamma is positive for long, negated for short; theta is negative for
// long and flipped for short.
func (s *Service) SignedComponentGreeks(spot float64, c *types.PositionComponent, iv float64, asOf time.Time) types.Greeks {
	perShare := s.PerLeg(spot, c.Contract, iv, asOf)
	qty := decimal.NewFromInt(int64(c.Quantity))
	mult := decimal.NewFromInt(int64(c.Contract.Multiplier))
	scale := qty.Mul(mult)

	return types.Greeks{
		Delta: perShare.Delta.Mul(scale),
		Gamma: perShare.Gamma.Mul(scale),
		Theta: perShare.Theta.Mul(scale),
		Vega:  perShare.Vega.Mul(scale),
		Rho:   perShare.Rho.Mul(scale),
	}
}

func classify(value, warn, crit float64, invertForNegative bool) types.RiskScoreLevel {
	abs := value
	if abs < 0 {
		abs = -abs
	}
	wAbs, cAbs := warn, crit
	if invertForNegative {
		wAbs, cAbs = -warn, -crit
		if value > -wAbs {
			return types.RiskScoreSafe
		}
		if value > -cAbs {
			return types.RiskScoreWarning
		}
		return types.RiskScoreCritical
	}
	if abs < wAbs {
		return types.RiskScoreSafe
	}
	if abs < cAbs {
		return types.RiskScoreWarning
	}
	return types.RiskScoreCritical
}

// PortfolioAggregate sums per-component signed Greeks, grouped by
// underlying and expiry, and classifies a risk score per Greek (§4.4).
func (s *Service) PortfolioAggregate(spotByUnderlying map[string]float64, ivByComponent map[string]float64, positions []*types.MultiLegPosition, asOf time.Time) types.PortfolioGreeksReport {
	report := types.PortfolioGreeksReport{
		ByUnderlying: make(map[string]types.Greeks),
		ByExpiry:     make(map[string]types.Greeks),
		RiskScores:   make(map[string]types.RiskScoreLevel),
		Timestamp:    asOf,
	}

	for _, pos := range positions {
		spot, ok := spotByUnderlying[pos.Underlying]
		if !ok {
			continue
		}
		for _, cid := range pos.Order {
			c, ok := pos.Components[cid]
			if !ok || c.Status == types.ComponentClosed || c.Status == types.ComponentCancelled {
				continue
			}
			iv := ivByComponent[c.ComponentID]
			g := s.SignedComponentGreeks(spot, c, iv, asOf)

			report.Total = report.Total.Add(g)
			report.ByUnderlying[pos.Underlying] = report.ByUnderlying[pos.Underlying].Add(g)
			expiryKey := c.Contract.Expiry.Format("2006-01-02")
			report.ByExpiry[expiryKey] = report.ByExpiry[expiryKey].Add(g)
		}
	}

	delta, _ := report.Total.Delta.Float64()
	gamma, _ := report.Total.Gamma.Float64()
	theta, _ := report.Total.Theta.Float64()
	vega, _ := report.Total.Vega.Float64()

	report.RiskScores["delta"] = classify(delta, deltaWarn, deltaCrit, false)
	report.RiskScores["gamma"] = classify(gamma, gammaWarn, gammaCrit, false)
	report.RiskScores["theta"] = classify(theta, thetaWarn, thetaCrit, true)
	report.RiskScores["vega"] = classify(vega, vegaWarn, vegaCrit, false)

	if s.bus != nil {
		for k, lvl := range report.RiskScores {
			if lvl != types.RiskScoreSafe {
				s.bus.Publish(events.GreeksCalculated, map[string]any{
					"greek": k, "level": string(lvl),
				}, "greeks_service")
			}
		}
	}

	return report
}

func (s *Service) GetDependencies() []string             { return []string{"event_bus", "cache"} }
func (s *Service) CanInitializeWithoutDependencies() bool { return false }
func (s *Service) Name() string                           { return "greeks_service" }
