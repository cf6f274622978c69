// Package vix provides low-latency cached VIX access, regime
// classification and buying-power caps (spec.md §4.3). The manager
// answers events.VIXLevelRequest with events.VIXLevelResponse on the
// event bus, the request/response pattern of spec.md §9, for callers
// that hold no reference to it; the position sizer (internal/sizing) and
// the strategies (strategies.Deps) hold a direct *Manager reference.
package vix

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
)

// DataSource supplies the current VIX index level; it is the seam to the
// out-of-scope market-data adapter (spec.md §1, §6).
type DataSource interface {
	CurrentVIX() (float64, error)
}

// Manager is the VIX manager (tier 2, spec.md §4.10).
type Manager struct {
	mu sync.RWMutex

	source DataSource
	bus    *events.EventBus
	logger *zap.Logger
	thresholds types.VIXThresholds

	isBacktest bool

	cachedVIX   float64
	cachedAt    time.Time
	lastRegime  types.Regime
	haveRegime  bool

	marginRatio func() float64 // margin_used / portfolio_value, supplied by caller
}

// NewManager constructs the VIX manager. marginRatioFn supplies the
// current margin-used/portfolio-value ratio for the market-regime overlay;
// pass nil to default to 0.
func NewManager(source DataSource, bus *events.EventBus, logger *zap.Logger, thresholds types.VIXThresholds, isBacktest bool, marginRatioFn func() float64) *Manager {
	if marginRatioFn == nil {
		marginRatioFn = func() float64 { return 0 }
	}
	m := &Manager{
		source:      source,
		bus:         bus,
		logger:      logger,
		thresholds:  thresholds,
		isBacktest:  isBacktest,
		marginRatio: marginRatioFn,
	}
	if bus != nil {
		bus.Subscribe(events.VIXLevelRequest, "vix_manager", 100, m.handleVIXLevelRequest)
	}
	return m
}

func (m *Manager) cacheDuration() time.Duration {
	if m.isBacktest {
		return 5 * time.Minute
	}
	return 1 * time.Minute
}

// CurrentVIX returns the cached (or freshly fetched) VIX level. On a
// missing/erroring data source it falls back to 20.0 with a logged error
// (spec.md §4.3 "emergency fallback").
func (m *Manager) CurrentVIX() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.cachedAt) < m.cacheDuration() && m.cachedAt.After(time.Time{}) {
		return m.cachedVIX
	}

	v, err := m.source.CurrentVIX()
	if err != nil {
		m.logger.Error("vix fetch failed, using emergency fallback", zap.Error(err))
		v = 20.0
	}
	m.cachedVIX = v
	m.cachedAt = time.Now()

	newRegime := m.classify(v)
	if m.haveRegime && newRegime != m.lastRegime && m.bus != nil {
		m.bus.Publish(events.VIXRegimeChange, map[string]any{
			"old":   m.lastRegime.String(),
			"new":   newRegime.String(),
			"value": v,
		}, "vix_manager")
	}
	m.lastRegime = newRegime
	m.haveRegime = true

	return v
}

// classify maps a VIX level to the totally-ordered regime ladder (§3).
func (m *Manager) classify(v float64) types.Regime {
	t := m.thresholds
	switch {
	case v <= t.Low:
		return types.RegimeLow
	case v <= t.Normal:
		return types.RegimeNormal
	case v <= t.Elevated:
		return types.RegimeElevated
	case v <= t.High:
		return types.RegimeHigh
	case v <= t.Extreme:
		return types.RegimeExtreme
	case v <= t.Crisis:
		return types.RegimeCrisis
	default:
		return types.RegimeHistoric
	}
}

// Regime returns the current VIX regime classification.
func (m *Manager) Regime() types.Regime {
	return m.classify(m.CurrentVIX())
}

// bpLimits is the {regime x phase} buying-power cap table, ported
// verbatim from original_source/TomKingTradingFramework/core/unified_vix_manager.py.
var bpLimits = map[types.Regime]map[types.AccountPhase]float64{
	types.RegimeLow:      {types.Phase1: 0.50, types.Phase2: 0.65, types.Phase3: 0.75, types.Phase4: 0.80},
	types.RegimeNormal:   {types.Phase1: 0.45, types.Phase2: 0.60, types.Phase3: 0.70, types.Phase4: 0.75},
	types.RegimeElevated: {types.Phase1: 0.35, types.Phase2: 0.50, types.Phase3: 0.60, types.Phase4: 0.65},
	types.RegimeHigh:     {types.Phase1: 0.30, types.Phase2: 0.40, types.Phase3: 0.50, types.Phase4: 0.55},
	types.RegimeExtreme:  {types.Phase1: 0.25, types.Phase2: 0.35, types.Phase3: 0.40, types.Phase4: 0.45},
	types.RegimeCrisis:   {types.Phase1: 0.20, types.Phase2: 0.25, types.Phase3: 0.30, types.Phase4: 0.35},
	types.RegimeHistoric: {types.Phase1: 0.10, types.Phase2: 0.15, types.Phase3: 0.20, types.Phase4: 0.25},
}

// MaxBPUsage returns the buying-power utilisation cap for the current
// regime and given account phase, defaulting to 0.40 for an unknown phase.
func (m *Manager) MaxBPUsage(phase types.AccountPhase) float64 {
	row, ok := bpLimits[m.Regime()]
	if !ok {
		return 0.40
	}
	if v, ok := row[phase]; ok {
		return v
	}
	return 0.40
}

// ZeroDTETradable reports whether 0DTE entries are permitted (§9 Open
// Question (i): 22 in production).
func (m *Manager) ZeroDTETradable() bool {
	return m.CurrentVIX() > m.thresholds.ZeroDTEMinVIX
}

// PositionSizeAdjustment returns the VIX-driven size multiplier: 1.0 at
// or below Elevated, linearly ramping to 0.5 at Extreme, 0.25 beyond
// (§4.3, ported verbatim from original_source).
func (m *Manager) PositionSizeAdjustment() float64 {
	v := m.CurrentVIX()
	t := m.thresholds
	switch {
	case v <= t.Elevated:
		return 1.0
	case v <= t.Extreme:
		return 1.0 - 0.5*((v-t.Elevated)/(t.Extreme-t.Elevated))
	default:
		return 0.25
	}
}

// MarginMultiplier is the supplemental margin-requirement multiplier
// (SPEC_FULL §C.2).
func (m *Manager) MarginMultiplier() float64 {
	switch m.Regime() {
	case types.RegimeLow, types.RegimeNormal:
		return 1.0
	case types.RegimeElevated:
		return 1.25
	case types.RegimeHigh:
		return 1.5
	case types.RegimeExtreme:
		return 2.0
	case types.RegimeCrisis:
		return 3.0
	default:
		return 4.0
	}
}

// MarketRegime is the supplemental time-of-day + margin-ratio overlay
// (SPEC_FULL §C.1), independent of the VIX regime ladder that the BP cap
// table keys on.
func (m *Manager) MarketRegime(now time.Time) types.MarketRegime {
	vixRegime := m.Regime()
	margin := m.marginRatio()

	if vixRegime >= types.RegimeCrisis || margin > 0.90 {
		return types.MarketRegimeCrisis
	}
	if vixRegime >= types.RegimeHigh || margin > 0.80 {
		return types.MarketRegimeStressed
	}
	hour := now.Hour()
	if hour < 10 || hour >= 15 {
		// first/last hour of the trading day: more transitional
		if vixRegime >= types.RegimeElevated {
			return types.MarketRegimeTransitional
		}
	}
	return types.MarketRegimeNormal
}

// HealthStatus reports readiness for the manager factory's /healthz
// aggregation (SPEC_FULL §C.3).
type HealthStatus struct {
	Healthy        bool
	Ready          bool
	DependenciesMet bool
	CacheValid     bool
	Detail         string
}

func (m *Manager) HealthStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	valid := time.Since(m.cachedAt) < m.cacheDuration()
	return HealthStatus{
		Healthy:         m.source != nil,
		Ready:           true,
		DependenciesMet: m.source != nil,
		CacheValid:      valid,
		Detail:          "vix_manager",
	}
}

// handleVIXLevelRequest answers a request/response VIX query (§4.1),
// grounded on original_source's IManager.handle_event VIX_LEVEL_REQUEST
// handling.
func (m *Manager) handleVIXLevelRequest(ev *events.Event) error {
	corr, _ := ev.Payload["correlationId"].(string)
	m.bus.Publish(events.VIXLevelResponse, map[string]any{
		"correlationId": corr,
		"vix":           m.CurrentVIX(),
		"regime":        m.Regime().String(),
	}, "vix_manager")
	return nil
}

// GetDependencies / CanInitializeWithoutDependencies / Name satisfy the
// manager-factory interface contract (§4.10); VIX is a tier-2 manager
// depending only on the event bus and cache (bus optional here, cache
// consulted by callers, not the VIX manager itself).
func (m *Manager) GetDependencies() []string             { return []string{"event_bus", "cache"} }
func (m *Manager) CanInitializeWithoutDependencies() bool { return false }
func (m *Manager) Name() string                           { return "vix_manager" }
