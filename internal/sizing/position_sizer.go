// Package sizing implements the position sizer named as a Tier 3
// container manager in spec.md §4.10 ("position sizer, correlation
// plugin, concentration plugin, circuit-breaker plugin, state manager")
// and consulted before every strategy's order attempt (§4.11: "VIX-regime
// position size adjustment applied"). Grounded on
// original_source/.../risk/kelly_criterion.py's per-strategy fractional
// Kelly table, combined with the VIX manager's margin multiplier
// (SPEC_FULL §C.2) for the regime adjustment.
package sizing

import (
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/vix"
)

// StrategyStats carries the win-rate/win-loss-ratio assumptions the
// Kelly formula needs, seeded per strategy (Python source's per-strategy
// table) and refined over time by RecordResult.
type StrategyStats struct {
	WinRate    float64 // probability of a winning trade, (0,1)
	AvgWinPct  float64 // average win as a fraction of credit/debit risked
	AvgLossPct float64 // average loss as a fraction of credit/debit risked
	Confidence float64 // (0,1], scales down an under-sampled estimate
}

// DefaultStrategyStats mirrors kelly_criterion.py's hard-coded per-
// strategy table (win rates observed by the original system).
func DefaultStrategyStats() map[string]StrategyStats {
	return map[string]StrategyStats{
		"zerodte":          {WinRate: 0.88, AvgWinPct: 0.50, AvgLossPct: 1.00, Confidence: 0.95},
		"lt112":            {WinRate: 0.75, AvgWinPct: 0.30, AvgLossPct: 0.20, Confidence: 0.90},
		"futures_strangle": {WinRate: 0.70, AvgWinPct: 0.50, AvgLossPct: 0.30, Confidence: 0.85},
		"ipmcc":            {WinRate: 0.83, AvgWinPct: 0.03, AvgLossPct: 0.30, Confidence: 0.80},
		"leap_ladder":      {WinRate: 0.82, AvgWinPct: 0.30, AvgLossPct: 0.15, Confidence: 0.85},
	}
}

// Config tunes the fractional-Kelly cap and contract bounds.
type Config struct {
	KellyFraction float64 // 0.25 in the Python source ("Tom King approach")
	MaxKellyPct   float64 // single-position cap, 0.25 in the source
	MinContracts  int
	MaxContracts  int
}

func DefaultConfig() Config {
	return Config{
		KellyFraction: 0.25,
		MaxKellyPct:   0.25,
		MinContracts:  1,
		MaxContracts:  20,
	}
}

// Sizer is the container-managed position sizer. It is read-mostly:
// RecordResult updates a strategy's rolling stats as trades close, and
// Contracts is consulted synchronously before every order attempt.
type Sizer struct {
	mu     sync.Mutex
	cfg    Config
	vixMgr *vix.Manager
	stats  map[string]StrategyStats
	logger *zap.Logger
}

func New(vixMgr *vix.Manager, cfg Config, logger *zap.Logger) *Sizer {
	return &Sizer{
		cfg:    cfg,
		vixMgr: vixMgr,
		stats:  DefaultStrategyStats(),
		logger: logger,
	}
}

// GetDependencies/Name/CanInitializeWithoutDependencies satisfy the
// teacher's self-describing container.Manager documentation interface
// (internal/container.Manager); Container.Start() itself dispatches on
// Config.Dependencies/RequiredMethods, not this interface.
func (s *Sizer) GetDependencies() []string             { return []string{"vix_manager"} }
func (s *Sizer) Name() string                          { return "position_sizer" }
func (s *Sizer) CanInitializeWithoutDependencies() bool { return false }

// kellyFraction implements kelly_criterion.py's calculate_kelly_size:
// (p*b - q) / b, clamped to [0, MaxKellyPct], scaled by KellyFraction and
// by the strategy's confidence.
func kellyFraction(st StrategyStats, cfg Config) float64 {
	if st.AvgLossPct <= 0 || st.WinRate <= 0 || st.WinRate >= 1 {
		return 0
	}
	lossRate := 1 - st.WinRate
	winLossRatio := st.AvgWinPct / st.AvgLossPct
	kelly := (st.WinRate*winLossRatio - lossRate) / winLossRatio
	if kelly < 0 {
		kelly = 0
	}
	if kelly > cfg.MaxKellyPct {
		kelly = cfg.MaxKellyPct
	}
	kelly *= cfg.KellyFraction
	confidence := st.Confidence
	if confidence <= 0 {
		confidence = 1
	}
	kelly *= confidence
	return kelly
}

// Contracts returns the regime- and Kelly-adjusted contract count for
// one structural unit of strategyName's entry, starting from
// baseContracts (the strategy's unscaled structure size, normally 1).
// The Kelly fraction scales size up for historically strong-edge
// strategies (within MaxKellyPct); the VIX margin multiplier
// (SPEC_FULL §C.2) scales it back down as the regime deteriorates, so a
// CRISIS regime never lets a healthy win rate override the tighter
// margin headroom.
func (s *Sizer) Contracts(strategyName string, baseContracts int) int {
	if baseContracts <= 0 {
		baseContracts = 1
	}
	s.mu.Lock()
	st, ok := s.stats[strategyName]
	s.mu.Unlock()
	if !ok {
		return clampContracts(baseContracts, s.cfg)
	}

	kelly := kellyFraction(st, s.cfg)
	// kelly is at most MaxKellyPct*KellyFraction (kellyFraction's cap);
	// normalize against that cap so a maximal Kelly score scales up to
	// roughly 2x base size, and a weak one scales down toward the floor.
	scale := 1.0
	if kellyCap := s.cfg.MaxKellyPct * s.cfg.KellyFraction; kellyCap > 0 {
		scale = 0.5 + (kelly/kellyCap)*1.5
	}

	margin := 1.0
	if s.vixMgr != nil {
		margin = s.vixMgr.MarginMultiplier()
	}
	if margin <= 0 {
		margin = 1.0
	}

	n := float64(baseContracts) * scale / margin
	return clampContracts(int(n+0.5), s.cfg)
}

func clampContracts(n int, cfg Config) int {
	if n < cfg.MinContracts {
		return cfg.MinContracts
	}
	if cfg.MaxContracts > 0 && n > cfg.MaxContracts {
		return cfg.MaxContracts
	}
	return n
}

// RecordResult folds a closed trade's outcome into strategyName's
// rolling stats with a simple exponential update, so Kelly sizing
// adapts to the strategy's actual live performance rather than staying
// pinned to the Python source's seed table forever.
func (s *Sizer) RecordResult(strategyName string, won bool, pnlPct float64) {
	const alpha = 0.05 // slow-moving average; a single trade shouldn't swing sizing
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[strategyName]
	if !ok {
		st = StrategyStats{WinRate: 0.5, AvgWinPct: 0.3, AvgLossPct: 0.3, Confidence: 0.5}
	}
	outcome := 0.0
	if won {
		outcome = 1.0
	}
	st.WinRate = st.WinRate*(1-alpha) + outcome*alpha
	absPnl := pnlPct
	if absPnl < 0 {
		absPnl = -absPnl
	}
	if won {
		st.AvgWinPct = st.AvgWinPct*(1-alpha) + absPnl*alpha
	} else {
		st.AvgLossPct = st.AvgLossPct*(1-alpha) + absPnl*alpha
	}
	s.stats[strategyName] = st
}

// StrategyStatsFor returns a copy of the current Kelly inputs for
// strategyName.
func (s *Sizer) StrategyStatsFor(strategyName string) (StrategyStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[strategyName]
	return st, ok
}
