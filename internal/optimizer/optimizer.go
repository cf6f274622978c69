// Package optimizer implements the event-driven OnData optimizer of
// spec.md §4.13, grounded on original_source/TomKingTradingFramework/
// core/event_driven_optimizer.py: skip processing when a market-data
// update carries no meaningful change, batch Greeks recomputation
// across underlyings, and trigger cache maintenance on cache-health
// signals instead of a wall-clock schedule. Expressed in the teacher's
// idiom — event-bus subscriptions, zap logging, a small metrics struct
// guarded by a mutex — rather than translated from the Python source.
package optimizer

import (
	"sync"
	"time"

	"github.com/atlas-desktop/trading-core/internal/cache"
	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/internal/greeks"
	"github.com/atlas-desktop/trading-core/internal/position"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes the batching and skip thresholds.
type Config struct {
	GreeksChangeThreshold decimal.Decimal // skip Greeks recompute below this |change%|
	GreeksBatchSize       int
	RiskCheckBatchSize    int
	BatchFlushInterval    time.Duration
	CacheHitRateFloor     float64 // trigger maintenance below this hit rate
	CacheFullRatio        float64 // trigger maintenance when size/max exceeds this
}

// DefaultConfig mirrors the Python source's batch_config constants.
func DefaultConfig() Config {
	return Config{
		GreeksChangeThreshold: decimal.NewFromFloat(0.005),
		GreeksBatchSize:       5,
		RiskCheckBatchSize:    3,
		BatchFlushInterval:    30 * time.Second,
		CacheHitRateFloor:     0.70,
		CacheFullRatio:        0.90,
	}
}

// Metrics tracks the optimizer's own performance, mirroring the Python
// source's optimization_metrics/baseline_metrics dicts.
type Metrics struct {
	EventsProcessed               int64
	UnnecessaryCalculationsAvoided int64
	GreeksBatchesProcessed        int64
	RiskBatchesProcessed          int64
	CacheMaintenanceTriggers      int64
}

// Optimizer subscribes to MarketDataUpdated/PositionUpdated and batches
// the resulting Greeks recomputation and risk re-checks.
type Optimizer struct {
	mu     sync.Mutex
	cfg    Config
	bus    *events.EventBus
	greeks *greeks.Service
	cache  *cache.Cache
	pos    *position.Manager
	logger *zap.Logger

	pendingGreeks map[string]struct{} // underlyings awaiting recompute
	pendingRisk   int
	lastFlush     time.Time
	metrics       Metrics

	spotPrices map[string]float64
}

// New wires the optimizer to the event bus and its collaborators, then
// subscribes its event-driven replacements for periodic polling.
func New(bus *events.EventBus, greeksSvc *greeks.Service, c *cache.Cache, posMgr *position.Manager, cfg Config, logger *zap.Logger) *Optimizer {
	o := &Optimizer{
		cfg:           cfg,
		bus:           bus,
		greeks:        greeksSvc,
		cache:         c,
		pos:           posMgr,
		logger:        logger.Named("optimizer"),
		pendingGreeks: make(map[string]struct{}),
		spotPrices:    make(map[string]float64),
		lastFlush:     time.Now(),
	}
	o.wire()
	return o
}

func (o *Optimizer) wire() {
	o.bus.Subscribe(events.MarketDataUpdated, "optimizer", 5, func(e *events.Event) error {
		o.handleMarketData(e)
		return nil
	})
	o.bus.Subscribe(events.PositionUpdated, "optimizer", 5, func(e *events.Event) error {
		o.handlePositionUpdate(e)
		return nil
	})
}

// handleMarketData implements _handle_smart_greeks_update: only recompute
// Greeks for an underlying when the observed change is significant,
// batching recomputation once enough underlyings have accumulated.
func (o *Optimizer) handleMarketData(e *events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.metrics.EventsProcessed++

	underlying, _ := e.Payload["symbol"].(string)
	changePct, _ := e.Payload["changePct"].(float64)
	spot, hasSpot := e.Payload["spot"].(float64)

	if underlying == "" {
		return
	}
	if hasSpot {
		o.spotPrices[underlying] = spot
	}

	if abs(changePct) < o.cfg.GreeksChangeThreshold.InexactFloat64() {
		o.metrics.UnnecessaryCalculationsAvoided++
		return
	}

	if !o.hasPositionsFor(underlying) {
		o.metrics.UnnecessaryCalculationsAvoided++
		return
	}

	o.pendingGreeks[underlying] = struct{}{}
	if len(o.pendingGreeks) >= o.cfg.GreeksBatchSize {
		o.flushGreeksLocked()
	}
	o.maybeFlushOnIntervalLocked()
}

// handlePositionUpdate implements _handle_smart_risk_check: accumulate
// position-change events and only trigger a portfolio-wide risk
// re-evaluation once a batch threshold or a single significant change
// is observed.
func (o *Optimizer) handlePositionUpdate(e *events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.metrics.EventsProcessed++

	qtyChange, _ := e.Payload["quantityChange"].(int)
	o.pendingRisk++

	significant := abs(float64(qtyChange)) > 10
	if o.pendingRisk >= o.cfg.RiskCheckBatchSize || significant {
		o.flushRiskLocked()
	}
	o.maybeFlushOnIntervalLocked()
}

func (o *Optimizer) maybeFlushOnIntervalLocked() {
	if time.Since(o.lastFlush) < o.cfg.BatchFlushInterval {
		return
	}
	if len(o.pendingGreeks) > 0 {
		o.flushGreeksLocked()
	}
	if o.pendingRisk > 0 {
		o.flushRiskLocked()
	}
	o.lastFlush = time.Now()
}

// flushGreeksLocked recomputes portfolio Greeks for every pending
// underlying in a single batch and publishes GreeksCalculated once,
// instead of once per price tick.
func (o *Optimizer) flushGreeksLocked() {
	if len(o.pendingGreeks) == 0 {
		return
	}
	underlyings := make([]string, 0, len(o.pendingGreeks))
	for u := range o.pendingGreeks {
		underlyings = append(underlyings, u)
	}

	positions := o.pos.All()
	spots := make(map[string]float64, len(underlyings))
	for _, u := range underlyings {
		if s, ok := o.spotPrices[u]; ok {
			spots[u] = s
		}
	}

	report := o.greeks.PortfolioAggregate(spots, nil, positions, time.Now())
	o.bus.Publish(events.GreeksCalculated, map[string]any{
		"underlyings": underlyings,
		"total":       report.Total,
	}, "optimizer")

	o.metrics.GreeksBatchesProcessed++
	o.pendingGreeks = make(map[string]struct{})

	o.logger.Debug("processed batched greeks recompute", zap.Strings("underlyings", underlyings))
}

// flushRiskLocked publishes a single aggregated risk-recheck trigger for
// the accumulated position changes.
func (o *Optimizer) flushRiskLocked() {
	if o.pendingRisk == 0 {
		return
	}
	o.bus.Publish(events.PerformanceThresholdBreach, map[string]any{
		"reason":         "batched_position_changes",
		"changesPending": o.pendingRisk,
	}, "optimizer")

	o.metrics.RiskBatchesProcessed++
	o.pendingRisk = 0
}

func (o *Optimizer) hasPositionsFor(underlying string) bool {
	for _, p := range o.pos.All() {
		if p.Underlying == underlying && p.Status != "Closed" {
			return true
		}
	}
	return false
}

// MaybeTriggerCacheMaintenance implements replace_periodic_cache_maintenance:
// runs cache maintenance only when the cache's own health signals call for
// it (low hit rate, or approaching its soft cap), not on a fixed schedule.
func (o *Optimizer) MaybeTriggerCacheMaintenance(softCapEntries int) bool {
	hits, misses, size := o.cache.Stats()
	total := hits + misses
	hitRate := 1.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	full := softCapEntries > 0 && float64(size) >= float64(softCapEntries)*o.cfg.CacheFullRatio

	if hitRate >= o.cfg.CacheHitRateFloor && !full {
		return false
	}

	o.cache.PeriodicMaintenance()

	o.mu.Lock()
	o.metrics.CacheMaintenanceTriggers++
	o.mu.Unlock()

	o.bus.Publish(events.CacheMaintenanceTriggered, map[string]any{
		"reason":  "performance_triggered",
		"hitRate": hitRate,
		"size":    size,
	}, "optimizer")

	o.logger.Debug("cache maintenance triggered by performance metrics",
		zap.Float64("hitRate", hitRate), zap.Int("size", size))
	return true
}

// Metrics returns a snapshot of the optimizer's own counters.
func (o *Optimizer) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
