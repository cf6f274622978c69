package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlas-desktop/trading-core/internal/events"
)

// Prometheus gauges/counters exported at /metrics, grounded on
// chidi150c-coinbase/metrics.go's package-level prometheus.NewXxx +
// MustRegister idiom. Every metric here is updated exclusively from bus
// events (WireMetrics), never written to directly by a trading
// decision -- this package observes, it never decides.
var (
	vixLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "core_vix_level",
		Help: "Most recently observed VIX level.",
	})
	positionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "core_positions_open",
		Help: "Number of currently open multi-leg positions.",
	})
	circuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "core_circuit_breaker_trips_total",
		Help: "Total number of circuit-breaker trips.",
	})
	ordersFilled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "core_orders_filled_total",
		Help: "Total number of orders filled, by strategy.",
	}, []string{"strategy"})
)

func init() {
	prometheus.MustRegister(vixLevel, positionsOpen, circuitBreakerTrips, ordersFilled)
}

// WireMetrics subscribes the package-level metrics to the bus events
// that drive them. Call once per process at startup.
func WireMetrics(bus *events.EventBus) {
	bus.Subscribe(events.VIXRegimeChange, "observability_metrics", 0, func(ev *events.Event) error {
		if v, ok := ev.Payload["value"].(float64); ok {
			vixLevel.Set(v)
		}
		return nil
	})
	bus.Subscribe(events.PositionOpened, "observability_metrics", 0, func(ev *events.Event) error {
		positionsOpen.Inc()
		return nil
	})
	bus.Subscribe(events.PositionClosed, "observability_metrics", 0, func(ev *events.Event) error {
		positionsOpen.Dec()
		return nil
	})
	bus.Subscribe(events.CircuitBreakerTriggered, "observability_metrics", 0, func(ev *events.Event) error {
		circuitBreakerTrips.Inc()
		return nil
	})
	bus.Subscribe(events.OrderFilled, "observability_metrics", 0, func(ev *events.Event) error {
		strategy, _ := ev.Payload["strategyId"].(string)
		ordersFilled.WithLabelValues(strategy).Inc()
		return nil
	})
}
