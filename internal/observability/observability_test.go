package observability

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
)

type fakeManagerHealth struct {
	Healthy bool
	Detail  string
}

type fakeManager struct {
	healthy bool
}

func (m fakeManager) HealthStatus() fakeManagerHealth {
	return fakeManagerHealth{Healthy: m.healthy, Detail: "fake"}
}

func TestReflectHealthReadsArbitraryConcreteType(t *testing.T) {
	h, ok := reflectHealth(fakeManager{healthy: true})
	if !ok {
		t.Fatal("expected reflectHealth to find HealthStatus method")
	}
	if !h.Healthy || h.Detail != "fake" {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestReflectHealthMissingMethod(t *testing.T) {
	if _, ok := reflectHealth(struct{}{}); ok {
		t.Fatal("expected ok=false for a type with no HealthStatus method")
	}
}

func TestHubBroadcastsSubscribedEvents(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	hub := NewHub(zap.NewNop())
	hub.SubscribeBus(bus)

	stop := make(chan struct{})
	defer close(stop)
	go hub.Run(stop)

	client := &Client{hub: hub, send: make(chan []byte, 4)}
	hub.register <- client
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	bus.Publish(events.PositionOpened, map[string]any{"positionId": "p1", "strategyId": "zerodte"}, "test")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Fatal("expected non-empty broadcast message")
		}
	default:
		t.Fatal("expected a queued broadcast message after PositionOpened")
	}
}

func TestWireMetricsRegistersWithoutPanicking(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	WireMetrics(bus)
	bus.Publish(events.OrderFilled, map[string]any{"orderId": "o1", "symbol": "SPY", "strategyId": "lt112"}, "test")
	bus.Publish(events.VIXRegimeChange, map[string]any{"old": "normal", "new": "elevated", "value": 26.5}, "test")
}
