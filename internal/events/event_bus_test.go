package events

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBus() *EventBus {
	return NewEventBus(zap.NewNop())
}

func TestSubscribePriorityOrder(t *testing.T) {
	bus := newTestBus()
	var order []string

	bus.Subscribe(MarketDataUpdated, "low", 1, func(e *Event) error {
		order = append(order, "low")
		return nil
	})
	bus.Subscribe(MarketDataUpdated, "high", 10, func(e *Event) error {
		order = append(order, "high")
		return nil
	})
	bus.Subscribe(MarketDataUpdated, "mid", 5, func(e *Event) error {
		order = append(order, "mid")
		return nil
	})

	bus.Publish(MarketDataUpdated, map[string]any{"symbol": "SPY"}, "test")

	if len(order) != 3 || order[0] != "high" || order[1] != "mid" || order[2] != "low" {
		t.Fatalf("expected priority-descending order, got %v", order)
	}
}

func TestPublishReturnsFalseOnHandlerError(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe(OrderRejected, "a", 0, func(e *Event) error { return nil })
	bus.Subscribe(OrderRejected, "b", 0, func(e *Event) error { panic("boom") })

	ok := bus.Publish(OrderRejected, map[string]any{}, "test")
	if ok {
		t.Fatalf("expected false when a handler panics")
	}
}

func TestHandlerErrorNeverAbortsSiblings(t *testing.T) {
	bus := newTestBus()
	called := false
	bus.Subscribe(OrderRejected, "first", 10, func(e *Event) error { panic("boom") })
	bus.Subscribe(OrderRejected, "second", 5, func(e *Event) error { called = true; return nil })

	bus.Publish(OrderRejected, map[string]any{}, "test")
	if !called {
		t.Fatalf("sibling handler should still run after a prior handler panics")
	}
}

func TestLoopDetectionRefusesRepeatedHop(t *testing.T) {
	bus := newTestBus()

	var refused bool
	bus.Subscribe(CircularDependencyDetected, "watcher", 0, func(e *Event) error {
		refused = true
		return nil
	})

	var greeksEvent *Event
	bus.Subscribe(GreeksCalculated, "greeks", 0, func(e *Event) error {
		greeksEvent = e
		return nil
	})
	bus.Subscribe(PerformanceThresholdBreach, "perf", 0, func(e *Event) error {
		// Re-publish back toward GreeksCalculationRequest, simulating scenario D.
		bus.PublishWithLoopDetection(GreeksCalculationRequest, map[string]any{}, "greeks", e)
		return nil
	})
	bus.Subscribe(GreeksCalculationRequest, "greeks", 0, func(e *Event) error {
		bus.PublishWithLoopDetection(PerformanceThresholdBreach, map[string]any{}, "perf", e)
		return nil
	})

	ok := bus.PublishWithLoopDetection(GreeksCalculated, map[string]any{}, "greeks", nil)
	if !ok {
		t.Fatalf("initial publish should succeed")
	}
	bus.PublishWithLoopDetection(PerformanceThresholdBreach, map[string]any{}, "perf", greeksEvent)

	if !refused {
		t.Fatalf("expected CircularDependencyDetected to fire once the chain repeats")
	}
	if bus.Stats().LoopsPrevented == 0 {
		t.Fatalf("expected loops_prevented to increment")
	}
}

func TestMaxHopsEnforced(t *testing.T) {
	bus := newTestBus()
	ev := &Event{Type: MarketDataUpdated, Source: "x", MaxHops: 2, Chain: []ChainEntry{
		{Type: "a", Source: "1"}, {Type: "b", Source: "2"},
	}}
	ok := bus.PublishWithLoopDetection("c", map[string]any{}, "3", ev)
	if ok {
		t.Fatalf("expected publish refused once hop count reaches maxHops")
	}
}

func TestRequestResponseRoutesCallback(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe(VIXLevelRequest, "requester", 0, func(e *Event) error {
		corr, _ := e.Payload["correlationId"].(string)
		bus.Publish(VIXLevelResponse, map[string]any{
			"correlationId": corr,
			"vix":           24.5,
		}, "vix_manager")
		return nil
	})

	var got float64
	done := make(chan struct{})
	bus.PublishRequestResponse(VIXLevelRequest, VIXLevelResponse, map[string]any{}, "sizer", func(e *Event) {
		got = e.Payload["vix"].(float64)
		close(done)
	}, time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("callback never invoked")
	}
	if got != 24.5 {
		t.Fatalf("expected vix 24.5, got %v", got)
	}
}

func TestPayloadCycleRejected(t *testing.T) {
	bus := newTestBus()
	deep := map[string]any{}
	cur := deep
	for i := 0; i < 40; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}
	ok := bus.Publish(MarketDataUpdated, deep, "test")
	if ok {
		t.Fatalf("expected publish to fail on over-deep payload")
	}
}
