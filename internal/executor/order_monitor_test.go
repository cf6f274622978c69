package executor

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-core/internal/events"
	"github.com/atlas-desktop/trading-core/pkg/types"
	"go.uber.org/zap"
)

func TestClassifyRejectTerminalVsRetryable(t *testing.T) {
	if ClassifyReject("Insufficient Funds") != RejectTerminal {
		t.Fatalf("expected insufficient funds to be terminal")
	}
	if ClassifyReject("invalid symbol XYZ") != RejectTerminal {
		t.Fatalf("expected invalid symbol to be terminal")
	}
	if ClassifyReject("connection reset") != RejectRetryable {
		t.Fatalf("expected transient network reason to be retryable")
	}
}

func TestPollOnceFillPublishesOrderFilled(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	var gotFilled bool
	bus.Subscribe(events.OrderFilled, "test", 0, func(e *events.Event) error {
		gotFilled = true
		return nil
	})

	mon := NewOrderMonitor(bus, zap.NewNop())
	mon.Track(LiveOrder{OrderID: "o1", BrokerOrderID: "b1", Symbol: "SPY 447P", Status: types.BrokerSubmitted, SubmitTime: time.Now(), TimeoutMinutes: 5})

	mon.PollOnce(time.Now(), func(brokerOrderID string) (types.BrokerOrderStatus, string, error) {
		return types.BrokerFilled, "", nil
	}, nil)

	if !gotFilled {
		t.Fatalf("expected OrderFilled to be published")
	}
	o, _ := mon.Get("o1")
	if o.Status != types.BrokerFilled {
		t.Fatalf("expected tracked order status to update to filled")
	}
}

func TestPollOnceTimeoutRetriesThenFails(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	var failures int
	bus.Subscribe(events.OrderFailure, "test", 0, func(e *events.Event) error {
		failures++
		return nil
	})

	mon := NewOrderMonitor(bus, zap.NewNop())
	submitTime := time.Now().Add(-10 * time.Minute)
	mon.Track(LiveOrder{OrderID: "o1", BrokerOrderID: "b1", Symbol: "SPY 447P", Status: types.BrokerSubmitted, SubmitTime: submitTime, TimeoutMinutes: 1, MaxRetries: 1})

	cancelled := false
	cancel := func(orderID string) error { cancelled = true; return nil }
	statusOf := func(brokerOrderID string) (types.BrokerOrderStatus, string, error) {
		return types.BrokerSubmitted, "", nil
	}

	// First timeout: retried.
	mon.PollOnce(time.Now(), statusOf, cancel)
	if !cancelled {
		t.Fatalf("expected cancel to be invoked on timeout")
	}
	o, _ := mon.Get("o1")
	if o.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", o.RetryCount)
	}

	// Force another timeout beyond max retries.
	mon.mu.Lock()
	mon.orders["o1"].SubmitTime = time.Now().Add(-10 * time.Minute)
	mon.mu.Unlock()
	mon.PollOnce(time.Now(), statusOf, cancel)

	o, _ = mon.Get("o1")
	if o.Status != types.BrokerCancelled {
		t.Fatalf("expected order cancelled after retries exhausted, got %s", o.Status)
	}
	if failures != 1 {
		t.Fatalf("expected exactly one OrderFailure publication, got %d", failures)
	}
}

func TestPollOnceTerminalRejectNeverRetries(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop())
	var failures int
	bus.Subscribe(events.OrderFailure, "test", 0, func(e *events.Event) error {
		failures++
		return nil
	})

	mon := NewOrderMonitor(bus, zap.NewNop())
	mon.Track(LiveOrder{OrderID: "o1", BrokerOrderID: "b1", Symbol: "SPY 447P", Status: types.BrokerSubmitted, SubmitTime: time.Now(), TimeoutMinutes: 5, MaxRetries: 3})

	mon.PollOnce(time.Now(), func(brokerOrderID string) (types.BrokerOrderStatus, string, error) {
		return types.BrokerRejected, "invalid symbol", nil
	}, nil)

	o, _ := mon.Get("o1")
	if o.Status != types.BrokerRejected {
		t.Fatalf("expected order left rejected, got %s", o.Status)
	}
	if o.RetryCount != 0 {
		t.Fatalf("expected no retry for terminal reject")
	}
	if failures != 1 {
		t.Fatalf("expected one OrderFailure publication, got %d", failures)
	}
}
