package coordinator

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestCoordinator() *Coordinator {
	return New(time.UTC, 5*time.Minute, 2*time.Minute, zap.NewNop())
}

func TestExecutionOrderIsPriorityAscending(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterStrategy("low", Low, Window{}, nil)
	c.RegisterStrategy("critical", Critical, Window{}, nil)
	c.RegisterStrategy("medium", Medium, Window{}, nil)

	order := c.GetExecutionOrder()
	if len(order) != 3 || order[0] != "critical" || order[1] != "medium" || order[2] != "low" {
		t.Fatalf("expected critical,medium,low order, got %v", order)
	}
}

func TestOutOfWindowStrategyExcluded(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterStrategy("never", Medium, Window{StartHHMM: "01:00", EndHHMM: "01:05"}, nil)
	order := c.GetExecutionOrder()
	for _, n := range order {
		if n == "never" {
			t.Fatalf("expected out-of-window strategy excluded")
		}
	}
}

func TestRequestExecutionRejectsUnregistered(t *testing.T) {
	c := newTestCoordinator()
	ok := c.RequestExecution("ghost", false, func() error { return nil })
	if ok {
		t.Fatalf("expected unregistered strategy execution to be rejected")
	}
}

func TestRequestExecutionRejectsActiveConflict(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterStrategy("a", Medium, Window{}, []string{"b"})
	c.RegisterStrategy("b", Medium, Window{}, []string{"a"})

	block := make(chan struct{})
	done := make(chan bool)
	go func() {
		c.RequestExecution("a", false, func() error {
			<-block
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		done <- c.RequestExecution("b", false, func() error { return nil })
	}()
	result := <-done
	close(block)
	if result {
		t.Fatalf("expected conflicting strategy to be rejected while the other is active")
	}
}

func TestCriticalPreemptsConflict(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterStrategy("low", Medium, Window{}, []string{"urgent"})
	c.RegisterStrategy("urgent", Critical, Window{}, []string{"low"})

	block := make(chan struct{})
	go c.RequestExecution("low", false, func() error { <-block; return nil })
	time.Sleep(20 * time.Millisecond)

	ok := c.RequestExecution("urgent", false, func() error { return nil })
	close(block)
	if !ok {
		t.Fatalf("expected Critical priority to preempt an active conflicting strategy")
	}
}

func TestThrottleSkipsRepeatedExecution(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterStrategy("s", Medium, Window{}, nil)
	c.SetThrottle("s", time.Hour)

	calls := 0
	cbs := map[string]func() error{"s": func() error { calls++; return nil }}
	c.ExecuteStrategies(cbs)
	c.ExecuteStrategies(cbs)
	if calls != 1 {
		t.Fatalf("expected throttle to skip second run within interval, calls=%d", calls)
	}
}

func TestExecutionErrorDoesNotHaltOthers(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterStrategy("fails", Medium, Window{}, nil)
	c.RegisterStrategy("succeeds", Low, Window{}, nil)

	succeeded := false
	cbs := map[string]func() error{
		"fails":    func() error { return errors.New("boom") },
		"succeeds": func() error { succeeded = true; return nil },
	}
	c.ExecuteStrategies(cbs)
	if !succeeded {
		t.Fatalf("expected the second strategy to still execute after the first errored")
	}
}

func TestResourceLockGrantAndStaleBreak(t *testing.T) {
	c := newTestCoordinator()
	c.lockTimeout = 10 * time.Millisecond
	if !c.AcquireResourceLock("order_placement", "s1") {
		t.Fatalf("expected first acquire to succeed")
	}
	if c.AcquireResourceLock("order_placement", "s2") {
		t.Fatalf("expected second acquire to fail while s1 holds fresh lock")
	}
	time.Sleep(20 * time.Millisecond)
	if !c.AcquireResourceLock("order_placement", "s2") {
		t.Fatalf("expected stale lock to be broken")
	}
}

func TestAnchoredDayDueMatchesCronSchedule(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 35, 0, 0, time.UTC) // a Friday
	due, err := AnchoredDayDue("30-59 10 * * FRI", now)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if !due {
		t.Fatalf("expected Friday 10:35 to match Friday-after-10:30 schedule")
	}
}
