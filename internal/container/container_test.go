package container

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

type fakeA struct{ initialized bool }

func (f *fakeA) Ping() string { return "a" }

type fakeB struct{ a *fakeA }

func (f *fakeB) Ping() string { return "b:" + f.a.Ping() }

func TestStartOrdersByDependency(t *testing.T) {
	c := New(zap.NewNop())
	var order []string
	c.Register(Config{
		Name: "a", Critical: true, RequiredMethods: []string{"Ping"},
		Construct: func(deps map[string]any) (any, error) {
			order = append(order, "a")
			return &fakeA{}, nil
		},
	})
	c.Register(Config{
		Name: "b", Dependencies: []string{"a"}, Critical: true, RequiredMethods: []string{"Ping"},
		Construct: func(deps map[string]any) (any, error) {
			order = append(order, "b")
			a := deps["a"].(*fakeA)
			return &fakeB{a: a}, nil
		},
	})

	if err := c.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected a before b, got %v", order)
	}

	b, ok := c.Get("b")
	if !ok {
		t.Fatalf("expected b to be constructed")
	}
	if b.(*fakeB).Ping() != "b:a" {
		t.Fatalf("expected b to receive constructed a via deps")
	}
}

func TestMissingRequiredMethodFailsCriticalManager(t *testing.T) {
	c := New(zap.NewNop())
	c.Register(Config{
		Name: "a", Critical: true, RequiredMethods: []string{"DoesNotExist"},
		Construct: func(deps map[string]any) (any, error) { return &fakeA{}, nil },
	})
	if err := c.Start(); err == nil {
		t.Fatalf("expected start to fail on missing required method")
	}
}

func TestNonCriticalFailurePropagatesToDependants(t *testing.T) {
	c := New(zap.NewNop())
	c.Register(Config{
		Name: "flaky", Critical: false, RequiredMethods: []string{"Ping"},
		Construct: func(deps map[string]any) (any, error) { return nil, errors.New("boom") },
	})
	c.Register(Config{
		Name: "dependant", Dependencies: []string{"flaky"}, Critical: false, RequiredMethods: []string{"Ping"},
		Construct: func(deps map[string]any) (any, error) { return &fakeA{}, nil },
	})

	if err := c.Start(); err != nil {
		t.Fatalf("unexpected error for non-critical failure chain: %v", err)
	}
	if _, ok := c.Get("dependant"); ok {
		t.Fatalf("expected dependant to be skipped when its dependency failed")
	}
	failed := c.FailedManagers()
	if len(failed) != 2 {
		t.Fatalf("expected both flaky and dependant marked failed, got %v", failed)
	}
}

func TestCriticalDependantAbortsOnFailedDependency(t *testing.T) {
	c := New(zap.NewNop())
	c.Register(Config{
		Name: "flaky", Critical: false, RequiredMethods: []string{"Ping"},
		Construct: func(deps map[string]any) (any, error) { return nil, errors.New("boom") },
	})
	c.Register(Config{
		Name: "critical-dependant", Dependencies: []string{"flaky"}, Critical: true, RequiredMethods: []string{"Ping"},
		Construct: func(deps map[string]any) (any, error) { return &fakeA{}, nil },
	})

	if err := c.Start(); err == nil {
		t.Fatalf("expected critical dependant to abort startup")
	}
}

func TestCycleDetected(t *testing.T) {
	c := New(zap.NewNop())
	c.Register(Config{Name: "x", Dependencies: []string{"y"}, Construct: func(deps map[string]any) (any, error) { return &fakeA{}, nil }})
	c.Register(Config{Name: "y", Dependencies: []string{"x"}, Construct: func(deps map[string]any) (any, error) { return &fakeA{}, nil }})

	if err := c.Start(); err == nil {
		t.Fatalf("expected cycle to be detected")
	}
}

func TestValidateHotPathsSkipsUnregistered(t *testing.T) {
	c := New(zap.NewNop())
	if err := c.ValidateHotPaths(); err != nil {
		t.Fatalf("expected no error when hot-path managers are simply absent: %v", err)
	}
}
