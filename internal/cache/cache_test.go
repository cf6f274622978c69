package cache

import (
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

func newTestCache() *Cache {
	return NewCache(types.DefaultCoreConfig().Cache, zap.NewNop())
}

func TestGetCallsFactoryOnMiss(t *testing.T) {
	c := newTestCache()
	calls := 0
	factory := func() (any, error) {
		calls++
		return 42, nil
	}
	v, _ := c.Get("k", General, "fp", factory)
	if v.(int) != 42 || calls != 1 {
		t.Fatalf("expected one factory call returning 42")
	}
	v2, _ := c.Get("k", General, "fp", factory)
	if v2.(int) != 42 || calls != 1 {
		t.Fatalf("expected cache hit, no second factory call")
	}
}

func TestSpotChangeInvalidatesMarketData(t *testing.T) {
	c := newTestCache()
	calls := 0
	factory := func() (any, error) { calls++; return "chain", nil }

	c.OnSpotUpdate("SPY", 450.0)
	c.Get("chain:SPY", MarketData, "450.00", factory)
	if calls != 1 {
		t.Fatalf("expected initial factory call")
	}

	// Below threshold: no invalidation.
	c.OnSpotUpdate("SPY", 450.1)
	c.Get("chain:SPY", MarketData, "450.00", factory)
	if calls != 1 {
		t.Fatalf("sub-threshold spot change should not invalidate, calls=%d", calls)
	}

	// >=0.1% change: invalidates.
	c.OnSpotUpdate("SPY", 451.0)
	c.Get("chain:SPY", MarketData, "450.00", factory)
	if calls != 2 {
		t.Fatalf("expected invalidation on >=0.1%% spot change, calls=%d", calls)
	}
}

func TestInvalidateByType(t *testing.T) {
	c := newTestCache()
	c.Get("a", Greeks, "", func() (any, error) { return 1, nil })
	c.Get("b", Position, "", func() (any, error) { return 2, nil })
	n := c.InvalidateByType(Greeks)
	if n != 1 {
		t.Fatalf("expected 1 greeks entry invalidated, got %d", n)
	}
}
