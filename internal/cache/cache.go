// Package cache implements the unified intelligent cache (spec.md §4.2):
// a single consolidated replacement for what the source kept as three
// separate caches (general TTL, market-data, position-aware). Grounded on
// the teacher's internal/data/store.go in-memory-cache-plus-factory idiom,
// generalised to typed entries with source-fingerprint invalidation and
// LRU eviction under a soft memory cap, read via gopsutil (aristath-sentinel).
package cache

import (
	"container/list"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/pkg/types"
)

func pid() int { return os.Getpid() }

// Type tags what kind of value an entry holds, driving its invalidation
// policy (§4.2).
type Type int

const (
	General Type = iota
	MarketData
	Greeks
	OptionChain
	Position
	Account
)

// Factory computes a value on a cache miss.
type Factory func() (any, error)

type entry struct {
	key         string
	typ         Type
	value       any
	expiresAt   time.Time
	fingerprint string
	elem        *list.Element
}

// Cache is the unified intelligent cache; safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	defaultTTL          time.Duration
	softMemoryCapMB     int
	spotChangeThreshold float64

	spotSnapshots     map[string]float64 // underlying -> last-seen spot
	positionSnapshot  string             // hash of invested-options set

	logger *zap.Logger

	hits   int64
	misses int64
}

// NewCache constructs an empty cache from config (§4.2 defaults: 5 minute
// TTL, 175MB soft cap, 0.1% spot-change invalidation threshold).
func NewCache(cfg types.CacheConfig, logger *zap.Logger) *Cache {
	threshold, _ := cfg.SpotChangeThreshold.Float64()
	return &Cache{
		entries:             make(map[string]*entry),
		lru:                 list.New(),
		defaultTTL:          cfg.DefaultTTL,
		softMemoryCapMB:     cfg.SoftMemoryCapMB,
		spotChangeThreshold: threshold,
		spotSnapshots:       make(map[string]float64),
		logger:              logger,
	}
}

// Get returns the cached value for key/typ if non-expired and its
// fingerprint still matches; otherwise it calls factory, stores, and
// returns the fresh value (§4.2).
func (c *Cache) Get(key string, typ Type, fingerprint string, factory Factory) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if time.Now().Before(e.expiresAt) && e.fingerprint == fingerprint {
			c.lru.MoveToFront(e.elem)
			c.hits++
			v := e.value
			c.mu.Unlock()
			return v, nil
		}
		c.removeLocked(e)
	}
	c.misses++
	c.mu.Unlock()

	v, err := factory()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.putLocked(key, typ, v, fingerprint)
	c.mu.Unlock()
	return v, nil
}

func (c *Cache) putLocked(key string, typ Type, value any, fingerprint string) {
	e := &entry{
		key:         key,
		typ:         typ,
		value:       value,
		expiresAt:   time.Now().Add(c.defaultTTL),
		fingerprint: fingerprint,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.evictIfOverCapLocked()
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// InvalidateByType removes every entry of typ, returning the count removed.
func (c *Cache) InvalidateByType(typ Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, e := range c.entries {
		if e.typ == typ {
			c.removeLocked(e)
			count++
		}
	}
	return count
}

// OnSpotUpdate applies the automatic MarketData/Greeks/OptionChain
// invalidation policy: invalidate if the underlying's spot moved by at
// least the configured threshold (default 0.1%, §4.2).
func (c *Cache) OnSpotUpdate(underlying string, spot float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, had := c.spotSnapshots[underlying]
	c.spotSnapshots[underlying] = spot
	if !had || prev == 0 {
		return
	}
	change := (spot - prev) / prev
	if change < 0 {
		change = -change
	}
	if change < c.spotChangeThreshold {
		return
	}
	for _, e := range c.entries {
		if e.typ == MarketData || e.typ == Greeks || e.typ == OptionChain {
			c.removeLocked(e)
		}
	}
}

// OnPositionSetChange applies the Greeks/Position invalidation policy:
// invalidate if the invested-options snapshot (by symbol+quantity) changed.
func (c *Cache) OnPositionSetChange(newSnapshot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newSnapshot == c.positionSnapshot {
		return
	}
	c.positionSnapshot = newSnapshot
	for _, e := range c.entries {
		if e.typ == Greeks || e.typ == Position {
			c.removeLocked(e)
		}
	}
}

// PeriodicMaintenance removes expired entries and, if the process is over
// its soft memory cap, evicts by LRU within type groups, Greeks first
// (§4.2).
func (c *Cache) PeriodicMaintenance() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(e)
		}
	}
	c.evictIfOverCapLocked()
}

func (c *Cache) evictIfOverCapLocked() {
	if !c.overSoftCap() {
		return
	}
	// Evict Greeks-typed entries first (LRU within the group), then fall
	// back to global LRU.
	for c.overSoftCap() && c.evictOldestOfTypeLocked(Greeks) {
	}
	for c.overSoftCap() {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeLocked(back.Value.(*entry))
	}
}

func (c *Cache) evictOldestOfTypeLocked(typ Type) bool {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry)
		if e.typ == typ {
			c.removeLocked(e)
			return true
		}
	}
	return false
}

// overSoftCap reports whether current process RSS exceeds the soft cap,
// read via gopsutil rather than a hand-tracked byte counter.
func (c *Cache) overSoftCap() bool {
	if c.softMemoryCapMB <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid()))
	if err != nil {
		return len(c.entries) > 100000 // conservative fallback if gopsutil unavailable
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return len(c.entries) > 100000
	}
	capBytes := uint64(c.softMemoryCapMB) * 1024 * 1024
	return info.RSS > capBytes
}

// Stats reports hit/miss counters for observability.
func (c *Cache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}
