package cache

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is a cached value with its bookkeeping.
type Entry[V any] struct {
	Value   V
	Created time.Time
	TTL     time.Duration
	Hits    int64
	Region  image.Rectangle
}

func (e *Entry[V]) fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.Created) < ttl
}

// Stats is a point-in-time view of a cache.
type Stats struct {
	Name          string
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Expired       uint64
	Computes      uint64
	Adjustments   uint64
	Size          int
	Capacity      int
	TTL           time.Duration
	HitRate       float64 // lifetime
	WindowHitRate float64 // rolling sample used for tuning
}

// Cache maps keys to values that go stale after a TTL. A single mutex guards
// the entry map; compute functions run outside it.
type Cache[K comparable, V any] struct {
	cfg Config

	mu         sync.Mutex
	entries    map[K]*Entry[V]
	ttl        time.Duration
	capacity   int
	window     []bool
	windowPos  int
	windowLen  int
	lastAdjust time.Time

	hits, misses, evictions, expired, computes, adjustments uint64

	group singleflight.Group
	now   func() time.Time
}

// New creates a cache.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	cfg = cfg.withDefaults()
	return &Cache[K, V]{
		cfg:        cfg,
		entries:    make(map[K]*Entry[V], cfg.Capacity),
		ttl:        cfg.TTL,
		capacity:   cfg.Capacity,
		window:     make([]bool, cfg.HitWindow),
		lastAdjust: time.Now(),
		now:        time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.lastAdjust = now()
	return c
}

// GetOrCompute returns the fresh value for key or computes, stores and returns a new one.
// ttl overrides the cache TTL when positive. Compute errors are returned and not stored.
func (c *Cache[K, V]) GetOrCompute(key K, region image.Rectangle, compute func(image.Rectangle) (V, error), ttl time.Duration) (V, error) {
	if v, ok := c.lookup(key, ttl); ok {
		return v, nil
	}
	if c.cfg.Coalesce {
		return c.coalesced(key, region, compute, ttl)
	}

	c.countCompute()
	v, err := compute(region)
	if err != nil {
		var zero V
		return zero, err
	}
	c.store(key, v, region, ttl)
	return v, nil
}

// coalesced runs one compute per key at a time; concurrent callers share it.
func (c *Cache[K, V]) coalesced(key K, region image.Rectangle, compute func(image.Rectangle) (V, error), ttl time.Duration) (V, error) {
	res, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		// a flight that finished just before this one may have stored the value
		if v, ok := c.peek(key, ttl); ok {
			return v, nil
		}
		c.countCompute()
		v, err := compute(region)
		if err != nil {
			return nil, err
		}
		c.store(key, v, region, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

func (c *Cache[K, V]) countCompute() {
	c.mu.Lock()
	c.computes++
	c.mu.Unlock()
}

// Get returns the value for key if it is still fresh.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lookup(key, 0)
}

// Put stores a value with the cache's current TTL.
func (c *Cache[K, V]) Put(key K, v V, region image.Rectangle) {
	c.store(key, v, region, 0)
}

// Delete removes key and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear removes every entry. Counters are kept.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[K, V]) lookup(key K, ttl time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok {
		if ttl <= 0 {
			ttl = e.TTL
		}
		if e.fresh(c.now(), ttl) {
			e.Hits++
			c.hits++
			c.sample(true)
			return e.Value, true
		}
	}
	c.misses++
	c.sample(false)
	var zero V
	return zero, false
}

// peek reads a fresh value without touching counters.
func (c *Cache[K, V]) peek(key K, ttl time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if ttl <= 0 {
			ttl = e.TTL
		}
		if e.fresh(c.now(), ttl) {
			return e.Value, true
		}
	}
	var zero V
	return zero, false
}

func (c *Cache[K, V]) store(key K, v V, region image.Rectangle, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.entries[key] = &Entry[V]{Value: v, Created: c.now(), TTL: ttl, Region: region}
	c.evictLocked(&key)
}

// evictLocked brings the map back under capacity: expired entries first, then
// the least-accessed half. keep, when set, is never evicted.
func (c *Cache[K, V]) evictLocked(keep *K) {
	if len(c.entries) <= c.capacity {
		return
	}
	c.expired += uint64(c.removeExpiredLocked())
	if len(c.entries) <= c.capacity {
		return
	}

	type candidate struct {
		key     K
		hits    int64
		created time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		if keep != nil && k == *keep {
			continue
		}
		candidates = append(candidates, candidate{k, e.Hits, e.Created})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hits != candidates[j].hits {
			return candidates[i].hits < candidates[j].hits
		}
		return candidates[i].created.Before(candidates[j].created)
	})

	n := max(len(c.entries)/2, len(c.entries)-c.capacity)
	n = min(n, len(candidates))
	for _, cand := range candidates[:n] {
		delete(c.entries, cand.key)
	}
	c.evictions += uint64(n)
}

func (c *Cache[K, V]) removeExpiredLocked() int {
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !e.fresh(now, e.TTL) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.removeExpiredLocked()
	c.expired += uint64(n)
	return n
}

func (c *Cache[K, V]) sample(hit bool) {
	c.window[c.windowPos] = hit
	c.windowPos = (c.windowPos + 1) % len(c.window)
	if c.windowLen < len(c.window) {
		c.windowLen++
	}
}

func (c *Cache[K, V]) windowRateLocked() float64 {
	if c.windowLen == 0 {
		return 0
	}
	hits := 0
	for i := 0; i < c.windowLen; i++ {
		if c.window[i] {
			hits++
		}
	}
	return float64(hits) / float64(c.windowLen)
}

// Adjust tunes TTL and capacity from the rolling hit rate. It does nothing
// unless the cache is adaptive and the adjustment interval has passed.
// Returns true when a change was made.
func (c *Cache[K, V]) Adjust() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Adaptive || c.windowLen == 0 {
		return false
	}
	now := c.now()
	if now.Sub(c.lastAdjust) < c.cfg.AdjustInterval {
		return false
	}
	c.lastAdjust = now

	rate := c.windowRateLocked()
	ttl, capacity := c.ttl, c.capacity
	switch {
	case rate < c.cfg.TargetHitRate:
		ttl = min(time.Duration(float64(ttl)*GrowFactor), c.cfg.MaxTTL)
		capacity = min(capacity+1, c.cfg.MaxCapacity)
	case rate > c.cfg.TargetHitRate+HighHitRateMargin:
		ttl = max(time.Duration(float64(ttl)*ShrinkFactor), c.cfg.MinTTL)
		capacity = max(capacity-1, c.cfg.MinCapacity)
	}
	if ttl == c.ttl && capacity == c.capacity {
		return false
	}

	slog.Debug("cache tuned", "cache", c.cfg.Name, "hit_rate", rate,
		"ttl", ttl, "prev_ttl", c.ttl, "capacity", capacity, "prev_capacity", c.capacity)
	c.ttl, c.capacity = ttl, capacity
	c.adjustments++
	c.evictLocked(nil)
	return true
}

// Run sweeps expired entries and applies adaptive tuning until ctx is done.
func (c *Cache[K, V]) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("cache sweep", "cache", c.cfg.Name, "expired", n)
			}
			c.Adjust()
		}
	}
}

// Stats returns a snapshot of counters and current tuning.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rate float64
	if total := c.hits + c.misses; total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Name:          c.cfg.Name,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Expired:       c.expired,
		Computes:      c.computes,
		Adjustments:   c.adjustments,
		Size:          len(c.entries),
		Capacity:      c.capacity,
		TTL:           c.ttl,
		HitRate:       rate,
		WindowHitRate: c.windowRateLocked(),
	}
}
