// Package cache implements a capacity-bounded recency cache used as a
// secondary working-memory tier. Entries live in per-shard arenas: an
// intrusive doubly linked list over nodes addressed by stable slot
// indices (no raw pointers), giving O(1) get/set/move-to-front/evict.
//
// All operations are serialized through the keyed lock using one
// lock-key per shard; whole-cache operations acquire every shard key in
// sorted order. All operations on a key map to the same lock-key, so
// per-key ordering holds, and the global capacity invariant is preserved
// as the sum of per-shard capacities.
package cache

import (
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/JEflyer/CognitionStream-sub000/internal/lock"
	"github.com/JEflyer/CognitionStream-sub000/internal/metrics"
)

// Config holds recency cache configuration.
type Config struct {
	Capacity    int
	MinCapacity int
	MaxCapacity int
	Shards      int
	LockTimeout time.Duration
}

// Adaptive sizing thresholds.
const (
	growHitRate        = 0.9
	growEvictionRate   = 0.1
	shrinkHitRate      = 0.5
	shrinkEvictionRate = 0.5
	growFactor         = 1.2
	shrinkFactor       = 0.8
)

type node struct {
	key     string
	value   interface{}
	touched time.Time
	prev    int32
	next    int32
}

// shard is one independent arena. Slots 0 and 1 are the head and tail
// sentinels; the list runs newest-first from head.next to tail.prev.
type shard struct {
	arena    []node
	free     []int32
	index    map[string]int32
	capacity int
}

const (
	headSlot int32 = 0
	tailSlot int32 = 1
)

func newShard(capacity int) *shard {
	s := &shard{
		arena:    make([]node, 2, 2+capacity),
		index:    make(map[string]int32),
		capacity: capacity,
	}
	s.arena[headSlot].next = tailSlot
	s.arena[tailSlot].prev = headSlot
	return s
}

func (s *shard) alloc() int32 {
	if n := len(s.free); n > 0 {
		i := s.free[n-1]
		s.free = s.free[:n-1]
		return i
	}
	s.arena = append(s.arena, node{})
	return int32(len(s.arena) - 1)
}

func (s *shard) unlink(i int32) {
	p, n := s.arena[i].prev, s.arena[i].next
	s.arena[p].next = n
	s.arena[n].prev = p
}

func (s *shard) pushFront(i int32) {
	first := s.arena[headSlot].next
	s.arena[i].prev = headSlot
	s.arena[i].next = first
	s.arena[first].prev = i
	s.arena[headSlot].next = i
}

func (s *shard) moveToFront(i int32) {
	s.unlink(i)
	s.pushFront(i)
}

// removeSlot unlinks, clears and recycles a slot.
func (s *shard) removeSlot(i int32) {
	s.unlink(i)
	delete(s.index, s.arena[i].key)
	s.arena[i] = node{}
	s.free = append(s.free, i)
}

func (s *shard) oldest() (int32, bool) {
	i := s.arena[tailSlot].prev
	if i == headSlot {
		return 0, false
	}
	return i, true
}

func (s *shard) newest() (int32, bool) {
	i := s.arena[headSlot].next
	if i == tailSlot {
		return 0, false
	}
	return i, true
}

// Cache is the bounded recency cache.
type Cache struct {
	cfg    Config
	shards []*shard
	keys   []string // one lock-key per shard, precomputed
	locks  *lock.KeyedLock
	m      *metrics.Metrics
	logger *zap.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	// entry and capacity totals, written only inside the shard critical
	// sections so gauge and snapshot reads never touch shard state
	entries  atomic.Int64
	capacity atomic.Int64

	// rolling window since the last Tune
	windowHits      atomic.Uint64
	windowMisses    atomic.Uint64
	windowWrites    atomic.Uint64
	windowEvictions atomic.Uint64
}

// New creates a cache. The keyed lock may be shared with other
// components; lock-keys are namespaced with the cache prefix. Metrics may
// be nil.
func New(cfg Config, locks *lock.KeyedLock, m *metrics.Metrics, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinCapacity < 1 {
		cfg.MinCapacity = 1
	}
	if cfg.MaxCapacity < cfg.MinCapacity {
		cfg.MaxCapacity = cfg.MinCapacity
	}
	// keep the starting capacity inside the adaptive bounds so no shard
	// ends up with a zero share
	if cfg.Capacity < cfg.MinCapacity {
		cfg.Capacity = cfg.MinCapacity
	}
	if cfg.Capacity > cfg.MaxCapacity {
		cfg.Capacity = cfg.MaxCapacity
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	// every shard must be able to hold at least one entry
	if cfg.Shards > cfg.MinCapacity {
		cfg.Shards = cfg.MinCapacity
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if locks == nil {
		locks = lock.New(logger.Named("lock"))
	}

	c := &Cache{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		keys:   make([]string, cfg.Shards),
		locks:  locks,
		m:      m,
		logger: logger,
	}
	for i := range c.shards {
		c.shards[i] = newShard(shareOf(cfg.Capacity, cfg.Shards, i))
		c.keys[i] = "cache:shard:" + strconv.Itoa(i)
	}
	c.capacity.Store(int64(cfg.Capacity))
	return c
}

// shareOf splits a global capacity across n shards so the shares sum to
// the whole.
func shareOf(capacity, n, i int) int {
	share := capacity / n
	if i < capacity%n {
		share++
	}
	return share
}

func (c *Cache) shardFor(key string) (*shard, string) {
	i := int(xxhash.Sum64String(key) % uint64(len(c.shards)))
	return c.shards[i], c.keys[i]
}

// Get returns the cached value and marks the entry most recently used.
func (c *Cache) Get(key string) (interface{}, bool, error) {
	s, lockKey := c.shardFor(key)
	var value interface{}
	var ok bool
	err := c.locks.Do(lockKey, c.cfg.LockTimeout, func() error {
		i, found := s.index[key]
		if !found {
			return nil
		}
		s.moveToFront(i)
		s.arena[i].touched = time.Now()
		value = s.arena[i].value
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	c.recordLookup(ok)
	return value, ok, nil
}

// Set inserts or refreshes the entry, evicting the shard's oldest entry
// when over capacity.
func (c *Cache) Set(key string, value interface{}) error {
	s, lockKey := c.shardFor(key)
	err := c.locks.Do(lockKey, c.cfg.LockTimeout, func() error {
		if i, found := s.index[key]; found {
			s.arena[i].value = value
			s.arena[i].touched = time.Now()
			s.moveToFront(i)
			return nil
		}
		for len(s.index) >= s.capacity {
			i, ok := s.oldest()
			if !ok {
				break
			}
			c.recordEviction(s.arena[i].key)
			s.removeSlot(i)
			c.entries.Add(-1)
		}
		i := s.alloc()
		s.arena[i] = node{key: key, value: value, touched: time.Now()}
		s.pushFront(i)
		s.index[key] = i
		c.entries.Add(1)
		return nil
	})
	if err != nil {
		return err
	}
	c.windowWrites.Add(1)
	c.publishEntries()
	return nil
}

// Delete removes the entry. Returns whether it was present.
func (c *Cache) Delete(key string) (bool, error) {
	s, lockKey := c.shardFor(key)
	var existed bool
	err := c.locks.Do(lockKey, c.cfg.LockTimeout, func() error {
		if i, found := s.index[key]; found {
			s.removeSlot(i)
			c.entries.Add(-1)
			existed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	c.publishEntries()
	return existed, nil
}

// Has reports presence without disturbing recency order.
func (c *Cache) Has(key string) (bool, error) {
	s, lockKey := c.shardFor(key)
	var ok bool
	err := c.locks.Do(lockKey, c.cfg.LockTimeout, func() error {
		_, ok = s.index[key]
		return nil
	})
	return ok, err
}

// Peek returns the value without touching recency order or counters.
func (c *Cache) Peek(key string) (interface{}, bool, error) {
	s, lockKey := c.shardFor(key)
	var value interface{}
	var ok bool
	err := c.locks.Do(lockKey, c.cfg.LockTimeout, func() error {
		if i, found := s.index[key]; found {
			value = s.arena[i].value
			ok = true
		}
		return nil
	})
	return value, ok, err
}

// Len returns the number of cached entries.
func (c *Cache) Len() (int, error) {
	var total int
	err := c.locks.DoMulti(c.keys, c.cfg.LockTimeout, func() error {
		for _, s := range c.shards {
			total += len(s.index)
		}
		return nil
	})
	return total, err
}

// Clear drops every entry.
func (c *Cache) Clear() error {
	err := c.locks.DoMulti(c.keys, c.cfg.LockTimeout, func() error {
		for i, s := range c.shards {
			c.shards[i] = newShard(s.capacity)
		}
		c.entries.Store(0)
		return nil
	})
	if err != nil {
		return err
	}
	c.publishEntries()
	return nil
}

// EvictOldest removes the least recently used entry across all shards.
// Returns its key, or ok=false when the cache is empty.
func (c *Cache) EvictOldest() (string, bool, error) {
	var key string
	var ok bool
	err := c.locks.DoMulti(c.keys, c.cfg.LockTimeout, func() error {
		s, i, found := c.oldestAcross()
		if !found {
			return nil
		}
		key = s.arena[i].key
		ok = true
		c.recordEviction(key)
		s.removeSlot(i)
		c.entries.Add(-1)
		return nil
	})
	if err != nil {
		return "", false, err
	}
	c.publishEntries()
	return key, ok, nil
}

// oldestAcross finds the least recently touched entry over all shards.
// Callers must hold every shard key.
func (c *Cache) oldestAcross() (*shard, int32, bool) {
	var bestShard *shard
	var bestSlot int32
	found := false
	for _, s := range c.shards {
		i, ok := s.oldest()
		if !ok {
			continue
		}
		if !found || s.arena[i].touched.Before(bestShard.arena[bestSlot].touched) {
			bestShard, bestSlot, found = s, i, true
		}
	}
	return bestShard, bestSlot, found
}

// PeekOldest returns the least recently used entry without mutating.
func (c *Cache) PeekOldest() (string, interface{}, bool, error) {
	var key string
	var value interface{}
	var ok bool
	err := c.locks.DoMulti(c.keys, c.cfg.LockTimeout, func() error {
		s, i, found := c.oldestAcross()
		if !found {
			return nil
		}
		key, value, ok = s.arena[i].key, s.arena[i].value, true
		return nil
	})
	return key, value, ok, err
}

// PeekNewest returns the most recently used entry without mutating.
func (c *Cache) PeekNewest() (string, interface{}, bool, error) {
	var key string
	var value interface{}
	var ok bool
	err := c.locks.DoMulti(c.keys, c.cfg.LockTimeout, func() error {
		var bestShard *shard
		var bestSlot int32
		for _, s := range c.shards {
			i, has := s.newest()
			if !has {
				continue
			}
			if bestShard == nil || s.arena[i].touched.After(bestShard.arena[bestSlot].touched) {
				bestShard, bestSlot = s, i
			}
		}
		if bestShard == nil {
			return nil
		}
		key, value, ok = bestShard.arena[bestSlot].key, bestShard.arena[bestSlot].value, true
		return nil
	})
	return key, value, ok, err
}

// Each visits entries newest-first until fn returns false. The snapshot
// is taken holding every shard key; fn runs outside the locks.
func (c *Cache) Each(fn func(key string, value interface{}) bool) error {
	type snap struct {
		key     string
		value   interface{}
		touched time.Time
	}
	var entries []snap
	err := c.locks.DoMulti(c.keys, c.cfg.LockTimeout, func() error {
		for _, s := range c.shards {
			for i := s.arena[headSlot].next; i != tailSlot; i = s.arena[i].next {
				entries = append(entries, snap{s.arena[i].key, s.arena[i].value, s.arena[i].touched})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].touched.After(entries[j].touched)
	})
	for _, e := range entries {
		if !fn(e.key, e.value) {
			return nil
		}
	}
	return nil
}

// Capacity returns the current global capacity.
func (c *Cache) Capacity() int {
	return int(c.capacity.Load())
}

// Tune applies the adaptive capacity heuristic over the window since the
// previous Tune: grow 20% when hit rate > 0.9 and eviction rate < 0.1,
// shrink 20% when hit rate < 0.5 and eviction rate > 0.5, clamped to
// [MinCapacity, MaxCapacity]. The window counters reset afterwards.
func (c *Cache) Tune() error {
	hits := c.windowHits.Swap(0)
	misses := c.windowMisses.Swap(0)
	writes := c.windowWrites.Swap(0)
	evictions := c.windowEvictions.Swap(0)

	lookups := hits + misses
	if lookups == 0 && writes == 0 {
		return nil
	}
	var hitRate, evictionRate float64
	if lookups > 0 {
		hitRate = float64(hits) / float64(lookups)
	}
	if writes > 0 {
		evictionRate = float64(evictions) / float64(writes)
	}

	capacity := c.Capacity()
	target := capacity
	switch {
	case hitRate > growHitRate && evictionRate < growEvictionRate:
		target = int(float64(capacity) * growFactor)
		if target > c.cfg.MaxCapacity {
			target = c.cfg.MaxCapacity
		}
	case hitRate < shrinkHitRate && evictionRate > shrinkEvictionRate:
		target = int(float64(capacity) * shrinkFactor)
		if target < c.cfg.MinCapacity {
			target = c.cfg.MinCapacity
		}
	}
	if target == capacity {
		return nil
	}

	err := c.locks.DoMulti(c.keys, c.cfg.LockTimeout, func() error {
		for i, s := range c.shards {
			s.capacity = shareOf(target, len(c.shards), i)
			for len(s.index) > s.capacity {
				slot, ok := s.oldest()
				if !ok {
					break
				}
				c.recordEviction(s.arena[slot].key)
				s.removeSlot(slot)
				c.entries.Add(-1)
			}
		}
		c.capacity.Store(int64(target))
		return nil
	})
	if err != nil {
		return err
	}
	c.publishEntries()
	c.logger.Info("recency cache capacity adjusted",
		zap.Int("from", capacity), zap.Int("to", target),
		zap.Float64("hit_rate", hitRate),
		zap.Float64("eviction_rate", evictionRate))
	return nil
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Capacity  int
}

// Stats returns a best-effort snapshot without taking any shard lock.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   int(c.entries.Load()),
		Capacity:  c.Capacity(),
	}
}

func (c *Cache) recordLookup(hit bool) {
	if hit {
		c.hits.Add(1)
		c.windowHits.Add(1)
		if c.m != nil {
			c.m.CacheHitsTotal.Inc()
		}
		return
	}
	c.misses.Add(1)
	c.windowMisses.Add(1)
	if c.m != nil {
		c.m.CacheMissesTotal.Inc()
	}
}

func (c *Cache) recordEviction(key string) {
	c.evictions.Add(1)
	c.windowEvictions.Add(1)
	if c.m != nil {
		c.m.CacheEvictionsTotal.Inc()
	}
	c.logger.Debug("evicted cache entry", zap.String("key", key))
}

func (c *Cache) publishEntries() {
	if c.m == nil {
		return
	}
	c.m.CacheEntries.Set(float64(c.entries.Load()))
}
