// Package mlservice hosts the stateful ML service wrapper: lifecycle,
// processor strategies, and the hit-counted model cache.
package mlservice

import (
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// CacheConfig bounds the model cache.
type CacheConfig struct {
	MaxEntries  int
	MinHitCount int
	MaxMemoryMB float64
}

// MemoryChecker gates admissions on process-wide memory headroom.
type MemoryChecker interface {
	CheckMemory(requiredMB float64) bool
}

type cacheEntry struct {
	model        any
	memoryMB     float64
	lastAccessed time.Time
	hitCount     int
}

// ModelCache caches frequently used model instances under a memory
// budget. Admission requires MinHitCount accesses; eviction removes the
// entry with the smallest (hitCount, lastAccessed) pair first. All
// mutations are serialized.
type ModelCache struct {
	mu          sync.Mutex
	cfg         CacheConfig
	resources   MemoryChecker
	sink        domain.MetricsSink
	entries     map[string]*cacheEntry
	accessCount map[string]int
	totalMB     float64
	now         func() time.Time
}

// NewModelCache creates a cache. resources and sink may be nil.
func NewModelCache(cfg CacheConfig, resources MemoryChecker, sink domain.MetricsSink) *ModelCache {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &ModelCache{
		cfg:         cfg,
		resources:   resources,
		sink:        sink,
		entries:     make(map[string]*cacheEntry),
		accessCount: make(map[string]int),
		now:         time.Now,
	}
}

// Get returns the cached model for id, updating recency and hit count.
func (c *ModelCache) Get(id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		c.sink.Counter("model_cache_misses_total", 1, nil)
		return nil, false
	}
	entry.lastAccessed = c.now()
	entry.hitCount++
	c.sink.Counter("model_cache_hits_total", 1, nil)
	return entry.model, true
}

// Put offers a model for caching. The model is admitted only once its
// access count reaches MinHitCount; before that Put records the access
// and returns without admitting. Eviction under pressure removes the
// lowest (hitCount, lastAccessed) entries; if the budget still cannot
// fit with an empty cache a ResourceError is returned.
func (c *ModelCache) Put(id string, model any, memoryMB float64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accessCount[id]++
	if c.accessCount[id] < c.cfg.MinHitCount {
		return false, nil
	}
	if entry, ok := c.entries[id]; ok {
		// Refresh an already admitted entry.
		entry.model = model
		entry.lastAccessed = c.now()
		return true, nil
	}

	for len(c.entries) >= c.cfg.MaxEntries || !c.fits(memoryMB) {
		if !c.evictOne() {
			return false, &domain.ResourceError{Op: "cache.Put", Cause: domain.ErrResourceExhausted}
		}
	}

	c.entries[id] = &cacheEntry{
		model:        model,
		memoryMB:     memoryMB,
		lastAccessed: c.now(),
		hitCount:     1,
	}
	c.totalMB += memoryMB
	slog.Debug("model admitted to cache",
		slog.String("model_id", id),
		slog.Float64("memory_mb", memoryMB),
		slog.Int("entries", len(c.entries)))
	return true, nil
}

// fits is called with the lock held.
func (c *ModelCache) fits(memoryMB float64) bool {
	if c.cfg.MaxMemoryMB > 0 && c.totalMB+memoryMB > c.cfg.MaxMemoryMB {
		return false
	}
	if c.resources != nil && !c.resources.CheckMemory(memoryMB) {
		return false
	}
	return true
}

// evictOne removes the entry with the smallest (hitCount, lastAccessed)
// pair. Called with the lock held.
func (c *ModelCache) evictOne() bool {
	var victim string
	var victimEntry *cacheEntry
	for id, entry := range c.entries {
		if victimEntry == nil ||
			entry.hitCount < victimEntry.hitCount ||
			(entry.hitCount == victimEntry.hitCount && entry.lastAccessed.Before(victimEntry.lastAccessed)) {
			victim = id
			victimEntry = entry
		}
	}
	if victimEntry == nil {
		return false
	}
	delete(c.entries, victim)
	c.totalMB -= victimEntry.memoryMB
	c.sink.Counter("model_cache_evictions_total", 1, nil)
	slog.Debug("model evicted from cache",
		slog.String("model_id", victim),
		slog.Int("hit_count", victimEntry.hitCount))
	return true
}

// Len reports the number of admitted entries.
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalMemoryMB reports the admitted memory footprint.
func (c *ModelCache) TotalMemoryMB() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalMB
}

// Stats returns cache statistics.
func (c *ModelCache) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"entries":         len(c.entries),
		"max_entries":     c.cfg.MaxEntries,
		"total_memory_mb": c.totalMB,
		"max_memory_mb":   c.cfg.MaxMemoryMB,
		"min_hit_count":   c.cfg.MinHitCount,
	}
}

// Clear removes all entries and access counters.
func (c *ModelCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.accessCount = make(map[string]int)
	c.totalMB = 0
	slog.Info("model cache cleared")
}
