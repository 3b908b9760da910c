package optimizer

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// CacheEntry is one priority+TTL cache slot.
type CacheEntry struct {
	Data      any
	Timestamp time.Time
	TTL       time.Duration
	Hits      int
	Priority  int
}

// SetCache stores data under key. A non-positive ttl uses the configured
// default. Priority weights the entry to survive eviction longer.
func (o *Optimizer) SetCache(key string, data any, ttl time.Duration, priority int) {
	if ttl <= 0 {
		ttl = o.config.DefaultCacheTTL
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.cache[key] = &CacheEntry{
		Data:      data,
		Timestamp: o.clock.Now(),
		TTL:       ttl,
		Priority:  priority,
	}

	if len(o.cache) > o.config.CacheCapacity {
		o.evictLocked()
	}
}

// GetCache returns the cached value for key, or false if absent or
// expired. Expired entries are removed on access.
func (o *Optimizer) GetCache(key string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.cache[key]
	if !ok {
		o.metrics.recordCacheMiss()
		return nil, false
	}
	if o.clock.Since(entry.Timestamp) >= entry.TTL {
		delete(o.cache, key)
		o.metrics.recordCacheMiss()
		return nil, false
	}
	entry.Hits++
	o.metrics.recordCacheHit()
	return entry.Data, true
}

// InvalidateCache drops a key. Unknown keys are a no-op.
func (o *Optimizer) InvalidateCache(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cache, key)
}

// CacheSize returns the number of live entries.
func (o *Optimizer) CacheSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cache)
}

// evictLocked removes expired entries first, then the lowest-scoring ~20%
// of the remainder. Score is hits/age; priority is compared ahead of the
// score so high-priority entries survive longer.
func (o *Optimizer) evictLocked() {
	now := o.clock.Now()

	for key, entry := range o.cache {
		if now.Sub(entry.Timestamp) >= entry.TTL {
			delete(o.cache, key)
		}
	}
	if len(o.cache) <= o.config.CacheCapacity {
		return
	}

	type scored struct {
		key      string
		priority int
		score    float64
	}
	candidates := make([]scored, 0, len(o.cache))
	for key, entry := range o.cache {
		age := now.Sub(entry.Timestamp).Seconds()
		if age <= 0 {
			age = 0.001
		}
		candidates = append(candidates, scored{
			key:      key,
			priority: entry.Priority,
			score:    float64(entry.Hits) / age,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].score < candidates[j].score
	})

	evict := len(candidates) / 5
	if evict < 1 {
		evict = 1
	}
	for _, c := range candidates[:evict] {
		delete(o.cache, c.key)
	}

	log.Debug().Int("evicted", evict).Int("remaining", len(o.cache)).Msg("cache eviction")
}
