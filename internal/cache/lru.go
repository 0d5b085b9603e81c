// Package cache holds the bounded, expiring memo used for attribution
// results.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUWithTTL bounds a memo by entry count and by age. Keys must fully
// determine the value: the attribution engine keys on model id, params
// fingerprint, config and the transformed vector bits.
type LRUWithTTL[K comparable, V any] struct {
	mu    sync.Mutex
	items *lru.Cache[K, stamped[V]]
	ttl   time.Duration
	now   func() time.Time

	hits, misses, evicted uint64
}

type stamped[V any] struct {
	value V
	born  time.Time
}

// NewLRUWithTTL returns a cache of at most size entries. A zero ttl keeps
// entries until they are pushed out.
func NewLRUWithTTL[K comparable, V any](size int, ttl time.Duration) (*LRUWithTTL[K, V], error) {
	c := &LRUWithTTL[K, V]{ttl: ttl, now: time.Now}
	items, err := lru.NewWithEvict(size, func(K, stamped[V]) { c.evicted++ })
	if err != nil {
		return nil, err
	}
	c.items = items
	return c, nil
}

func (c *LRUWithTTL[K, V]) stale(s stamped[V]) bool {
	return c.ttl > 0 && c.now().Sub(s.born) > c.ttl
}

// Get returns a live entry. A stale hit is dropped and counted as a miss.
func (c *LRUWithTTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.items.Get(key)
	if ok && c.stale(s) {
		// Remove fires the evict callback; expiry is not an eviction.
		c.items.Remove(key)
		c.evicted--
		ok = false
	}
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return s.value, true
}

// Set stores value under key and restarts its clock.
func (c *LRUWithTTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(key, stamped[V]{value: value, born: c.now()})
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

func (c *LRUWithTTL[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{Hits: c.hits, Misses: c.misses, Evicted: c.evicted, Size: c.items.Len()}
	if n := c.hits + c.misses; n > 0 {
		st.HitRate = float64(c.hits) / float64(n)
	}
	return st
}
