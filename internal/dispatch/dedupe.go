package dispatch

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupeCache remembers message ids for a TTL window, bounded in size.
// The least recently seen id is evicted first when full.
type DedupeCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

// NewDedupeCache creates a cache. maxSize <= 0 means unbounded.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if maxSize < 0 {
		maxSize = 0
	}
	return &DedupeCache{lru: expirable.NewLRU[string, struct{}](maxSize, nil, ttl)}
}

// IsDuplicate returns true if key was already seen within the TTL window.
// If not a duplicate, records the key for future checks.
func (d *DedupeCache) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.lru.Get(key); ok {
		return true
	}
	d.lru.Add(key, struct{}{})
	return false
}

// Forget removes key so a redelivery is accepted again.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.Remove(key)
}

// Len returns the number of remembered ids.
func (d *DedupeCache) Len() int {
	return d.lru.Len()
}
