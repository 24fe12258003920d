package kv

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// EvictionPolicy is the capability set a cache eviction strategy must
// implement: recording accesses, naming itself, and choosing victims when
// the cache exceeds capacity.
type EvictionPolicy interface {
	// RecordAccess notifies the policy that key was just read or written.
	RecordAccess(key string)

	// SelectVictims chooses up to count keys to evict from currentKeys.
	// Implementations may return fewer than count if currentKeys is smaller.
	SelectVictims(currentKeys []string, count int) []string

	// Name identifies the policy, surfaced in logs and metrics.
	Name() string
}

// LRUEvictionPolicy evicts the least-recently-used keys first, backed by
// hashicorp's ordered LRU list rather than a per-call sort of access
// timestamps.
type LRUEvictionPolicy struct {
	mu   sync.Mutex
	list *lru.LRU[string, struct{}]
}

// NewLRUEvictionPolicy creates an LRUEvictionPolicy sized to track up to
// capacity keys' recency order.
func NewLRUEvictionPolicy(capacity int) *LRUEvictionPolicy {
	if capacity < 1 {
		capacity = defaultMaxCacheSize
	}
	// onEvict is nil: the LRU list here only orders keys by recency: the
	// Store is the source of truth for which keys actually exist, and
	// SelectVictims walks the list with GetOldest/Remove only to pick
	// victims. Once the list holds capacity keys, adding another silently
	// drops the oldest entry from the list without touching the Store.
	list, _ := lru.NewLRU[string, struct{}](capacity, nil)
	return &LRUEvictionPolicy{list: list}
}

func (p *LRUEvictionPolicy) RecordAccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list.Add(key, struct{}{})
}

func (p *LRUEvictionPolicy) SelectVictims(currentKeys []string, count int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]bool, len(currentKeys))
	for _, key := range currentKeys {
		live[key] = true
	}

	var victims []string
	// Walk oldest-to-newest, skipping any key the LRU list still knows
	// about but that the store no longer holds (already deleted).
	for len(victims) < count {
		key, _, ok := p.list.GetOldest()
		if !ok {
			break
		}
		p.list.Remove(key)
		if live[key] {
			victims = append(victims, key)
			delete(live, key)
		}
	}

	return victims
}

func (p *LRUEvictionPolicy) Name() string {
	return "lru"
}
