package engine

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/symtensor/symtensor/tensor"
)

// matchPair names one pair of stored sector tuples whose contracted sectors
// line up, in the permuted operands' index space.
type matchPair struct {
	aIdx []int
	bIdx []int
}

// pattern is the cached result of the block-matching search for one operand
// structure: all joinable block pairs in deterministic order.
type pattern struct {
	pairs []matchPair
}

// CacheStats reports dispatch cache behavior.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

// patternCache is a bounded LRU over contraction patterns. Reads take a
// shared lock; only insertion of a freshly computed pattern takes the write
// lock, and singleflight collapses concurrent computation of one key.
type patternCache struct {
	mu      sync.RWMutex
	entries map[string]*list.Element
	lru     *list.List // front = most recent; values are *cacheEntry
	flight  singleflight.Group
	maxSize int
	logger  *slog.Logger

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key string
	pat *pattern
}

func newPatternCache(maxSize int) *patternCache {
	return &patternCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		logger:  slog.New(discardHandler{}),
	}
}

// patternKey fingerprints the two operands' leg-sector layouts, block sets,
// and the contracted-leg identities.
func patternKey(a *tensor.Tensor, nContracted int, b *tensor.Tensor) string {
	return fmt.Sprintf("%016x:%d:%016x", a.Fingerprint(), nContracted, b.Fingerprint())
}

// getOrCompute returns the pattern for key, computing it at most once across
// concurrent callers on a miss.
func (c *patternCache) getOrCompute(key string, compute func() *pattern) *pattern {
	if c.maxSize <= 0 {
		return compute()
	}

	c.mu.RLock()
	elem, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		atomic.AddInt64(&c.hits, 1)
		c.touch(elem)
		return elem.Value.(*cacheEntry).pat
	}
	atomic.AddInt64(&c.misses, 1)

	v, _, _ := c.flight.Do(key, func() (interface{}, error) {
		// Recheck under the flight: a racing caller may have inserted.
		c.mu.RLock()
		elem, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return elem.Value.(*cacheEntry).pat, nil
		}
		pat := compute()
		c.insert(key, pat)
		return pat, nil
	})
	return v.(*pattern)
}

func (c *patternCache) touch(elem *list.Element) {
	c.mu.Lock()
	c.lru.MoveToFront(elem)
	c.mu.Unlock()
}

func (c *patternCache) insert(key string, pat *pattern) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, pat: pat})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		entry := oldest.Value.(*cacheEntry)
		c.lru.Remove(oldest)
		delete(c.entries, entry.key)
		c.evictions++
		c.logger.Debug("dispatch cache eviction", "pattern", entry.key)
	}
	c.logger.Debug("dispatch cache insert", "pattern", key, "pairs", len(pat.pairs))
}

func (c *patternCache) stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: c.evictions,
		Entries:   c.lru.Len(),
	}
}
