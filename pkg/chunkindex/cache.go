package chunkindex

import (
	"sync"

	"github.com/dedupcore/engine/pkg/fp"
)

// cacheEntry is one write-back cache line. Pinned entries must not be
// evicted or flushed to disk until their backing container is durably
// committed (spec.md §4.3, "Pinning rule").
type cacheEntry struct {
	mapping Mapping
	dirty   bool
	pinned  bool
}

// writeBackCache is the in-memory front for the persistent index
// (spec.md §4.3, "Write-back cache"). capacity only feeds fillRatio and
// shouldFlush, which reports true once the entry count crosses
// flushThreshold of capacity; put never refuses or evicts an entry, so
// the cache's size is not bounded.
type writeBackCache struct {
	mu              sync.Mutex
	capacity        int
	flushThreshold  float64
	entries         map[string]*cacheEntry
}

func newWriteBackCache(capacity int, flushThresholdFrac float64) *writeBackCache {
	if flushThresholdFrac <= 0 {
		flushThresholdFrac = 0.7
	}
	return &writeBackCache{
		capacity:       capacity,
		flushThreshold: flushThresholdFrac,
		entries:        make(map[string]*cacheEntry),
	}
}

func (c *writeBackCache) get(key fp.Fingerprint) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	return e, ok
}

// put inserts or replaces the entry, dirty and pinned as requested.
func (c *writeBackCache) put(m Mapping, dirty, pinned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.Fingerprint.String()] = &cacheEntry{mapping: m, dirty: dirty, pinned: pinned}
}

func (c *writeBackCache) delete(key fp.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
}

func (c *writeBackCache) setPinned(key fp.Fingerprint, pinned bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return false
	}
	e.pinned = pinned
	return true
}

// fillRatio reports how full the cache is relative to capacity.
func (c *writeBackCache) fillRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity == 0 {
		return 0
	}
	return float64(len(c.entries)) / float64(c.capacity)
}

// shouldFlush reports whether the cache has crossed its proactive-flush
// threshold.
func (c *writeBackCache) shouldFlush() bool {
	return c.fillRatio() >= c.flushThreshold
}

// unpinnedDirty returns a snapshot of every dirty, unpinned entry, the
// set eligible for flushing to the persistent index.
func (c *writeBackCache) unpinnedDirty() []Mapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Mapping
	for _, e := range c.entries {
		if e.dirty && !e.pinned {
			out = append(out, e.mapping)
		}
	}
	return out
}

// clearDirty marks entries as flushed (no longer dirty) and, if evict,
// removes them from the cache entirely.
func (c *writeBackCache) clearDirty(keys []fp.Fingerprint, evict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		ks := k.String()
		if evict {
			delete(c.entries, ks)
			continue
		}
		if e, ok := c.entries[ks]; ok {
			e.dirty = false
		}
	}
}

// allStillPinned returns every fingerprint currently marked pinned, used
// by ReplayStopped handling to drop stale pins (spec.md §4.5).
func (c *writeBackCache) allStillPinned() []fp.Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fp.Fingerprint
	for _, e := range c.entries {
		if e.pinned {
			out = append(out, e.mapping.Fingerprint)
		}
	}
	return out
}

func (c *writeBackCache) unpinAll(keys []fp.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if e, ok := c.entries[k.String()]; ok {
			e.pinned = false
		}
	}
}
