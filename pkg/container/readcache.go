package container

import (
	"container/list"
	"sync"
)

// readCacheEntry is one cache line: a deserialized container plus the
// per-entry lock establishing its lifetime while readers are using it
// (spec.md §6, "Containers loaded into the read cache are shared; each
// cache slot carries a lock").
type readCacheEntry struct {
	mu        sync.Mutex
	id        uint64
	container *Container
	elem      *list.Element
}

// ReadCache is an LRU of deserialized containers, grounded on the
// teacher's block-buffer cache bookkeeping (pkg/cache/types.go) but
// keyed by container id instead of block offset.
type ReadCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*readCacheEntry
	order    *list.List // front = most recently used

	hits, misses uint64
}

// NewReadCache creates a cache holding up to capacity containers.
func NewReadCache(capacity int) *ReadCache {
	return &ReadCache{
		capacity: capacity,
		entries:  make(map[uint64]*readCacheEntry),
		order:    list.New(),
	}
}

// Get returns the cached container for id, if present, touching it as
// most-recently-used. The returned entry's lock is already held by the
// caller's Lookup/Load protocol; callers must call Unlock via the
// returned unlock func.
func (rc *ReadCache) Get(id uint64) (*Container, func(), bool) {
	rc.mu.Lock()
	e, ok := rc.entries[id]
	if !ok {
		rc.misses++
		rc.mu.Unlock()
		return nil, nil, false
	}
	rc.hits++
	rc.order.MoveToFront(e.elem)
	rc.mu.Unlock()

	e.mu.Lock()
	return e.container, e.mu.Unlock, true
}

// Insert adds or replaces the cached container for id, evicting the
// least-recently-used entry if the cache is full.
func (rc *ReadCache) Insert(id uint64, c *Container) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if e, ok := rc.entries[id]; ok {
		e.mu.Lock()
		e.container = c
		e.mu.Unlock()
		rc.order.MoveToFront(e.elem)
		return
	}

	e := &readCacheEntry{id: id, container: c}
	e.elem = rc.order.PushFront(e)
	rc.entries[id] = e

	for len(rc.entries) > rc.capacity {
		back := rc.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*readCacheEntry)
		rc.order.Remove(back)
		delete(rc.entries, victim.id)
	}
}

// Invalidate drops a cached entry, used after a container is merged away
// or deleted so stale bytes are never served.
func (rc *ReadCache) Invalidate(id uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	e, ok := rc.entries[id]
	if !ok {
		return
	}
	rc.order.Remove(e.elem)
	delete(rc.entries, id)
}

// Stats reports cache hit/miss counters for observability.
type Stats struct {
	Hits, Misses uint64
	Size         int
}

func (rc *ReadCache) Snapshot() Stats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return Stats{Hits: rc.hits, Misses: rc.misses, Size: len(rc.entries)}
}
