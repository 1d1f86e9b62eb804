package container

import (
	"sync"
	"time"
)

// writeSlot is one open write-cache container plus the bookkeeping needed
// to hand it to the background committer when it is full or has timed
// out (spec.md §4.2: "maintain an open write-cache slot per write
// stream").
type writeSlot struct {
	c         *Container
	address   Address
	opened    time.Time
	fileIndex uint32
	offset    uint64
}

// WriteCache is the small pool of containers currently being filled,
// exclusively owned by Storage (spec.md §6: "Containers in the write
// cache are exclusively owned by the storage").
type WriteCache struct {
	mu      sync.Mutex
	width   int
	timeout time.Duration
	slots   map[uint64]*writeSlot // keyed by container primary id
}

// NewWriteCache creates a write cache with the given width (number of
// concurrently open write streams) and per-container timeout.
func NewWriteCache(width int, timeout time.Duration) *WriteCache {
	return &WriteCache{
		width:   width,
		timeout: timeout,
		slots:   make(map[uint64]*writeSlot),
	}
}

// Open registers a newly allocated container as an open write slot.
func (wc *WriteCache) Open(id uint64, c *Container, fileIndex uint32, offset uint64) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.slots[id] = &writeSlot{c: c, opened: time.Now(), fileIndex: fileIndex, offset: offset}
}

// Get returns the open container for id, if still in the write cache.
func (wc *WriteCache) Get(id uint64) (*Container, bool) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	s, ok := wc.slots[id]
	if !ok {
		return nil, false
	}
	return s.c, true
}

// Remove takes the container out of the write cache, returning its
// reserved file coordinates for the commit write.
func (wc *WriteCache) Remove(id uint64) (fileIndex uint32, offset uint64, ok bool) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	s, ok := wc.slots[id]
	if !ok {
		return 0, 0, false
	}
	delete(wc.slots, id)
	return s.fileIndex, s.offset, true
}

// IsOpen reports whether id currently has an open write-cache slot; used
// by LookupContainerAddressWait to decide whether a reader must wait.
func (wc *WriteCache) IsOpen(id uint64) bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	_, ok := wc.slots[id]
	return ok
}

// HasFreeSlot reports whether a new write stream may be opened without
// exceeding the configured width.
func (wc *WriteCache) HasFreeSlot() bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return len(wc.slots) < wc.width
}

// Expired returns the ids of containers that have been open longer than
// the configured timeout and should be committed regardless of fullness
// (spec.md §6, "Cancellation/timeouts").
func (wc *WriteCache) Expired() []uint64 {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	now := time.Now()
	var ids []uint64
	for id, s := range wc.slots {
		if now.Sub(s.opened) >= wc.timeout {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of currently open write slots.
func (wc *WriteCache) Len() int {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return len(wc.slots)
}
