package chunkindex

import "sync"

// containerTracker is the set of committed container ids awaiting
// chunk-index processing (spec.md §3, "Container Tracker"), which the
// background importer consults each pass. It is held in memory only and
// is not persisted to the info store. Loss of
// the in-memory state on crash is safe: DirtyStart replay re-registers
// every ContainerCommitted id found in the log.
type containerTracker struct {
	mu         sync.Mutex
	pending    map[uint64]struct{}
	processing map[uint64]struct{}
}

func newContainerTracker() *containerTracker {
	return &containerTracker{
		pending:    make(map[uint64]struct{}),
		processing: make(map[uint64]struct{}),
	}
}

// ShouldProcess registers id as needing processing.
func (t *containerTracker) ShouldProcess(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, inProgress := t.processing[id]; inProgress {
		return
	}
	t.pending[id] = struct{}{}
}

// GetNextProcessingContainer pops one pending id and marks it processing,
// or returns ok=false if nothing is pending.
func (t *containerTracker) GetNextProcessingContainer() (id uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.pending {
		delete(t.pending, id)
		t.processing[id] = struct{}{}
		return id, true
	}
	return 0, false
}

// ProcessedContainer marks id fully processed, removing it from the
// processing set.
func (t *containerTracker) ProcessedContainer(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processing, id)
}

// AbortProcessingContainer returns id to pending without marking it
// processed, used when the importer is interrupted mid-container.
func (t *containerTracker) AbortProcessingContainer(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processing, id)
	t.pending[id] = struct{}{}
}

// PendingCount reports how many ids are waiting to be processed.
func (t *containerTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
