package blockindex

import "sync"

// ReadyItem is a (block_id, version) pair the background importer should
// migrate from auxiliary to persistent storage.
type ReadyItem struct {
	BlockID uint64
	Version uint64
}

// volatileEntry tracks one in-flight block-mapping transition until
// every container it references has committed (spec.md §4.4, "Volatile
// block store").
type volatileEntry struct {
	original           Mapping
	updated            Mapping
	extraMessage       string
	containerSet       map[uint64]struct{}
	openContainerCount int
	writtenEventLogID  uint64
}

// VolatileBlockStore is the registry of open block-mapping transitions
// described in spec.md §4.4.
type VolatileBlockStore struct {
	mu      sync.Mutex
	entries map[uint64]*volatileEntry // keyed by block id
	ready   []ReadyItem

	aux *auxiliaryIndex
}

// NewVolatileBlockStore creates a store that can roll auxiliary entries
// back via aux on failure.
func NewVolatileBlockStore(aux *auxiliaryIndex) *VolatileBlockStore {
	return &VolatileBlockStore{
		entries: make(map[uint64]*volatileEntry),
		aux:     aux,
	}
}

// Register records a new in-flight transition for original.BlockID.
func (v *VolatileBlockStore) Register(original, updated Mapping, extraMessage string, containerSet map[uint64]struct{}, writtenEventLogID uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries[original.BlockID] = &volatileEntry{
		original:           original,
		updated:            updated,
		extraMessage:       extraMessage,
		containerSet:       containerSet,
		openContainerCount: len(containerSet),
		writtenEventLogID:  writtenEventLogID,
	}

	if len(containerSet) == 0 {
		v.markReadyLocked(original.BlockID)
	}
}

func (v *VolatileBlockStore) markReadyLocked(blockID uint64) {
	e, ok := v.entries[blockID]
	if !ok {
		return
	}
	v.ready = append(v.ready, ReadyItem{BlockID: blockID, Version: e.updated.Version})
	delete(v.entries, blockID)
}

// OnContainerCommitted decrements open_container_count for every tracked
// entry referencing containerID, moving any that reach zero onto the
// ready queue.
func (v *VolatileBlockStore) OnContainerCommitted(containerID uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for blockID, e := range v.entries {
		if _, ok := e.containerSet[containerID]; !ok {
			continue
		}
		delete(e.containerSet, containerID)
		e.openContainerCount--
		if e.openContainerCount <= 0 {
			v.markReadyLocked(blockID)
		}
	}
}

// OnContainerFailed removes every in-flight entry referencing
// containerID and returns its (original, updated) pair plus the log id
// of the BlockMappingWritten event that created it, so the caller can
// fail it via Index.MarkBlockWriteAsFailed — which rolls the auxiliary
// index back to the original mapping and records/emits the failure
// (spec.md §4.4, "FailVolatileBlock"). The rollback itself is not
// performed here to keep a single code path responsible for it.
func (v *VolatileBlockStore) OnContainerFailed(containerID uint64) []Pair {
	v.mu.Lock()
	defer v.mu.Unlock()

	var failed []Pair
	for blockID, e := range v.entries {
		if _, ok := e.containerSet[containerID]; !ok {
			continue
		}
		delete(v.entries, blockID)

		updated := e.updated
		updated.EventLogID = e.writtenEventLogID
		failed = append(failed, Pair{Previous: e.original, Updated: updated})
	}
	return failed
}

// OpenMapping returns the in-flight updated mapping for blockID, the
// first thing ReadBlockInfo consults (spec.md §4.4, "ReadBlockInfo...
// asks the session for an open in-flight mapping").
func (v *VolatileBlockStore) OpenMapping(blockID uint64) (Mapping, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[blockID]
	if !ok {
		return Mapping{}, false
	}
	return e.updated, true
}

// PopReady dequeues one ready (block_id, version) pair for the
// background importer, or reports ok=false if the queue is empty.
func (v *VolatileBlockStore) PopReady() (ReadyItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.ready) == 0 {
		return ReadyItem{}, false
	}
	item := v.ready[0]
	v.ready = v.ready[1:]
	return item, true
}

// PushReady re-queues an item the importer could not process this pass
// (e.g. a contested block lock), so it is retried on the next pass.
func (v *VolatileBlockStore) PushReady(item ReadyItem) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ready = append(v.ready, item)
}

// PendingCount reports how many transitions are still awaiting commit.
func (v *VolatileBlockStore) PendingCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}
