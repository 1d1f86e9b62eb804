package blockindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/dedupcore/engine/internal/logger"
	"github.com/dedupcore/engine/pkg/chunkindex"
	"github.com/dedupcore/engine/pkg/container"
	"github.com/dedupcore/engine/pkg/lockstripe"
	"github.com/dedupcore/engine/pkg/oplog"
)

// ContainerCommitChecker is the narrow read surface blockindex needs
// from container storage: whether a referenced container id has
// committed, failed, or will never commit (spec.md §4.4,
// "BlockMappingStorageCheck").
type ContainerCommitChecker interface {
	CommitState(containerID uint64) container.CommitState
}

// Session represents a single client request's open in-flight mapping,
// consulted first by ReadBlockInfo before the auxiliary and persistent
// indexes (spec.md §4.4).
type Session interface {
	OpenMapping(blockID uint64) (Mapping, bool)
}

// Source identifies where ReadBlockInfo found a mapping.
type Source uint8

const (
	SourceNotFound Source = iota
	SourceSession
	SourceAux
	SourceMain
)

// Config configures an Index.
type Config struct {
	Dir           string
	BlockSize     uint64
	MaxLiveBlocks int
	FillThreshold float64
}

// Index is the Block Index component of spec.md §4.4.
type Index struct {
	cfg Config

	aux     *auxiliaryIndex
	volatile *VolatileBlockStore
	persist *persistentIndex
	locks   *lockstripe.Stripes

	chunks  *chunkindex.Index
	storage ContainerCommitChecker
	ol      *oplog.OpLog

	dirtyStartMu sync.Mutex
	dirtyStart   map[uint64]Pair // blockID -> pair, for entries whose containers are uncommitted at restart
}

// NewIndex wires a block index over dir, registering it with ol.
func NewIndex(cfg Config, ol *oplog.OpLog, chunks *chunkindex.Index, storage ContainerCommitChecker) (*Index, error) {
	persist, err := openPersistentIndex(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.FillThreshold == 0 {
		cfg.FillThreshold = 0.85
	}

	aux := newAuxiliaryIndex()
	idx := &Index{
		cfg:        cfg,
		aux:        aux,
		volatile:   NewVolatileBlockStore(aux),
		persist:    persist,
		locks:      lockstripe.New(256),
		chunks:     chunks,
		storage:    storage,
		ol:         ol,
		dirtyStart: make(map[uint64]Pair),
	}
	ol.Register(idx)
	return idx, nil
}

// Name identifies this consumer to the OpLog.
func (idx *Index) Name() string { return "block-index" }

// ReadBlockInfo resolves blockID's mapping, preferring an in-flight
// session mapping, then the auxiliary index, then the persistent index
// (spec.md §4.4, "ReadBlockInfo").
func (idx *Index) ReadBlockInfo(session Session, blockID uint64) (Mapping, Source, error) {
	if session != nil {
		if m, ok := session.OpenMapping(blockID); ok {
			return m, SourceSession, nil
		}
	}

	if m, ok := idx.aux.get(blockID); ok {
		return m, SourceAux, nil
	}

	m, found, err := idx.persist.get(blockID)
	if err != nil {
		return Mapping{}, SourceNotFound, fmt.Errorf("blockindex: read %d: %w", blockID, err)
	}
	if !found {
		return EmptyMapping(blockID, idx.cfg.BlockSize), SourceNotFound, nil
	}
	return m, SourceMain, nil
}

// StoreBlock writes updated into the auxiliary index, emits
// BlockMappingWritten, registers the transition with the volatile block
// store, and marks every chunk in previous in-combat (spec.md §4.4,
// "StoreBlock").
func (idx *Index) StoreBlock(ctx context.Context, previous, updated Mapping) error {
	unlock := idx.lockBlock(updated.BlockID)
	defer unlock()

	_, wasPersisted, err := idx.persist.get(updated.BlockID)
	if err != nil {
		return err
	}
	idx.aux.put(updated, !wasPersisted)

	for _, it := range previous.Items {
		idx.chunks.TouchInCombat(it.Fingerprint)
	}

	logID, err := idx.ol.CommitEvent(ctx, oplog.EventBlockMappingWritten, oplog.BlockMappingWrittenPayload{
		Pair: toWirePair(Pair{Previous: previous, Updated: updated}),
	})
	if err != nil {
		return err
	}

	idx.volatile.Register(previous, updated, "", updated.ContainerSet(), logID)
	return nil
}

// DeleteBlockInfo removes blockID from both indexes and emits
// BlockMappingDeleted (spec.md §4.4, "DeleteBlockInfo").
func (idx *Index) DeleteBlockInfo(ctx context.Context, original Mapping) error {
	unlock := idx.lockBlock(original.BlockID)
	defer unlock()

	idx.aux.delete(original.BlockID)
	if err := idx.persist.delete(original.BlockID); err != nil {
		return err
	}

	_, err := idx.ol.CommitEvent(ctx, oplog.EventBlockMappingDeleted, oplog.BlockMappingDeletedPayload{
		Original: toWireMapping(original),
	})
	return err
}

// MarkBlockWriteAsFailed records a failed write and rolls the auxiliary
// index back to the previous mapping if its version still matches the
// failing write (spec.md §4.4, "MarkBlockWriteAsFailed").
func (idx *Index) MarkBlockWriteAsFailed(ctx context.Context, pair Pair, writeEventLogID uint64) error {
	unlock := idx.lockBlock(pair.Updated.BlockID)
	defer unlock()

	if err := idx.persist.recordFailedWrite(pair.Updated.BlockID, pair.Updated.Version); err != nil {
		return err
	}

	if pair.Previous.Version == 0 {
		idx.aux.deleteIfVersion(pair.Updated.BlockID, pair.Updated.Version)
	} else {
		idx.aux.replaceIfVersion(pair.Updated.BlockID, pair.Updated.Version, pair.Previous)
	}

	_, err := idx.ol.CommitEvent(ctx, oplog.EventBlockMappingWriteFailed, oplog.BlockMappingWriteFailedPayload{
		Pair:            toWirePair(pair),
		WriteEventLogID: writeEventLogID,
	})
	return err
}

func (idx *Index) lockBlock(blockID uint64) func() {
	idx.locks.Lock(blockID)
	return func() { idx.locks.Unlock(blockID) }
}

// ForEach walks every block mapping in the persistent index, calling fn
// once per entry. Used by the offline checker, which reads committed
// state directly rather than going through a running engine.
func (idx *Index) ForEach(fn func(Mapping) error) error {
	return idx.persist.forEach(fn)
}

// Throttle reports whether ingest should pause because the live block
// count (persistent entries plus new blocks held only in the auxiliary
// index) has reached FillThreshold of MaxLiveBlocks. It does not measure
// the auxiliary index's own size, and it never throttles when
// MaxLiveBlocks is 0 (spec.md §4.4, "Throttling").
func (idx *Index) Throttle(threadID, threadCount int) bool {
	if idx.cfg.MaxLiveBlocks == 0 {
		return false
	}
	persistedCount, err := idx.persist.itemCount()
	if err != nil {
		return false
	}
	live := persistedCount + idx.aux.openNewBlockCount()
	return float64(live)/float64(idx.cfg.MaxLiveBlocks) >= idx.cfg.FillThreshold
}

// RunImporterPass drains the volatile store's ready queue, deduplicating
// by block id (keeping the highest version), try-locking each block id
// and skipping contested ones, and installs entries into the persistent
// index in version order (spec.md §4.4, "Background importer").
func (idx *Index) RunImporterPass(ctx context.Context) error {
	batch := make(map[uint64]uint64) // blockID -> highest ready version
	for {
		item, ok := idx.volatile.PopReady()
		if !ok {
			break
		}
		if cur, exists := batch[item.BlockID]; !exists || item.Version > cur {
			batch[item.BlockID] = item.Version
		}
	}

	for blockID, version := range batch {
		unlock, ok := idx.locks.TryLockWithUnlock(blockID)
		if !ok {
			idx.volatile.PushReady(ReadyItem{BlockID: blockID, Version: version})
			continue
		}

		func() {
			defer unlock()

			m, ok := idx.aux.get(blockID)
			if !ok || m.Version != version {
				return
			}

			existing, found, err := idx.persist.get(blockID)
			if err != nil {
				logger.ErrorCtx(ctx, "block index: importer read failed", "block_id", blockID, "error", err)
				return
			}
			if found && existing.Version >= m.Version {
				idx.aux.deleteIfVersion(blockID, m.Version)
				return
			}

			if err := idx.persist.put(m); err != nil {
				logger.ErrorCtx(ctx, "block index: importer put failed", "block_id", blockID, "error", err)
				return
			}
			idx.aux.deleteIfVersion(blockID, m.Version)
		}()
	}

	return nil
}

// Replay applies one oplog.Event to the block index's state, across
// Direct, DirtyStart, and Background modes (spec.md §4.1, §4.4).
func (idx *Index) Replay(ctx context.Context, ev oplog.Event) error {
	switch ev.Type {
	case oplog.EventContainerCommitted:
		p := ev.Payload.(oplog.ContainerCommittedPayload)
		idx.volatile.OnContainerCommitted(p.ContainerID)

	case oplog.EventContainerCommitFailed:
		p := ev.Payload.(oplog.ContainerCommitFailedPayload)
		for _, pair := range idx.volatile.OnContainerFailed(p.ContainerID) {
			if err := idx.MarkBlockWriteAsFailed(ctx, pair, pair.Updated.EventLogID); err != nil {
				logger.ErrorCtx(ctx, "block index: container-failure handling error", "block_id", pair.Updated.BlockID, "container_id", p.ContainerID, "error", err)
			}
		}

	case oplog.EventBlockMappingWritten:
		if ev.Ctx.Mode == oplog.DirtyStart {
			p := ev.Payload.(oplog.BlockMappingWrittenPayload)
			pair := fromWirePair(p.Pair)
			if !idx.allContainersCommitted(pair.Updated) {
				idx.dirtyStartMu.Lock()
				idx.dirtyStart[pair.Updated.BlockID] = pair
				idx.dirtyStartMu.Unlock()
			}
		}

	case oplog.EventReplayStopped:
		p := ev.Payload.(oplog.ReplayStoppedPayload)
		if p.ReplayType == oplog.DirtyStart {
			idx.finishDirtyLogReplay(ctx)
		}
	}
	return nil
}

func (idx *Index) allContainersCommitted(m Mapping) bool {
	for id := range m.ContainerSet() {
		if idx.storage.CommitState(id) != container.StateCommitted {
			return false
		}
	}
	return true
}

// finishDirtyLogReplay walks every mapping left in idx.dirtyStart at the
// end of a DirtyStart pass: each is marked write-failed, pushed back
// with version+1, and the auxiliary index is set to the pre-failure
// contents at the failing version (spec.md §4.4, "Log replay,
// dirty-start mode").
func (idx *Index) finishDirtyLogReplay(ctx context.Context) {
	idx.dirtyStartMu.Lock()
	pending := idx.dirtyStart
	idx.dirtyStart = make(map[uint64]Pair)
	idx.dirtyStartMu.Unlock()

	for _, pair := range pending {
		restored := pair.Previous
		restored.BlockID = pair.Updated.BlockID
		restored.Version = pair.Updated.Version + 1

		if err := idx.MarkBlockWriteAsFailed(ctx, pair, pair.Updated.EventLogID); err != nil {
			logger.ErrorCtx(ctx, "block index: dirty-start failure handling error", "block_id", pair.Updated.BlockID, "error", err)
			continue
		}
		idx.aux.put(restored, false)
		idx.volatile.PushReady(ReadyItem{BlockID: restored.BlockID, Version: restored.Version})
	}
}

func toWireMapping(m Mapping) oplog.BlockMappingData {
	items := make([]oplog.BlockMappingItemData, len(m.Items))
	for i, it := range m.Items {
		items[i] = oplog.BlockMappingItemData{
			Fingerprint: it.Fingerprint,
			DataAddress: it.DataAddress,
			ChunkOffset: it.ChunkOffset,
			ChunkSize:   it.ChunkSize,
		}
	}
	return oplog.BlockMappingData{
		BlockID:    m.BlockID,
		Version:    m.Version,
		BlockSize:  m.BlockSize,
		Items:      items,
		EventLogID: m.EventLogID,
	}
}

func fromWireMapping(d oplog.BlockMappingData) Mapping {
	items := make([]Item, len(d.Items))
	for i, it := range d.Items {
		items[i] = Item{
			Fingerprint: it.Fingerprint,
			DataAddress: it.DataAddress,
			ChunkOffset: it.ChunkOffset,
			ChunkSize:   it.ChunkSize,
		}
	}
	return Mapping{
		BlockID:    d.BlockID,
		Version:    d.Version,
		BlockSize:  d.BlockSize,
		Items:      items,
		EventLogID: d.EventLogID,
	}
}

func toWirePair(p Pair) oplog.BlockMappingPairData {
	return oplog.BlockMappingPairData{
		Previous: toWireMapping(p.Previous),
		Updated:  toWireMapping(p.Updated),
	}
}

func fromWirePair(d oplog.BlockMappingPairData) Pair {
	return Pair{Previous: fromWireMapping(d.Previous), Updated: fromWireMapping(d.Updated)}
}

// Close releases the persistent index's file handles.
func (idx *Index) Close() error {
	return idx.persist.close()
}
