package chunkindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dedupcore/engine/internal/logger"
	"github.com/dedupcore/engine/pkg/container"
	"github.com/dedupcore/engine/pkg/fp"
	"github.com/dedupcore/engine/pkg/oplog"
)

// ErrCapacityReached is returned by Put when the persistent index's
// estimated capacity has been reached (spec.md §4.3).
var ErrCapacityReached = errors.New("chunkindex: persistent index capacity reached")

// ContainerReader is the narrow read surface chunkindex needs from
// container storage. It is an interface rather than a concrete
// *container.Storage dependency so chunkindex stays decoupled from
// storage's internals and only shares data types with it.
type ContainerReader interface {
	ReadContainerWithCache(ctx context.Context, id uint64) (*container.Container, error)
}

// Config configures an Index.
type Config struct {
	Dir             string
	CacheCapacity   int
	FlushThreshold  float64
	Sampling        SamplingStrategy
	EstimatedMaxFPs int
}

// Index is the Chunk Index component of spec.md §4.3.
type Index struct {
	cfg      Config
	persist  *persistentIndex
	cache    *writeBackCache
	tracker  *containerTracker
	sampling SamplingStrategy
	reader   ContainerReader
	ol       *oplog.OpLog

	inCombatMu sync.Mutex
	inCombat   map[string]struct{}

	gcHook func(containerID uint64) // notifies container GC of low-utilization candidates
}

// NewIndex wires a chunk index over dir, registering it with ol.
func NewIndex(cfg Config, ol *oplog.OpLog, reader ContainerReader) (*Index, error) {
	persist, err := openPersistentIndex(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.Sampling == nil {
		cfg.Sampling = FullSampling{}
	}

	idx := &Index{
		cfg:      cfg,
		persist:  persist,
		cache:    newWriteBackCache(cfg.CacheCapacity, cfg.FlushThreshold),
		tracker:  newContainerTracker(),
		sampling: cfg.Sampling,
		reader:   reader,
		ol:       ol,
		inCombat: make(map[string]struct{}),
	}
	ol.Register(idx)
	return idx, nil
}

// Name identifies this consumer to the OpLog.
func (idx *Index) Name() string { return "chunk-index" }

// SetGCHook wires a callback invoked with container ids observed during
// import, letting container.GC learn about low-utilization containers
// without chunkindex importing the concrete GC type.
func (idx *Index) SetGCHook(fn func(containerID uint64)) {
	idx.gcHook = fn
}

func (idx *Index) markInCombat(f fp.Fingerprint) {
	idx.inCombatMu.Lock()
	defer idx.inCombatMu.Unlock()
	idx.inCombat[f.String()] = struct{}{}
}

// TouchInCombat marks f as in-combat, used by the block index when a
// write supersedes a previous mapping so GC cannot race the chunks the
// old mapping referenced (spec.md §4.4, "StoreBlock ... touches every
// chunk in previous as in-combat").
func (idx *Index) TouchInCombat(f fp.Fingerprint) {
	idx.markInCombat(f)
}

// IsInCombat reports whether GC must not touch f right now.
func (idx *Index) IsInCombat(f fp.Fingerprint) bool {
	idx.inCombatMu.Lock()
	defer idx.inCombatMu.Unlock()
	_, ok := idx.inCombat[f.String()]
	return ok
}

// ClearInCombat releases f from the in-combat table once the writer that
// marked it has moved past the risk window.
func (idx *Index) ClearInCombat(f fp.Fingerprint) {
	idx.inCombatMu.Lock()
	defer idx.inCombatMu.Unlock()
	delete(idx.inCombat, f.String())
}

// Lookup searches the write-back cache, then the persistent index
// (spec.md §4.3, "Lookup").
func (idx *Index) Lookup(f fp.Fingerprint, addAsInCombat bool) (Mapping, bool, error) {
	if addAsInCombat {
		idx.markInCombat(f)
	}

	if e, ok := idx.cache.get(f); ok {
		return e.mapping, true, nil
	}

	m, ok, err := idx.persist.get(f)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("chunkindex: lookup: %w", err)
	}
	return m, ok, nil
}

// Put inserts a new dirty, pinned entry (spec.md §4.3, "Put").
func (idx *Index) Put(m Mapping) error {
	if idx.cfg.EstimatedMaxFPs > 0 {
		count, err := idx.persist.estimatedCount()
		if err != nil {
			return err
		}
		if count >= idx.cfg.EstimatedMaxFPs {
			return ErrCapacityReached
		}
	}
	idx.cache.put(m, true, true)
	return nil
}

// PutOverwrite writes an unpinned entry directly, the checker tool's
// repair path (spec.md §4.3, "PutOverwrite").
func (idx *Index) PutOverwrite(m Mapping) error {
	idx.cache.put(m, true, false)
	return nil
}

// ChangePinningState toggles the pin flag on an existing cache entry. It
// reports false if the fingerprint is not currently cached (e.g. it was
// already flushed).
func (idx *Index) ChangePinningState(f fp.Fingerprint, pinned bool) bool {
	return idx.cache.setPinned(f, pinned)
}

// EnsurePersistent forces an unpinned entry out of the write-back cache
// onto disk, returning stillPinned=true (Keep) if the entry is pinned
// and cannot be flushed yet (spec.md §4.3, "EnsurePersistent").
func (idx *Index) EnsurePersistent(f fp.Fingerprint) (stillPinned bool, err error) {
	e, ok := idx.cache.get(f)
	if !ok {
		return false, nil
	}
	if e.pinned {
		return true, nil
	}
	if err := idx.persist.put(e.mapping); err != nil {
		return false, err
	}
	idx.cache.clearDirty([]fp.Fingerprint{f}, true)
	return false, nil
}

// Delete removes a fingerprint from both the cache and the persistent
// index.
func (idx *Index) Delete(f fp.Fingerprint) error {
	idx.cache.delete(f)
	return idx.persist.delete(f)
}

// ForEach walks every fingerprint mapping in the persistent index,
// calling fn once per entry. Used by the offline checker and restorer
// tools, which operate without a running engine and so bypass the
// write-back cache entirely.
func (idx *Index) ForEach(fn func(Mapping) error) error {
	return idx.persist.forEach(fn)
}

// Throttle reports whether the caller (thread_id of thread_count) should
// pause ingest because the write-back cache has crossed its flush
// threshold (spec.md §4.3, "Throttling").
func (idx *Index) Throttle(threadID, threadCount int) bool {
	return idx.cache.shouldFlush()
}

// FlushDirty writes every dirty, unpinned cache entry that the sampling
// strategy accepts to the persistent index, then evicts all of those
// entries from the cache; entries the strategy rejects are evicted
// without being written.
func (idx *Index) FlushDirty(ctx context.Context) error {
	dirty := idx.cache.unpinnedDirty()
	if len(dirty) == 0 {
		return nil
	}

	keys := make([]fp.Fingerprint, 0, len(dirty))
	for _, m := range dirty {
		if !idx.sampling.ShouldIndex(m.Fingerprint) {
			keys = append(keys, m.Fingerprint)
			continue
		}
		if err := idx.persist.put(m); err != nil {
			return fmt.Errorf("chunkindex: flush %s: %w", m.Fingerprint, err)
		}
		keys = append(keys, m.Fingerprint)
	}

	idx.cache.clearDirty(keys, true)
	logger.DebugCtx(ctx, "chunk index: flushed dirty entries", "count", len(keys))
	return nil
}

// RunImporterPass processes one pending committed container: reads its
// item directory and unpins every non-deleted indexed item so it becomes
// eligible for write-back (spec.md §4.3, "Container tracker").
func (idx *Index) RunImporterPass(ctx context.Context) error {
	id, ok := idx.tracker.GetNextProcessingContainer()
	if !ok {
		return nil
	}

	c, err := idx.reader.ReadContainerWithCache(ctx, id)
	if err != nil {
		if errors.Is(err, container.ErrContainerWillNeverCommit) {
			idx.tracker.ProcessedContainer(id)
			return nil
		}
		idx.tracker.AbortProcessingContainer(id)
		return err
	}

	for _, item := range c.Items() {
		if item.IsDeleted || !item.IsIndexed {
			continue
		}
		idx.ChangePinningState(item.Key, false)
	}

	if idx.gcHook != nil && c.NonDeletedCount() < c.ItemCount() {
		idx.gcHook(id)
	}

	idx.tracker.ProcessedContainer(id)
	return nil
}

// Replay applies one oplog.Event to the chunk index's tracker and cache
// state (spec.md §4.1, §4.3, §4.5).
func (idx *Index) Replay(ctx context.Context, ev oplog.Event) error {
	switch ev.Type {
	case oplog.EventContainerCommitted:
		p := ev.Payload.(oplog.ContainerCommittedPayload)
		idx.tracker.ShouldProcess(p.ContainerID)

	case oplog.EventContainerCommitFailed:
		// Any entries pinned against this container are simply left
		// pinned; EnsurePersistent will keep refusing to flush them and
		// the fingerprint becomes unreachable once the block mapping
		// that referenced it is marked failed.

	case oplog.EventBlockMappingWritten:
		p := ev.Payload.(oplog.BlockMappingWrittenPayload)
		idx.applyUsageDeltas(ctx, p.Pair.Previous.Items, -1, ev.LogID)
		idx.applyUsageDeltas(ctx, p.Pair.Updated.Items, +1, ev.LogID)

	case oplog.EventBlockMappingDeleted:
		p := ev.Payload.(oplog.BlockMappingDeletedPayload)
		idx.applyUsageDeltas(ctx, p.Original.Items, -1, ev.LogID)

	case oplog.EventReplayStopped:
		p := ev.Payload.(oplog.ReplayStoppedPayload)
		if p.ReplayType == oplog.DirtyStart {
			stale := idx.cache.allStillPinned()
			if len(stale) > 0 {
				logger.WarnCtx(ctx, "chunk index: dropping entries left pinned after dirty-start replay", "count", len(stale))
				for _, f := range stale {
					idx.cache.delete(f)
				}
			}
		}
	}
	return nil
}

// applyUsageDeltas adjusts every referenced fingerprint's usage count by
// delta, attributed to the driving event's log id (spec.md §3, "Chunk
// Mapping", usage_count lifecycle). Fingerprints that resolve nowhere
// (e.g. sampled out by the configured SamplingStrategy) are skipped.
func (idx *Index) applyUsageDeltas(ctx context.Context, items []oplog.BlockMappingItemData, delta int32, logID uint64) {
	for _, it := range items {
		if fp.IsEmpty(it.Fingerprint) {
			continue
		}
		idx.adjustUsage(ctx, it.Fingerprint, delta, logID)
	}
}

func (idx *Index) adjustUsage(ctx context.Context, f fp.Fingerprint, delta int32, logID uint64) {
	if e, ok := idx.cache.get(f); ok {
		m := e.mapping
		if !m.ApplyUsageDelta(delta, logID) {
			return
		}
		idx.cache.put(m, true, e.pinned)
		return
	}

	m, ok, err := idx.persist.get(f)
	if err != nil || !ok {
		return
	}
	if !m.ApplyUsageDelta(delta, logID) {
		return
	}
	if err := idx.persist.put(m); err != nil {
		logger.ErrorCtx(ctx, "chunk index: usage-count update failed", "fingerprint", f.String(), "error", err)
	}
}

// Close releases the persistent index's file handles.
func (idx *Index) Close() error {
	return idx.persist.close()
}
