package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dedupcore/engine/internal/logger"
	"github.com/dedupcore/engine/pkg/fp"
	"github.com/dedupcore/engine/pkg/lockstripe"
	"github.com/dedupcore/engine/pkg/oplog"
)

// Sentinel errors surfaced by LookupContainerAddressWait and the read
// path (spec.md §7 error taxonomy).
var (
	ErrContainerFailed          = errors.New("container: commit failed")
	ErrContainerWillNeverCommit = errors.New("container: will never commit")
	ErrAddressNotFound          = errors.New("container: address not found")
)

// IDPersister durably tracks the monotonically increasing
// last_given_container_id (spec.md §4.2). Engine wiring supplies an
// infostore-backed implementation; tests may use the in-memory default.
type IDPersister interface {
	LastGivenContainerID() (uint64, error)
	SetLastGivenContainerID(uint64) error
}

// memIDPersister is the zero-dependency default, used when the caller has
// no durable info store yet (e.g. unit tests).
type memIDPersister struct {
	mu   sync.Mutex
	last uint64
}

func (m *memIDPersister) LastGivenContainerID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *memIDPersister) SetLastGivenContainerID(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = id
	return nil
}

// MergeHook lets the chunk index and GC observe freed addresses after a
// successful merge, mirroring spec.md §4.2's "invokes allocator.OnMerge
// and gc.OnMerge to free the two old addresses".
type MergeHook interface {
	OnMerge(oldPrimaryID, oldSecondaryID uint64)
}

// Config configures a Storage instance.
type Config struct {
	Dir              string
	MetaIndexDir     string
	ContainerSize    uint64
	MaxFileSize      uint64
	WriteCacheWidth  int
	WriteCacheTTL    time.Duration
	ReadCacheSize    int
	CommitThreshold  float64 // fraction of capacity considered "full enough to commit"
	IDPersister      IDPersister
}

// Storage is the Container Storage component of spec.md §4.2: it
// allocates container ids, owns the write cache, flushes containers
// through a committer, and maintains the meta-data index with its
// commit-state cache. It registers itself as an oplog.Consumer so every
// state transition — Direct, DirtyStart, or Background — flows through
// the single Replay method below.
type Storage struct {
	cfg Config

	ol    *oplog.OpLog
	locks *lockstripe.Stripes
	meta  *MetaIndex
	alloc *Allocator
	files *FileSet
	read  *ReadCache
	write *WriteCache

	idPersister IDPersister
	nextID      atomic.Uint64

	inFlightMu sync.Mutex
	inFlight   map[uint64]struct{} // ids currently being written by the committer

	moveMu    sync.Mutex
	inMoveSet map[uint64]struct{} // ids currently being merged or deleted (spec.md §5, "in_move_set")

	mergeHooks []MergeHook
}

// NewStorage wires a Storage instance and registers it with ol.
func NewStorage(cfg Config, ol *oplog.OpLog) (*Storage, error) {
	meta, err := OpenMetaIndex(cfg.MetaIndexDir)
	if err != nil {
		return nil, err
	}
	if cfg.CommitThreshold == 0 {
		cfg.CommitThreshold = 0.9
	}
	if cfg.WriteCacheTTL == 0 {
		cfg.WriteCacheTTL = 30 * time.Second
	}

	idp := cfg.IDPersister
	if idp == nil {
		idp = &memIDPersister{}
	}

	s := &Storage{
		cfg:         cfg,
		ol:          ol,
		locks:       lockstripe.New(256),
		meta:        meta,
		alloc:       NewAllocator(cfg.ContainerSize, cfg.MaxFileSize),
		files:       NewFileSet(cfg.Dir, cfg.ContainerSize),
		read:        NewReadCache(cfg.ReadCacheSize),
		write:       NewWriteCache(cfg.WriteCacheWidth, cfg.WriteCacheTTL),
		idPersister: idp,
		inFlight:    make(map[uint64]struct{}),
		inMoveSet:   make(map[uint64]struct{}),
	}

	last, err := idp.LastGivenContainerID()
	if err != nil {
		return nil, err
	}
	s.nextID.Store(last + 1)

	ol.Register(s)
	return s, nil
}

// Name identifies this consumer to the OpLog.
func (s *Storage) Name() string { return "container-storage" }

// AddMergeHook registers a component (chunk index, GC) to be notified
// when a merge frees old addresses.
func (s *Storage) AddMergeHook(h MergeHook) {
	s.mergeHooks = append(s.mergeHooks, h)
}

func (s *Storage) isInFlight(id uint64) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

func (s *Storage) setInFlight(id uint64, v bool) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if v {
		s.inFlight[id] = struct{}{}
	} else {
		delete(s.inFlight, id)
	}
}

// tryClaimMoveSet atomically adds every id in ids to the in_move_set if
// none of them are already claimed, reporting ok=false otherwise (spec.md
// §5, "Small mutex for the in_move_set"). It guards against a container
// being picked for two concurrent merges/deletes before the striped
// container locks are even attempted.
func (s *Storage) tryClaimMoveSet(ids ...uint64) (unclaim func(), ok bool) {
	s.moveMu.Lock()
	defer s.moveMu.Unlock()

	for _, id := range ids {
		if _, busy := s.inMoveSet[id]; busy {
			return nil, false
		}
	}
	for _, id := range ids {
		s.inMoveSet[id] = struct{}{}
	}
	return func() {
		s.moveMu.Lock()
		defer s.moveMu.Unlock()
		for _, id := range ids {
			delete(s.inMoveSet, id)
		}
	}, true
}

// isPrimary reports whether id currently resolves directly to an address
// rather than through a redirect, i.e. it has not already been folded
// into another container by a prior merge.
func (s *Storage) isPrimary(id uint64) (bool, error) {
	addr, ok, err := s.meta.getRaw(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return !addr.IsRedirect, nil
}

// readContainerFresh reads id's container straight from the file set,
// bypassing the read cache, so callers that must act on the durable
// on-disk state (e.g. a merge reading both inputs) never work from a
// cached copy left over from before a previous merge attempt.
func (s *Storage) readContainerFresh(ctx context.Context, id uint64) (*Container, error) {
	addr, err := s.LookupContainerAddressWait(ctx, id)
	if err != nil {
		return nil, err
	}
	buf, err := s.files.ReadAt(addr.FileIndex, addr.FileOffset, int(s.cfg.ContainerSize))
	if err != nil {
		return nil, fmt.Errorf("container: read %d: %w", id, err)
	}
	c, err := Deserialize(buf, s.cfg.ContainerSize)
	if err != nil {
		return nil, fmt.Errorf("container: deserialize %d: %w", id, err)
	}
	return c, nil
}

// GetNewContainerID reserves a new container id, opens a write-cache
// slot for it, and emits ContainerOpened (spec.md §4.2, "Allocation").
func (s *Storage) GetNewContainerID(ctx context.Context) (uint64, *Container, error) {
	id := s.nextID.Add(1) - 1
	if err := s.idPersister.SetLastGivenContainerID(id); err != nil {
		return 0, nil, fmt.Errorf("container: persist last id: %w", err)
	}

	fileIndex, offset := s.alloc.Allocate()
	c := New(id, s.cfg.ContainerSize)
	s.write.Open(id, c, fileIndex, offset)

	addr := NewPrimaryAddress(fileIndex, offset, 0)
	if _, err := s.ol.CommitEvent(ctx, oplog.EventContainerOpened, oplog.ContainerOpenedPayload{
		ContainerID: id,
		Address:     addr.ToWire(),
	}); err != nil {
		return 0, nil, err
	}

	return id, c, nil
}

// CommitContainer serializes and writes the write-cache container id,
// emitting ContainerCommitted on success or ContainerCommitFailed on
// failure (spec.md §4.2, "Commit protocol"). It is called either
// directly by a caller that just filled a container, or by the
// background committer for full/expired containers.
func (s *Storage) CommitContainer(ctx context.Context, id uint64) error {
	c, ok := s.write.Get(id)
	if !ok {
		return fmt.Errorf("container: %d is not in the write cache", id)
	}

	c.Lock()
	keys := make([]fp.Fingerprint, 0, len(c.items))
	for _, it := range c.items {
		keys = append(keys, it.Key)
	}
	itemCount := uint32(c.ItemCount())
	activeSize := c.ActiveDataSize
	buf, serErr := c.Serialize()
	c.Unlock()

	fileIndex, offset, _ := s.write.Remove(id)
	s.setInFlight(id, true)
	defer s.setInFlight(id, false)

	if serErr != nil {
		_, _ = s.ol.CommitEvent(ctx, oplog.EventContainerCommitFailed, oplog.ContainerCommitFailedPayload{
			ContainerID: id,
			ItemKeys:    keys,
		})
		return serErr
	}

	if err := s.files.WriteAt(fileIndex, offset, buf); err != nil {
		logger.ErrorCtx(ctx, "container: write failed", "container_id", id, "error", err)
		_, _ = s.ol.CommitEvent(ctx, oplog.EventContainerCommitFailed, oplog.ContainerCommitFailedPayload{
			ContainerID: id,
			ItemKeys:    keys,
		})
		return err
	}

	addr := NewPrimaryAddress(fileIndex, offset, 0)
	if _, err := s.ol.CommitEvent(ctx, oplog.EventContainerCommitted, oplog.ContainerCommittedPayload{
		ContainerID:    id,
		Address:        addr.ToWire(),
		ItemCount:      itemCount,
		ActiveDataSize: activeSize,
	}); err != nil {
		return err
	}

	s.read.Insert(id, c)
	return nil
}

// RunCommitterPass commits every write-cache container that is either
// past the commit-fullness threshold or has exceeded its open timeout
// (spec.md §6, "Cancellation/timeouts"). It is the background committer
// thread pool's unit of work, driven by engine's scheduler.
func (s *Storage) RunCommitterPass(ctx context.Context) error {
	candidates := map[uint64]struct{}{}
	for _, id := range s.write.Expired() {
		candidates[id] = struct{}{}
	}

	s.write.mu.Lock()
	for id, slot := range s.write.slots {
		slot.c.Lock()
		full := float64(slot.c.UsedBytes())/float64(s.cfg.ContainerSize) >= s.cfg.CommitThreshold
		slot.c.Unlock()
		if full {
			candidates[id] = struct{}{}
		}
	}
	s.write.mu.Unlock()

	for id := range candidates {
		if err := s.CommitContainer(ctx, id); err != nil {
			logger.ErrorCtx(ctx, "container: committer pass failed", "container_id", id, "error", err)
		}
	}
	return nil
}

// LookupContainerAddressWait resolves id to its durable address,
// following one redirection hop and blocking while the container is
// still open in the write cache or actively being committed (spec.md
// §4.2, "Read path").
func (s *Storage) LookupContainerAddressWait(ctx context.Context, id uint64) (Address, error) {
	for {
		if s.write.IsOpen(id) || s.isInFlight(id) {
			state, err := s.meta.WaitCommitted(ctx, id)
			if err != nil {
				return Address{}, err
			}
			switch state {
			case StateFailed:
				return Address{}, ErrContainerFailed
			case StateWillNeverCommit:
				return Address{}, ErrContainerWillNeverCommit
			}
			continue
		}

		addr, ok, err := s.meta.Get(id)
		if err != nil {
			return Address{}, err
		}
		if !ok {
			if s.meta.State(id) == StateWillNeverCommit {
				return Address{}, ErrContainerWillNeverCommit
			}
			return Address{}, ErrAddressNotFound
		}
		return addr, nil
	}
}

// ReadContainerWithCache returns the deserialized container for id,
// serving from the read cache when possible (spec.md §4.2, "Read path").
func (s *Storage) ReadContainerWithCache(ctx context.Context, id uint64) (*Container, error) {
	if c, unlock, ok := s.read.Get(id); ok {
		unlock()
		return c, nil
	}

	addr, err := s.LookupContainerAddressWait(ctx, id)
	if err != nil {
		return nil, err
	}

	buf, err := s.files.ReadAt(addr.FileIndex, addr.FileOffset, int(s.cfg.ContainerSize))
	if err != nil {
		return nil, fmt.Errorf("container: read %d: %w", id, err)
	}
	c, err := Deserialize(buf, s.cfg.ContainerSize)
	if err != nil {
		return nil, fmt.Errorf("container: deserialize %d: %w", id, err)
	}

	s.read.Insert(id, c)
	return c, nil
}

// TryMergeContainer attempts to merge the two named containers into one,
// per spec.md §4.2 ("Merge"). It first claims both ids in the in_move_set
// (spec.md §5) so a concurrent merge/delete attempt on either id aborts
// immediately instead of racing to acquire the container locks, then
// acquires both container locks in ascending id order via
// lockstripe.Sorted to satisfy the documented lock-ordering discipline.
// It verifies both ids are still primary (not already folded into
// another container by a previous merge) and reads both containers fresh
// from disk rather than the read cache, since a stale cached copy could
// predate a previous, now-committed merge. It is non-blocking throughout:
// if any of these checks or locks fail it returns aborted=true without
// error so the caller (GC) can retry later.
func (s *Storage) TryMergeContainer(ctx context.Context, idA, idB uint64) (merged, aborted bool, err error) {
	if idA == idB {
		return false, false, errors.New("container: cannot merge a container with itself")
	}

	ordered := []uint64{idA, idB}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	unclaim, ok := s.tryClaimMoveSet(ordered...)
	if !ok {
		return false, true, nil
	}
	defer unclaim()

	unlock, ok := s.locks.TrySorted(ordered...)
	if !ok {
		return false, true, nil
	}
	defer unlock()

	primaryA, err := s.isPrimary(idA)
	if err != nil {
		return false, false, err
	}
	primaryB, err := s.isPrimary(idB)
	if err != nil {
		return false, false, err
	}
	if !primaryA || !primaryB {
		return false, true, nil
	}

	cA, err := s.readContainerFresh(ctx, idA)
	if err != nil {
		return false, false, err
	}
	cB, err := s.readContainerFresh(ctx, idB)
	if err != nil {
		return false, false, err
	}

	addrA, _, err := s.meta.Get(idA)
	if err != nil {
		return false, false, err
	}
	addrB, _, err := s.meta.Get(idB)
	if err != nil {
		return false, false, err
	}

	// spec.md §4.2 "Merge": the new primary id is the larger of the two
	// inputs' primary ids, giving a deterministic winner the ordering
	// guarantee in §5 relies on.
	newPrimaryID := ordered[1]
	merged1 := New(newPrimaryID, s.cfg.ContainerSize)

	allOldIDs := map[uint64]struct{}{idA: {}, idB: {}}
	for sid := range cA.SecondaryIDs {
		allOldIDs[sid] = struct{}{}
	}
	for sid := range cB.SecondaryIDs {
		allOldIDs[sid] = struct{}{}
	}

	for _, src := range []*Container{cA, cB} {
		for _, it := range src.Items() {
			if it.IsDeleted {
				continue
			}
			if putErr := merged1.Put(it.Key, it.Payload, it.OriginalID, it.IsIndexed); putErr != nil {
				return false, true, nil
			}
		}
	}

	newSecondaryIDs := make([]uint64, 0, len(allOldIDs)-1)
	for id := range allOldIDs {
		if id != newPrimaryID {
			merged1.SecondaryIDs[id] = struct{}{}
			newSecondaryIDs = append(newSecondaryIDs, id)
		}
	}

	buf, err := merged1.Serialize()
	if err != nil {
		return false, true, nil
	}

	fileIndex, offset := s.alloc.Allocate()
	if err := s.files.WriteAt(fileIndex, offset, buf); err != nil {
		return false, false, err
	}
	newAddr := NewPrimaryAddress(fileIndex, offset, 0)

	firstSecondary := make([]uint64, 0, len(cA.SecondaryIDs))
	for id := range cA.SecondaryIDs {
		firstSecondary = append(firstSecondary, id)
	}
	secondSecondary := make([]uint64, 0, len(cB.SecondaryIDs))
	for id := range cB.SecondaryIDs {
		secondSecondary = append(secondSecondary, id)
	}

	if _, err := s.ol.CommitEvent(ctx, oplog.EventContainerMerged, oplog.ContainerMergedPayload{
		FirstID:            idA,
		SecondID:           idB,
		FirstSecondaryIDs:  firstSecondary,
		SecondSecondaryIDs: secondSecondary,
		NewPrimaryID:       newPrimaryID,
		NewSecondaryIDs:    newSecondaryIDs,
		NewAddress:         newAddr.ToWire(),
		NewItemCount:       uint32(merged1.ItemCount()),
		NewActiveDataSize:  merged1.ActiveDataSize,
	}); err != nil {
		return false, false, err
	}

	if err := s.alloc.OnMerge(addrA, addrB); err != nil {
		return false, false, err
	}
	for _, h := range s.mergeHooks {
		h.OnMerge(idA, idB)
	}

	s.read.Insert(newPrimaryID, merged1)
	if idA != newPrimaryID {
		s.read.Invalidate(idA)
	}
	if idB != newPrimaryID {
		s.read.Invalidate(idB)
	}

	return true, false, nil
}

// TryDeleteContainer removes a container that has no non-deleted items
// left, per spec.md §4.2 ("Delete") and invariant 7 ("Deletion safety").
func (s *Storage) TryDeleteContainer(ctx context.Context, id uint64) (deleted, aborted bool, err error) {
	unlock, ok := s.locks.TryLockWithUnlock(id)
	if !ok {
		return false, true, nil
	}
	defer unlock()

	c, err := s.ReadContainerWithCache(ctx, id)
	if err != nil {
		return false, false, err
	}
	if c.NonDeletedCount() != 0 {
		return false, false, nil
	}

	addr, _, err := s.meta.Get(id)
	if err != nil {
		return false, false, err
	}

	secondaryIDs := make([]uint64, 0, len(c.SecondaryIDs))
	for sid := range c.SecondaryIDs {
		secondaryIDs = append(secondaryIDs, sid)
	}

	if _, err := s.ol.CommitEvent(ctx, oplog.EventContainerDeleted, oplog.ContainerDeletedPayload{
		ContainerID:           id,
		SecondaryContainerIDs: secondaryIDs,
		Address:               addr.ToWire(),
	}); err != nil {
		return false, false, err
	}

	s.read.Invalidate(id)
	return true, false, nil
}

// Replay applies one oplog.Event to the storage's durable and in-memory
// state. It is the single place where Direct, DirtyStart, and Background
// replay converge, per spec.md §4.1's consumer contract.
func (s *Storage) Replay(ctx context.Context, ev oplog.Event) error {
	switch ev.Type {
	case oplog.EventContainerOpened:
		p := ev.Payload.(oplog.ContainerOpenedPayload)
		addr := AddressFromWire(p.Address)
		addr.LogID = ev.LogID
		if err := s.meta.Put(p.ContainerID, addr); err != nil {
			return err
		}
		s.meta.SetState(p.ContainerID, StateOpen)
		if ev.Ctx.Mode == oplog.DirtyStart {
			// A pre-crash open with no matching Committed/CommitFailed
			// record later in the log will remain StateOpen after the
			// full pass; the caller marks those WillNeverCommit once
			// DirtyStart finishes (see MarkUnresolvedAsWillNeverCommit).
		}

	case oplog.EventContainerCommitted:
		p := ev.Payload.(oplog.ContainerCommittedPayload)
		addr := AddressFromWire(p.Address)
		addr.LogID = ev.LogID
		if err := s.meta.Put(p.ContainerID, addr); err != nil {
			return err
		}
		s.meta.SetState(p.ContainerID, StateCommitted)

	case oplog.EventContainerCommitFailed:
		p := ev.Payload.(oplog.ContainerCommitFailedPayload)
		s.meta.SetState(p.ContainerID, StateFailed)

	case oplog.EventContainerMoved:
		p := ev.Payload.(oplog.ContainerMovedPayload)
		addr := AddressFromWire(p.NewAddress)
		addr.LogID = ev.LogID
		if err := s.meta.Put(p.ContainerID, addr); err != nil {
			return err
		}

	case oplog.EventContainerMerged:
		p := ev.Payload.(oplog.ContainerMergedPayload)
		newAddr := AddressFromWire(p.NewAddress)
		newAddr.LogID = ev.LogID
		if err := s.meta.Put(p.NewPrimaryID, newAddr); err != nil {
			return err
		}
		s.meta.SetState(p.NewPrimaryID, StateCommitted)
		for _, sid := range p.NewSecondaryIDs {
			if sid == p.NewPrimaryID {
				continue
			}
			if err := s.meta.Put(sid, NewRedirectAddress(p.NewPrimaryID, ev.LogID)); err != nil {
				return err
			}
			s.meta.SetState(sid, StateCommitted)
			s.read.Invalidate(sid)
		}
		for _, uid := range p.UnusedIDs {
			if err := s.meta.Delete(uid); err != nil {
				return err
			}
			s.read.Invalidate(uid)
		}

	case oplog.EventContainerDeleted:
		p := ev.Payload.(oplog.ContainerDeletedPayload)
		if err := s.meta.Delete(p.ContainerID); err != nil {
			return err
		}
		for _, sid := range p.SecondaryContainerIDs {
			if err := s.meta.Delete(sid); err != nil {
				return err
			}
		}
		if !p.Address.IsRedirect {
			if err := s.alloc.Free(p.Address.FileIndex, p.Address.FileOffset); err != nil {
				return err
			}
		}
		s.read.Invalidate(p.ContainerID)
	}

	return nil
}

// MarkUnresolvedAsWillNeverCommit transitions every container id that
// DirtyStart replay left in StateOpen to StateWillNeverCommit: these
// were opened before the crash but never reached a Committed or
// CommitFailed record (spec.md §4.2, "On error or never-committable id
// (pre-crash opens), IsCommitted returns WillNeverCommit").
func (s *Storage) MarkUnresolvedAsWillNeverCommit(ids []uint64) {
	for _, id := range ids {
		if s.meta.State(id) == StateOpen {
			s.meta.SetState(id, StateWillNeverCommit)
		}
	}
}

// OpenContainerIDs returns every container id DirtyStart replay left in
// StateOpen, the input MarkUnresolvedAsWillNeverCommit expects.
func (s *Storage) OpenContainerIDs() []uint64 {
	return s.meta.IDsInState(StateOpen)
}

// ForEachContainerID walks every container id with a persisted address
// record, invoking fn with the id. Used by offline tools that inspect
// committed containers without starting the engine.
func (s *Storage) ForEachContainerID(fn func(id uint64) error) error {
	return s.meta.ForEachID(fn)
}

// CommitState reports id's current in-memory commit state, the
// BlockMappingStorageCheck primitive the block index uses during replay
// to decide whether a referenced container can still commit (spec.md
// §4.4, "Log replay, background mode").
func (s *Storage) CommitState(id uint64) CommitState {
	return s.meta.State(id)
}

// Close releases the storage's file handles and persistent index.
func (s *Storage) Close() error {
	if err := s.files.Close(); err != nil {
		return err
	}
	return s.meta.Close()
}
