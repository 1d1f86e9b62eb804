package container

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// CommitState tracks where a container id is in its lifecycle, the
// per-id state spec.md §4.2 needs for LookupContainerAddressWait to know
// whether a reader must block.
type CommitState uint8

const (
	// StateUnknown means the id has never been seen.
	StateUnknown CommitState = iota
	// StateOpen means the container is in the write cache, not yet
	// committed.
	StateOpen
	// StateCommitted means the container has a durable, readable address.
	StateCommitted
	// StateFailed means the container could not be written; readers must
	// treat every item in it as unavailable.
	StateFailed
	// StateWillNeverCommit marks a pre-crash open id that DirtyStart
	// replay determined can never produce a ContainerCommitted event
	// (spec.md §4.2, "IsCommitted returns WillNeverCommit").
	StateWillNeverCommit
)

var metaIndexPrefix = []byte("container-addr:")

func metaIndexKey(id uint64) []byte {
	key := make([]byte, len(metaIndexPrefix)+8)
	copy(key, metaIndexPrefix)
	binary.BigEndian.PutUint64(key[len(metaIndexPrefix):], id)
	return key
}

// encodeAddress packs an Address into its fixed 29-byte record: a flag
// byte, FileIndex (4), FileOffset (8), PrimaryID (8), LogID (8).
func encodeAddress(a Address) []byte {
	buf := make([]byte, 29)
	if a.IsRedirect {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], a.FileIndex)
	binary.LittleEndian.PutUint64(buf[5:13], a.FileOffset)
	binary.LittleEndian.PutUint64(buf[13:21], a.PrimaryID)
	binary.LittleEndian.PutUint64(buf[21:29], a.LogID)
	return buf
}

func decodeAddress(b []byte) (Address, error) {
	if len(b) < 29 {
		return Address{}, fmt.Errorf("container: malformed address record (%d bytes)", len(b))
	}
	a := Address{
		IsRedirect: b[0] == 1,
		FileIndex:  binary.LittleEndian.Uint32(b[1:5]),
		FileOffset: binary.LittleEndian.Uint64(b[5:13]),
		PrimaryID:  binary.LittleEndian.Uint64(b[13:21]),
		LogID:      binary.LittleEndian.Uint64(b[21:29]),
	}
	return a, nil
}

// MetaIndex is the persistent container_id -> Address map plus the small
// in-memory commit-state cache described in spec.md §4.2 ("maintain the
// meta_data_index ... with a separate small commit-state cache"). It
// follows the teacher's pkg/metadata/badger transaction pattern.
type MetaIndex struct {
	db *badger.DB

	mu      sync.Mutex
	state   map[uint64]CommitState
	waiters map[uint64][]chan struct{}
}

// OpenMetaIndex opens (or creates) the badger store at dir.
func OpenMetaIndex(dir string) (*MetaIndex, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("container: open meta index: %w", err)
	}
	return &MetaIndex{
		db:      db,
		state:   make(map[uint64]CommitState),
		waiters: make(map[uint64][]chan struct{}),
	}, nil
}

func (m *MetaIndex) Close() error { return m.db.Close() }

// Put persists the address for id. It does not change id's in-memory
// commit state.
func (m *MetaIndex) Put(id uint64, addr Address) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaIndexKey(id), encodeAddress(addr))
	})
	if err != nil {
		return fmt.Errorf("container: put address %d: %w", id, err)
	}
	return nil
}

// Get resolves id to its stored address, following exactly one
// redirection hop if the entry is a Redirect (spec.md §3, "Container
// Address" invariant).
func (m *MetaIndex) Get(id uint64) (Address, bool, error) {
	addr, ok, err := m.getRaw(id)
	if err != nil || !ok {
		return Address{}, ok, err
	}
	if addr.IsRedirect {
		return m.getRaw(addr.PrimaryID)
	}
	return addr, true, nil
}

func (m *MetaIndex) getRaw(id uint64) (Address, bool, error) {
	var addr Address
	found := false
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaIndexKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			a, err := decodeAddress(val)
			if err != nil {
				return err
			}
			addr = a
			found = true
			return nil
		})
	})
	if err != nil {
		return Address{}, false, fmt.Errorf("container: get address %d: %w", id, err)
	}
	return addr, found, nil
}

// Delete removes the address entry for id, used after a merge/delete
// log-ack frees the id.
func (m *MetaIndex) Delete(id uint64) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaIndexKey(id))
	})
}

// SetState transitions id's commit state and wakes any goroutine blocked
// in WaitCommitted on it.
func (m *MetaIndex) SetState(id uint64, s CommitState) {
	m.mu.Lock()
	m.state[id] = s
	waiters := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// State returns id's current in-memory commit state.
func (m *MetaIndex) State(id uint64) CommitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[id]
}

// IDsInState returns every id currently tracked in the in-memory state
// map with the given state, used by DirtyStart recovery to find
// pre-crash opens that replay never resolved.
func (m *MetaIndex) IDsInState(s CommitState) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint64
	for id, cur := range m.state {
		if cur == s {
			ids = append(ids, id)
		}
	}
	return ids
}

// ForEachID walks every container id with a persisted address record,
// invoking fn with the id. Used by the offline chunk-index restorer,
// which rebuilds the chunk index from committed containers without a
// running engine (spec.md §8 S6).
func (m *MetaIndex) ForEachID(fn func(id uint64) error) error {
	return m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefixLen := len(metaIndexPrefix)
		for it.Seek(metaIndexPrefix); it.ValidForPrefix(metaIndexPrefix); it.Next() {
			key := it.Item().Key()
			if len(key) != prefixLen+8 {
				continue
			}
			id := binary.BigEndian.Uint64(key[prefixLen:])
			if err := fn(id); err != nil {
				return err
			}
		}
		return nil
	})
}

// WaitCommitted blocks until id's state is Committed, Failed, or
// WillNeverCommit, or until ctx is done (spec.md §6, "Waits exist for ...
// container-id commit state during LookupContainerAddressWait").
func (m *MetaIndex) WaitCommitted(ctx context.Context, id uint64) (CommitState, error) {
	for {
		m.mu.Lock()
		s := m.state[id]
		if s == StateCommitted || s == StateFailed || s == StateWillNeverCommit {
			m.mu.Unlock()
			return s, nil
		}
		ch := make(chan struct{})
		m.waiters[id] = append(m.waiters[id], ch)
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}
