package blockindex

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var failedWritesPrefix = []byte("failed:")

func blockKey(blockID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, blockID)
	return buf
}

func failedKey(blockID uint64) []byte {
	key := make([]byte, len(failedWritesPrefix)+8)
	copy(key, failedWritesPrefix)
	binary.BigEndian.PutUint64(key[len(failedWritesPrefix):], blockID)
	return key
}

// persistentIndex is the durable block_id -> Mapping store, plus a small
// failed-writes side index recording (block_id, version) pairs that were
// rolled back (spec.md §4.4, "a small persistent 'failed writes'
// index").
type persistentIndex struct {
	db *badger.DB
}

func openPersistentIndex(dir string) (*persistentIndex, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("blockindex: open persistent index: %w", err)
	}
	return &persistentIndex{db: db}, nil
}

func (p *persistentIndex) close() error { return p.db.Close() }

func encodeMappingGob(m Mapping) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMappingGob(b []byte) (Mapping, error) {
	var m Mapping
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

func (p *persistentIndex) get(blockID uint64) (Mapping, bool, error) {
	var m Mapping
	found := false
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(blockID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeMappingGob(val)
			if err != nil {
				return err
			}
			m = decoded
			found = true
			return nil
		})
	})
	if err != nil {
		return Mapping{}, false, err
	}
	return m, found, nil
}

// put installs m only if no existing entry has a version >= m.Version,
// enforcing the version-ordering invariant from spec.md §4.4 ("only
// install when persistent.version < auxiliary.version").
func (p *persistentIndex) put(m Mapping) error {
	encoded, err := encodeMappingGob(m)
	if err != nil {
		return err
	}
	return p.db.Update(func(txn *badger.Txn) error {
		existing, err := txn.Get(blockKey(m.BlockID))
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == nil {
			var cur Mapping
			verr := existing.Value(func(val []byte) error {
				decoded, derr := decodeMappingGob(val)
				if derr != nil {
					return derr
				}
				cur = decoded
				return nil
			})
			if verr != nil {
				return verr
			}
			if cur.Version >= m.Version {
				return nil
			}
		}
		return txn.Set(blockKey(m.BlockID), encoded)
	})
}

func (p *persistentIndex) delete(blockID uint64) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blockKey(blockID))
	})
}

// itemCount returns the number of block mappings in the persistent
// index, distinguishing them from failed-writes records by key length
// (block keys are 8 bytes; failed-writes keys carry the "failed:"
// prefix).
func (p *persistentIndex) itemCount() (int, error) {
	count := 0
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if len(it.Item().Key()) == 8 {
				count++
			}
		}
		return nil
	})
	return count, err
}

// forEach walks every block mapping in the persistent index (skipping
// failed-writes records), decoding each and invoking fn. Stops and
// returns fn's error on the first failure.
func (p *persistentIndex) forEach(fn func(Mapping) error) error {
	return p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if len(item.Key()) != 8 {
				continue
			}
			var m Mapping
			if err := item.Value(func(val []byte) error {
				decoded, err := decodeMappingGob(val)
				if err != nil {
					return err
				}
				m = decoded
				return nil
			}); err != nil {
				return err
			}
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *persistentIndex) recordFailedWrite(blockID, version uint64) error {
	key := binary.BigEndian.AppendUint64(failedKey(blockID), version)
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte{})
	})
}
