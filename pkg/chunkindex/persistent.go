package chunkindex

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/dedupcore/engine/pkg/fp"
)

// persistentIndex is the durable fingerprint -> Mapping store, grounded
// on the teacher's pkg/metadata/badger transaction pattern.
type persistentIndex struct {
	db *badger.DB
}

func openPersistentIndex(dir string) (*persistentIndex, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("chunkindex: open persistent index: %w", err)
	}
	return &persistentIndex{db: db}, nil
}

func (p *persistentIndex) close() error { return p.db.Close() }

func encodeMapping(m Mapping) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], m.ContainerID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.UsageCount))
	binary.LittleEndian.PutUint64(buf[12:20], m.UsageCountChangeLogID)
	return buf
}

func decodeMapping(key fp.Fingerprint, b []byte) (Mapping, error) {
	if len(b) < 20 {
		return Mapping{}, fmt.Errorf("chunkindex: malformed mapping record")
	}
	return Mapping{
		Fingerprint:           key,
		ContainerID:           binary.LittleEndian.Uint64(b[0:8]),
		UsageCount:            int32(binary.LittleEndian.Uint32(b[8:12])),
		UsageCountChangeLogID: binary.LittleEndian.Uint64(b[12:20]),
	}, nil
}

func (p *persistentIndex) get(key fp.Fingerprint) (Mapping, bool, error) {
	var m Mapping
	found := false
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeMapping(key, val)
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

func (p *persistentIndex) put(m Mapping) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(m.Fingerprint, encodeMapping(m))
	})
}

func (p *persistentIndex) delete(key fp.Fingerprint) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// forEach walks every key in the persistent index, decoding each value
// and invoking fn. Stops and returns fn's error on the first failure.
func (p *persistentIndex) forEach(fn func(Mapping) error) error {
	return p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := fp.Fingerprint(append([]byte(nil), item.Key()...))
			var m Mapping
			if err := item.Value(func(val []byte) error {
				decoded, err := decodeMapping(key, val)
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

// estimatedCount returns the exact number of keys in the persistent
// index, counted by a full key-only scan on every call.
func (p *persistentIndex) estimatedCount() (int, error) {
	count := 0
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
