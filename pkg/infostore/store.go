// Package infostore is a small persistent typed key/value store for the
// engine's header-level bookkeeping: the container storage's
// last_given_container_id and per-file metadata, the has_superblock
// flag, and stats snapshots for the CLI tools. It follows the teacher's
// pkg/metadata/badger transaction pattern, generalized to a handful of
// named records instead of filesystem metadata.
package infostore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	keyLastGivenContainerID = []byte("last_given_container_id")
	keyContainerSize        = []byte("container_size")
	keyHasSuperblock        = []byte("has_superblock")
	keySuperblockUUID       = []byte("superblock_uuid")
	keyCleanShutdown        = []byte("clean_shutdown")
)

// Store is the info store.
type Store struct {
	db *badger.DB
}

// Open opens or creates the info store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("infostore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) getUint64(key []byte) (uint64, bool, error) {
	var v uint64
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) < 8 {
				return fmt.Errorf("infostore: malformed uint64 record for %q", key)
			}
			v = binary.LittleEndian.Uint64(val)
			found = true
			return nil
		})
	})
	return v, found, err
}

func (s *Store) setUint64(key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

func (s *Store) getBool(key []byte) (bool, error) {
	v, found, err := s.getUint64(key)
	if err != nil {
		return false, err
	}
	return found && v != 0, nil
}

func (s *Store) setBool(key []byte, v bool) error {
	var n uint64
	if v {
		n = 1
	}
	return s.setUint64(key, n)
}

// LastGivenContainerID implements container.IDPersister.
func (s *Store) LastGivenContainerID() (uint64, error) {
	v, _, err := s.getUint64(keyLastGivenContainerID)
	return v, err
}

// SetLastGivenContainerID implements container.IDPersister.
func (s *Store) SetLastGivenContainerID(id uint64) error {
	return s.setUint64(keyLastGivenContainerID, id)
}

// ContainerSize returns the value last stored by SetContainerSize, or 0
// if it was never set.
func (s *Store) ContainerSize() (uint64, error) {
	v, _, err := s.getUint64(keyContainerSize)
	return v, err
}

// SetContainerSize persists size under the container-size key. Nothing
// compares the stored value with the running configuration.
func (s *Store) SetContainerSize(size uint64) error {
	return s.setUint64(keyContainerSize, size)
}

// HasSuperblock reports the info store's has-superblock flag, set by
// EnsureSuperblock. Nothing is written into the container files
// themselves.
func (s *Store) HasSuperblock() (bool, error) {
	return s.getBool(keyHasSuperblock)
}

// EnsureSuperblock writes a fresh UUID superblock record if one does not
// already exist, returning the (possibly newly generated) UUID.
func (s *Store) EnsureSuperblock() (string, error) {
	has, err := s.HasSuperblock()
	if err != nil {
		return "", err
	}
	if has {
		var id string
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(keySuperblockUUID)
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				id = string(val)
				return nil
			})
		})
		return id, err
	}

	id := uuid.NewString()
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keySuperblockUUID, []byte(id))
	})
	if err != nil {
		return "", err
	}
	return id, s.setBool(keyHasSuperblock, true)
}

// MarkCleanShutdown records that the engine stopped gracefully; absence
// of this flag at the next startup is what triggers DirtyStart replay
// (spec.md §6).
func (s *Store) MarkCleanShutdown(clean bool) error {
	return s.setBool(keyCleanShutdown, clean)
}

// WasCleanShutdown reports the flag recorded by the previous session.
func (s *Store) WasCleanShutdown() (bool, error) {
	return s.getBool(keyCleanShutdown)
}

// FileMetadata is a per-container-file record: how many bytes of it are
// allocated and whether it has reached its configured maximum size.
type FileMetadata struct {
	FileIndex uint32 `json:"file_index"`
	SizeBytes uint64 `json:"size_bytes"`
	Sealed    bool   `json:"sealed"`
}

var fileMetaPrefix = []byte("file:")

func fileMetaKey(fileIndex uint32) []byte {
	buf := make([]byte, len(fileMetaPrefix)+4)
	copy(buf, fileMetaPrefix)
	binary.BigEndian.PutUint32(buf[len(fileMetaPrefix):], fileIndex)
	return buf
}

// SetFileMetadata persists m for its file index.
func (s *Store) SetFileMetadata(m FileMetadata) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fileMetaKey(m.FileIndex), encoded)
	})
}

// GetFileMetadata returns the stored record for fileIndex, if any.
func (s *Store) GetFileMetadata(fileIndex uint32) (FileMetadata, bool, error) {
	var m FileMetadata
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileMetaKey(fileIndex))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return m, found, err
}

// Stats is a point-in-time snapshot surfaced to cmd/dedupctl.
type Stats struct {
	LastGivenContainerID uint64 `json:"last_given_container_id"`
	ContainerSize        uint64 `json:"container_size"`
	CleanShutdown        bool   `json:"clean_shutdown"`
}

// Snapshot gathers a Stats record for reporting.
func (s *Store) Snapshot() (Stats, error) {
	lastID, err := s.LastGivenContainerID()
	if err != nil {
		return Stats{}, err
	}
	size, err := s.ContainerSize()
	if err != nil {
		return Stats{}, err
	}
	clean, err := s.WasCleanShutdown()
	if err != nil {
		return Stats{}, err
	}
	return Stats{LastGivenContainerID: lastID, ContainerSize: size, CleanShutdown: clean}, nil
}
