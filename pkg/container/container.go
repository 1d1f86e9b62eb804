package container

import (
	"bytes"
	"crypto/crc32"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"

	"github.com/dedupcore/engine/pkg/fp"
)

// ErrCapacityExceeded is returned by Container.Put when the item would not
// fit in the remaining capacity (spec.md §4.2 invariant: sum(raw_size for
// non-deleted items) ≤ capacity − metadata overhead).
var ErrCapacityExceeded = errors.New("container: capacity exceeded")

// ErrItemNotFound is returned by Container.Find when no item with the
// given key exists.
var ErrItemNotFound = errors.New("container: item not found")

// itemHeaderSize is the fixed per-item directory entry overhead: key_size
// (2), raw_size (4), compressed_size (4), original_id (8), flags (1),
// offset (8).
const itemHeaderSize = 27

// metadataPageReserve is additional fixed overhead for the page header
// (primary_id, secondary id count, item count, active_data_size).
const metadataPageReserve = 64

// Item is a single stored chunk payload plus its directory metadata
// (spec.md §3, "Container item").
type Item struct {
	Key        fp.Fingerprint
	Payload    []byte // nil once written to disk and not resident
	RawSize    uint32
	IsIndexed  bool
	IsDeleted  bool
	OriginalID uint64
}

// Container is the in-memory representation of one fixed-capacity
// container: an ordered item list plus a transient fingerprint→index side
// map, per spec.md §9 ("Container items ordered list vs. map").
type Container struct {
	mu sync.Mutex

	PrimaryID      uint64
	SecondaryIDs   map[uint64]struct{}
	Capacity       uint64
	ActiveDataSize uint64

	items    []Item
	indexOf  map[string]int // fp.String() -> index into items
}

// New creates an empty container with the given primary id and capacity.
func New(primaryID uint64, capacity uint64) *Container {
	return &Container{
		PrimaryID:    primaryID,
		SecondaryIDs: make(map[uint64]struct{}),
		Capacity:     capacity,
		indexOf:      make(map[string]int),
	}
}

// Lock/Unlock expose the container's own mutex so Storage can serialize
// mutation without a separate lock table for write-cache containers
// (spec.md §6: "Containers in the write cache are exclusively owned by
// the storage").
func (c *Container) Lock()   { c.mu.Lock() }
func (c *Container) Unlock() { c.mu.Unlock() }

// UsedBytes returns the metadata + payload bytes currently committed to
// this container, used for capacity and fullness checks.
func (c *Container) UsedBytes() uint64 {
	return metadataPageReserve + uint64(len(c.items))*itemHeaderSize + c.ActiveDataSize
}

// Put appends a new item. The caller must hold c's lock.
func (c *Container) Put(key fp.Fingerprint, payload []byte, originalID uint64, indexed bool) error {
	need := c.UsedBytes() + itemHeaderSize + uint64(len(payload))
	if need > c.Capacity {
		return ErrCapacityExceeded
	}

	it := Item{
		Key:        key.Clone(),
		Payload:    payload,
		RawSize:    uint32(len(payload)),
		IsIndexed:  indexed,
		OriginalID: originalID,
	}
	c.indexOf[key.String()] = len(c.items)
	c.items = append(c.items, it)
	c.ActiveDataSize += uint64(len(payload))
	return nil
}

// Find locates an item by fingerprint. The caller must hold c's lock, or
// the container must otherwise be immutable (e.g. freshly deserialized).
func (c *Container) Find(key fp.Fingerprint) (*Item, error) {
	idx, ok := c.indexOf[key.String()]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &c.items[idx], nil
}

// MarkDeleted tombstones an item without compacting the container; space
// is reclaimed only by the GC merge path (spec.md §4.2 merge/delete).
func (c *Container) MarkDeleted(key fp.Fingerprint) error {
	it, err := c.Find(key)
	if err != nil {
		return err
	}
	if !it.IsDeleted {
		it.IsDeleted = true
		c.ActiveDataSize -= uint64(it.RawSize)
	}
	return nil
}

// Items returns the ordered item list. Callers must not mutate the
// returned slice's items directly outside the container's lock.
func (c *Container) Items() []Item {
	return c.items
}

// NonDeletedCount returns how many items are not tombstoned, used by
// TryDeleteContainer's zero-item precondition (spec.md §4.2 invariant
// "Deletion safety").
func (c *Container) NonDeletedCount() int {
	n := 0
	for _, it := range c.items {
		if !it.IsDeleted {
			n++
		}
	}
	return n
}

// ItemCount returns the total directory entry count, deleted or not.
func (c *Container) ItemCount() int {
	return len(c.items)
}

// Serialize encodes the container to its on-disk form: a metadata page
// (item directory) followed by concatenated item payloads, followed by a
// CRC32 of everything preceding it (spec.md §6, "Container files").
func (c *Container) Serialize() ([]byte, error) {
	var dir bytes.Buffer

	binary.Write(&dir, binary.LittleEndian, c.PrimaryID)
	binary.Write(&dir, binary.LittleEndian, uint32(len(c.SecondaryIDs)))
	for id := range c.SecondaryIDs {
		binary.Write(&dir, binary.LittleEndian, id)
	}
	binary.Write(&dir, binary.LittleEndian, uint32(len(c.items)))
	binary.Write(&dir, binary.LittleEndian, c.ActiveDataSize)

	var payloads bytes.Buffer
	offset := uint64(0)
	for _, it := range c.items {
		compressed := s2.Encode(make([]byte, s2.MaxEncodedLen(len(it.Payload))), it.Payload)

		binary.Write(&dir, binary.LittleEndian, uint16(len(it.Key)))
		dir.Write(it.Key)
		binary.Write(&dir, binary.LittleEndian, it.RawSize)
		binary.Write(&dir, binary.LittleEndian, uint32(len(compressed)))
		binary.Write(&dir, binary.LittleEndian, it.OriginalID)
		var flags byte
		if it.IsIndexed {
			flags |= 1
		}
		if it.IsDeleted {
			flags |= 2
		}
		dir.WriteByte(flags)
		binary.Write(&dir, binary.LittleEndian, offset)

		payloads.Write(compressed)
		offset += uint64(len(compressed))
	}

	out := make([]byte, 0, dir.Len()+payloads.Len()+4)
	out = append(out, dir.Bytes()...)
	out = append(out, payloads.Bytes()...)

	sum := crc32.ChecksumIEEE(out)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum)
	out = append(out, crcBuf[:]...)

	if uint64(len(out)) > c.Capacity {
		return nil, fmt.Errorf("%w: serialized size %d exceeds capacity %d", ErrCapacityExceeded, len(out), c.Capacity)
	}

	return out, nil
}

// Deserialize reconstructs a Container from its on-disk form and verifies
// the trailing CRC32.
func Deserialize(buf []byte, capacity uint64) (*Container, error) {
	if len(buf) < 4 {
		return nil, errors.New("container: buffer too short")
	}

	body := buf[:len(buf)-4]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, errors.New("container: crc mismatch")
	}

	r := bytes.NewReader(body)
	c := &Container{Capacity: capacity, SecondaryIDs: make(map[uint64]struct{}), indexOf: make(map[string]int)}

	if err := binary.Read(r, binary.LittleEndian, &c.PrimaryID); err != nil {
		return nil, err
	}
	var secondaryCount uint32
	if err := binary.Read(r, binary.LittleEndian, &secondaryCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < secondaryCount; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, err
		}
		c.SecondaryIDs[id] = struct{}{}
	}

	var itemCount uint32
	if err := binary.Read(r, binary.LittleEndian, &itemCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.ActiveDataSize); err != nil {
		return nil, err
	}

	type dirEntry struct {
		key           fp.Fingerprint
		rawSize       uint32 // original, uncompressed payload length
		compressedLen uint32 // s2-compressed length as stored on disk
		originalID    uint64
		flags         byte
		offset        uint64
	}
	entries := make([]dirEntry, itemCount)

	for i := uint32(0); i < itemCount; i++ {
		var keyLen uint16
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, err
		}
		key := make(fp.Fingerprint, keyLen)
		if _, err := r.Read(key); err != nil {
			return nil, err
		}
		var e dirEntry
		e.key = key
		if err := binary.Read(r, binary.LittleEndian, &e.rawSize); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.compressedLen); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.originalID); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.flags); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.offset); err != nil {
			return nil, err
		}
		entries[i] = e
	}

	payloadStart := len(body) - r.Len()
	payloads := body[payloadStart:]

	c.items = make([]Item, itemCount)
	for i, e := range entries {
		if uint64(e.offset+uint64(e.compressedLen)) > uint64(len(payloads)) {
			return nil, errors.New("container: payload offset out of range")
		}
		compressed := payloads[e.offset : e.offset+uint64(e.compressedLen)]
		payload := make([]byte, e.rawSize)
		if e.rawSize > 0 {
			if _, err := s2.Decode(payload, compressed); err != nil {
				return nil, fmt.Errorf("container: decompress item %s: %w", e.key.String(), err)
			}
		}

		c.items[i] = Item{
			Key:        e.key,
			Payload:    payload,
			RawSize:    e.rawSize,
			IsIndexed:  e.flags&1 != 0,
			IsDeleted:  e.flags&2 != 0,
			OriginalID: e.originalID,
		}
		c.indexOf[e.key.String()] = i
	}

	return c, nil
}
