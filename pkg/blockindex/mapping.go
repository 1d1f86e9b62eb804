// Package blockindex implements the Block Index component of spec.md
// §4.4: an auxiliary in-memory delta index backed by a persistent
// index, a volatile block store tracking in-flight writes until their
// containers commit, and a background importer that migrates entries
// from auxiliary to persistent in version order.
package blockindex

import "github.com/dedupcore/engine/pkg/fp"

// SentinelContainerID marks a tail-padding item appended to a block
// mapping to round its items out to the configured block size — no
// real container will ever be allocated this id.
const SentinelContainerID = ^uint64(0)

// Item is one chunk reference within a block mapping (spec.md §3,
// "Block Mapping Pair").
type Item struct {
	Fingerprint fp.Fingerprint
	DataAddress uint64 // container id holding this chunk's payload
	ChunkOffset uint32
	ChunkSize   uint32
}

// Mapping is the Block Mapping entity: the full chunk list backing one
// block at a given version.
type Mapping struct {
	BlockID    uint64
	Version    uint64
	BlockSize  uint64
	Items      []Item
	EventLogID uint64
}

// Empty reports whether m is the distinguished empty-mapping template
// returned when a block has never been written (spec.md §4.4,
// "ReadBlockInfo ... fills the mapping with the empty template when
// nowhere found").
func (m Mapping) Empty() bool {
	return m.Version == 0 && len(m.Items) == 0
}

// EmptyMapping returns the distinguished template for blockID.
func EmptyMapping(blockID uint64, blockSize uint64) Mapping {
	return Mapping{BlockID: blockID, BlockSize: blockSize}
}

// Pair is the (previous, updated) delta committed by a block write
// (spec.md §3, "Block Mapping Pair").
type Pair struct {
	Previous Mapping
	Updated  Mapping
}

// ContainerSet returns the distinct container ids referenced by m's
// items, used to register a Pair with the volatile block store.
// Tail-padding items (SentinelContainerID) reference no container and are
// not included.
func (m Mapping) ContainerSet() map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(m.Items))
	for _, it := range m.Items {
		if it.DataAddress == SentinelContainerID {
			continue
		}
		set[it.DataAddress] = struct{}{}
	}
	return set
}
