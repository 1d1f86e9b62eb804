package oplog

import (
	"encoding/gob"

	"github.com/dedupcore/engine/pkg/fp"
)

// EventType enumerates the closed set of events the OpLog carries (spec.md
// §4.1). Every mutation to container storage, the chunk index, or the block
// index passes through one of these.
type EventType uint8

const (
	EventContainerOpened EventType = iota
	EventContainerCommitted
	EventContainerCommitFailed
	EventContainerMoved
	EventContainerMerged
	EventContainerDeleted
	EventBlockMappingWritten
	EventBlockMappingDeleted
	EventBlockMappingWriteFailed
	EventOrphanChunks
	EventReplayStarted
	EventReplayStopped
	EventLogEmpty
)

func (t EventType) String() string {
	switch t {
	case EventContainerOpened:
		return "ContainerOpened"
	case EventContainerCommitted:
		return "ContainerCommitted"
	case EventContainerCommitFailed:
		return "ContainerCommitFailed"
	case EventContainerMoved:
		return "ContainerMoved"
	case EventContainerMerged:
		return "ContainerMerged"
	case EventContainerDeleted:
		return "ContainerDeleted"
	case EventBlockMappingWritten:
		return "BlockMappingWritten"
	case EventBlockMappingDeleted:
		return "BlockMappingDeleted"
	case EventBlockMappingWriteFailed:
		return "BlockMappingWriteFailed"
	case EventOrphanChunks:
		return "OrphanChunks"
	case EventReplayStarted:
		return "ReplayStarted"
	case EventReplayStopped:
		return "ReplayStopped"
	case EventLogEmpty:
		return "LogEmpty"
	default:
		return "Unknown"
	}
}

// ContainerAddressData is the OpLog's wire copy of a container address. It
// mirrors container.Address without importing the container package, so
// that oplog stays a leaf dependency.
type ContainerAddressData struct {
	IsRedirect bool
	FileIndex  uint32
	FileOffset uint64
	PrimaryID  uint64
	LogID      uint64
}

// ContainerOpenedPayload is the payload of EventContainerOpened.
type ContainerOpenedPayload struct {
	ContainerID uint64
	Address     ContainerAddressData
}

// ContainerCommittedPayload is the payload of EventContainerCommitted.
type ContainerCommittedPayload struct {
	ContainerID    uint64
	Address        ContainerAddressData
	ItemCount      uint32
	ActiveDataSize uint64
}

// ContainerCommitFailedPayload is the payload of EventContainerCommitFailed.
type ContainerCommitFailedPayload struct {
	ContainerID uint64
	ItemKeys    []fp.Fingerprint
}

// ContainerMovedPayload is the payload of EventContainerMoved.
type ContainerMovedPayload struct {
	ContainerID       uint64
	OldAddress        ContainerAddressData
	NewAddress        ContainerAddressData
	OldItemCount      uint32
	ItemCount         uint32
	OldActiveDataSize uint64
	ActiveDataSize    uint64
}

// ContainerMergedPayload is the payload of EventContainerMerged.
type ContainerMergedPayload struct {
	FirstID            uint64
	SecondID           uint64
	FirstSecondaryIDs  []uint64
	SecondSecondaryIDs []uint64
	NewPrimaryID       uint64
	NewSecondaryIDs    []uint64
	NewAddress         ContainerAddressData
	UnusedIDs          []uint64
	NewItemCount       uint32
	NewActiveDataSize  uint64
}

// ContainerDeletedPayload is the payload of EventContainerDeleted.
type ContainerDeletedPayload struct {
	ContainerID           uint64
	SecondaryContainerIDs []uint64
	Address               ContainerAddressData
}

// BlockMappingItemData is the OpLog's wire copy of a block-mapping item.
type BlockMappingItemData struct {
	Fingerprint fp.Fingerprint
	DataAddress uint64
	ChunkOffset uint32
	ChunkSize   uint32
}

// BlockMappingData is the OpLog's wire copy of a block mapping.
type BlockMappingData struct {
	BlockID     uint64
	Version     uint64
	BlockSize   uint64
	Items       []BlockMappingItemData
	EventLogID  uint64
}

// BlockMappingPairData is the compact (previous, updated) delta carried by
// write events.
type BlockMappingPairData struct {
	Previous BlockMappingData
	Updated  BlockMappingData
}

// BlockMappingWrittenPayload is the payload of EventBlockMappingWritten.
type BlockMappingWrittenPayload struct {
	Pair BlockMappingPairData
}

// BlockMappingDeletedPayload is the payload of EventBlockMappingDeleted.
type BlockMappingDeletedPayload struct {
	Original BlockMappingData
}

// BlockMappingWriteFailedPayload is the payload of EventBlockMappingWriteFailed.
type BlockMappingWriteFailedPayload struct {
	Pair            BlockMappingPairData
	WriteEventLogID uint64
}

// OrphanChunksPayload is the payload of EventOrphanChunks.
type OrphanChunksPayload struct {
	Fingerprints []fp.Fingerprint
}

// ReplayStartedPayload is the payload of EventReplayStarted.
type ReplayStartedPayload struct {
	FullLogReplay bool
}

// ReplayStoppedPayload is the payload of EventReplayStopped.
type ReplayStoppedPayload struct {
	ReplayType Mode
	Success    bool
}

// LogEmptyPayload is the payload of EventLogEmpty.
type LogEmptyPayload struct{}

func init() {
	gob.Register(ContainerOpenedPayload{})
	gob.Register(ContainerCommittedPayload{})
	gob.Register(ContainerCommitFailedPayload{})
	gob.Register(ContainerMovedPayload{})
	gob.Register(ContainerMergedPayload{})
	gob.Register(ContainerDeletedPayload{})
	gob.Register(BlockMappingWrittenPayload{})
	gob.Register(BlockMappingDeletedPayload{})
	gob.Register(BlockMappingWriteFailedPayload{})
	gob.Register(OrphanChunksPayload{})
	gob.Register(ReplayStartedPayload{})
	gob.Register(ReplayStoppedPayload{})
	gob.Register(LogEmptyPayload{})
}
