package engine

import (
	"context"
	"fmt"

	"github.com/dedupcore/engine/pkg/blockindex"
	"github.com/dedupcore/engine/pkg/chunkindex"
	"github.com/dedupcore/engine/pkg/fp"
)

// WriteBlock stores chunks as the full content of blockID at the next
// version, deduplicating every chunk whose fingerprint the chunk index
// already maps to a container (spec.md §2, "Data flow on a write
// request"): for each chunk, look up its fingerprint; on a miss, append
// the payload to the current open container (committing and opening a
// fresh one when full) and register the new mapping; either way, record
// a block-mapping item carrying the container id, cumulative
// block-relative offset, and chunk size. The full item list becomes the
// block's new mapping, committed via StoreBlock.
func (e *Engine) WriteBlock(ctx context.Context, blockID uint64, chunks []Chunk) error {
	if e.State() != Running {
		return ErrEngineNotRunning
	}

	previous, _, err := e.blocks.ReadBlockInfo(nil, blockID)
	if err != nil {
		return fmt.Errorf("engine: write block %d: read previous mapping: %w", blockID, err)
	}

	items := make([]blockindex.Item, 0, len(chunks))
	var offset uint32
	for _, c := range chunks {
		addr, err := e.resolveChunk(ctx, c)
		if err != nil {
			return NewBlockError(IO, blockID, err.Error())
		}
		items = append(items, blockindex.Item{
			Fingerprint: c.Fingerprint.Clone(),
			DataAddress: addr,
			ChunkOffset: offset,
			ChunkSize:   uint32(len(c.Payload)),
		})
		offset += uint32(len(c.Payload))
	}

	if pad := e.cfg.BlockSize - uint64(offset); pad > 0 {
		items = append(items, blockindex.Item{
			Fingerprint: fp.Empty(e.cfg.FingerprintSize),
			DataAddress: sentinelContainerID,
			ChunkOffset: offset,
			ChunkSize:   uint32(pad),
		})
	}

	updated := blockindex.Mapping{
		BlockID:   blockID,
		Version:   previous.Version + 1,
		BlockSize: e.cfg.BlockSize,
		Items:     items,
	}

	if err := e.blocks.StoreBlock(ctx, previous, updated); err != nil {
		return NewBlockError(IO, blockID, err.Error())
	}
	return nil
}

// resolveChunk returns the container id holding c's payload, writing it
// through the active container if the chunk index has not seen this
// fingerprint before.
func (e *Engine) resolveChunk(ctx context.Context, c Chunk) (uint64, error) {
	if m, ok, err := e.chunks.Lookup(c.Fingerprint, true); err != nil {
		return 0, err
	} else if ok {
		return m.ContainerID, nil
	}

	containerID, err := e.putIntoActiveContainer(ctx, c)
	if err != nil {
		return 0, err
	}
	if err := e.chunks.Put(chunkindex.Mapping{
		Fingerprint: c.Fingerprint.Clone(),
		ContainerID: containerID,
	}); err != nil {
		return 0, err
	}
	return containerID, nil
}

// putIntoActiveContainer appends c's payload to the engine's currently
// open write-cache container, opening and committing containers as
// needed to make room (spec.md §4.2, "a container stays open across
// multiple chunk writes until full or its commit timeout elapses").
func (e *Engine) putIntoActiveContainer(ctx context.Context, c Chunk) (uint64, error) {
	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	if e.writer == nil {
		if err := e.openActiveContainer(ctx); err != nil {
			return 0, err
		}
	}

	e.writer.Lock()
	err := e.writer.Put(c.Fingerprint, c.Payload, e.writerID, true)
	e.writer.Unlock()

	if err != nil {
		if cerr := e.storage.CommitContainer(ctx, e.writerID); cerr != nil {
			return 0, fmt.Errorf("commit full container %d: %w", e.writerID, cerr)
		}
		if err := e.openActiveContainer(ctx); err != nil {
			return 0, err
		}
		e.writer.Lock()
		err = e.writer.Put(c.Fingerprint, c.Payload, e.writerID, true)
		e.writer.Unlock()
		if err != nil {
			return 0, fmt.Errorf("chunk payload does not fit a fresh container: %w", err)
		}
	}
	return e.writerID, nil
}

func (e *Engine) openActiveContainer(ctx context.Context) error {
	id, c, err := e.storage.GetNewContainerID(ctx)
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	e.writerID, e.writer = id, c
	return nil
}

// ReadBlock resolves blockID's current mapping and reads every chunk's
// payload out of its container, reassembling the full block (spec.md
// §2, "Data flow on a read request"). Tail-padding items (the sentinel
// container id) are returned as zero bytes without a lookup.
func (e *Engine) ReadBlock(ctx context.Context, blockID uint64) ([]byte, error) {
	if e.State() != Running {
		return nil, ErrEngineNotRunning
	}

	m, _, err := e.blocks.ReadBlockInfo(nil, blockID)
	if err != nil {
		return nil, NewBlockError(IO, blockID, err.Error())
	}
	if m.Empty() {
		return make([]byte, e.cfg.BlockSize), nil
	}

	out := make([]byte, m.BlockSize)
	for _, it := range m.Items {
		if it.DataAddress == sentinelContainerID {
			continue
		}
		c, err := e.storage.ReadContainerWithCache(ctx, it.DataAddress)
		if err != nil {
			return nil, NewContainerError(IO, it.DataAddress, err.Error())
		}
		item, err := c.Find(it.Fingerprint)
		if err != nil {
			return nil, NewContainerError(NotFound, it.DataAddress, err.Error())
		}
		copy(out[it.ChunkOffset:it.ChunkOffset+it.ChunkSize], item.Payload)
	}
	return out, nil
}

// DeleteBlock removes blockID's mapping entirely, decrementing the
// usage count of every chunk it referenced via the chunk index's
// BlockMappingDeleted replay (spec.md §4.4, "DeleteBlockInfo").
func (e *Engine) DeleteBlock(ctx context.Context, blockID uint64) error {
	if e.State() != Running {
		return ErrEngineNotRunning
	}

	m, _, err := e.blocks.ReadBlockInfo(nil, blockID)
	if err != nil {
		return NewBlockError(IO, blockID, err.Error())
	}
	if m.Empty() {
		return nil
	}
	if err := e.blocks.DeleteBlockInfo(ctx, m); err != nil {
		return NewBlockError(IO, blockID, err.Error())
	}
	return nil
}
