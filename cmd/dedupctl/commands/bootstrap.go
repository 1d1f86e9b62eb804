// Package commands implements the dedupctl subcommands: offline tools
// that inspect or repair on-disk engine state without running the full
// server (spec.md's dedupv1_check, dedupv1_chunk_restorer, and
// dedupv1_replay equivalents).
package commands

import (
	"fmt"

	"github.com/dedupcore/engine/pkg/blockindex"
	"github.com/dedupcore/engine/pkg/chunkindex"
	"github.com/dedupcore/engine/pkg/container"
	"github.com/dedupcore/engine/pkg/engine"
	"github.com/dedupcore/engine/pkg/oplog"
)

// components bundles the storage triad every offline tool needs,
// opened directly against the on-disk layout without bringing up
// pkg/engine's scheduling loops.
type components struct {
	ol      *oplog.OpLog
	storage *container.Storage
	chunks  *chunkindex.Index
	blocks  *blockindex.Index
}

func openComponents(cfg engine.Config) (*components, error) {
	ol, err := oplog.Open(oplog.Config{Path: cfg.OpLogPath, MaxSize: cfg.OpLogMaxSize})
	if err != nil {
		return nil, fmt.Errorf("open oplog: %w", err)
	}

	storage, err := container.NewStorage(container.Config{
		Dir:             cfg.ContainerDir,
		MetaIndexDir:    cfg.MetaIndexDir,
		ContainerSize:   cfg.ContainerSize,
		MaxFileSize:     cfg.ContainerFileMaxSize,
		WriteCacheWidth: cfg.WriteCacheWidth,
		WriteCacheTTL:   cfg.WriteCacheTTL,
		ReadCacheSize:   cfg.ReadCacheSize,
		CommitThreshold: cfg.CommitThreshold,
	}, ol)
	if err != nil {
		_ = ol.Close()
		return nil, fmt.Errorf("open container storage: %w", err)
	}

	chunks, err := chunkindex.NewIndex(chunkindex.Config{
		Dir:             cfg.ChunkIndexDir,
		CacheCapacity:   cfg.ChunkCacheCapacity,
		FlushThreshold:  cfg.ChunkFlushThreshold,
		EstimatedMaxFPs: cfg.ChunkEstimatedMaxFPs,
	}, ol, storage)
	if err != nil {
		_ = storage.Close()
		_ = ol.Close()
		return nil, fmt.Errorf("open chunk index: %w", err)
	}

	blocks, err := blockindex.NewIndex(blockindex.Config{
		Dir:           cfg.BlockIndexDir,
		BlockSize:     cfg.BlockSize,
		MaxLiveBlocks: cfg.BlockMaxLiveBlocks,
		FillThreshold: cfg.BlockFillThreshold,
	}, ol, chunks, storage)
	if err != nil {
		_ = chunks.Close()
		_ = storage.Close()
		_ = ol.Close()
		return nil, fmt.Errorf("open block index: %w", err)
	}

	return &components{ol: ol, storage: storage, chunks: chunks, blocks: blocks}, nil
}

func (c *components) Close() error {
	var firstErr error
	for _, closer := range []interface{ Close() error }{c.blocks, c.chunks, c.storage, c.ol} {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
