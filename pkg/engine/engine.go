// Package engine wires the Operations Log, Container Storage, Chunk
// Index, and Block Index into the single core described by spec.md,
// driving its lifecycle (Created → Starting → DirtyReplay → Started →
// Running → Stopped) and exposing the front-end session glue
// (WriteBlock / ReadBlock / DeleteBlock) that orchestrates the
// chunk→container→block update pipeline (spec.md §2, "Data flow on a
// write request").
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dedupcore/engine/internal/logger"
	"github.com/dedupcore/engine/pkg/blockindex"
	"github.com/dedupcore/engine/pkg/chunkindex"
	"github.com/dedupcore/engine/pkg/container"
	"github.com/dedupcore/engine/pkg/fp"
	"github.com/dedupcore/engine/pkg/infostore"
	"github.com/dedupcore/engine/pkg/oplog"
	"github.com/dedupcore/engine/pkg/replay"
)

// sentinelContainerID marks the tail-padding item appended to a block
// mapping whose chunks do not fill BlockSize exactly (spec.md §3, "tail
// padded with a distinguished empty-data fingerprint whose container
// address is a sentinel").
const sentinelContainerID = blockindex.SentinelContainerID

// Chunk is one (fingerprint, payload) pair the caller has already
// produced via the external chunker/fingerprinter pipeline (spec.md §1,
// "the core consumes a (fingerprint_bytes, payload_bytes) stream").
type Chunk struct {
	Fingerprint fp.Fingerprint
	Payload     []byte
}

// Engine is the wired core: OpLog plus its three registered consumers,
// the replay coordinator, the info store, and the GC/committer
// background loops.
type Engine struct {
	cfg Config

	ol       *oplog.OpLog
	storage  *container.Storage
	chunks   *chunkindex.Index
	blocks   *blockindex.Index
	info     *infostore.Store
	gc       *container.GC
	replayer *replay.Coordinator

	state atomic.Int32

	writerMu sync.Mutex
	writerID uint64
	writer   *container.Container

	needsDirtyStart bool
	stopCh          chan struct{}
}

// New wires every component from cfg but does not start background
// work; call Start to run DirtyStart (if needed) and begin serving.
func New(cfg Config) (*Engine, error) {
	for _, dir := range []string{cfg.ContainerDir, cfg.ChunkIndexDir, cfg.BlockIndexDir, cfg.InfoStoreDir, cfg.MetaIndexDir} {
		if err := ensureDir(dir, cfg.Startup); err != nil {
			return nil, err
		}
	}

	info, err := infostore.Open(cfg.InfoStoreDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open info store: %w", err)
	}

	wasClean, err := info.WasCleanShutdown()
	if err != nil {
		return nil, fmt.Errorf("engine: read shutdown flag: %w", err)
	}
	if !cfg.Startup.Create {
		has, err := info.HasSuperblock()
		if err != nil {
			return nil, err
		}
		if !has {
			return nil, fmt.Errorf("engine: NonCreate startup against no pre-existing state at %q", cfg.InfoStoreDir)
		}
	}
	if _, err := info.EnsureSuperblock(); err != nil {
		return nil, fmt.Errorf("engine: ensure superblock: %w", err)
	}

	ol, err := oplog.Open(oplog.Config{Path: cfg.OpLogPath, MaxSize: cfg.OpLogMaxSize})
	if err != nil {
		return nil, fmt.Errorf("engine: open oplog: %w", err)
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
		IDPersister:     info,
	}, ol)
	if err != nil {
		return nil, fmt.Errorf("engine: open container storage: %w", err)
	}

	chunks, err := chunkindex.NewIndex(chunkindex.Config{
		Dir:             cfg.ChunkIndexDir,
		CacheCapacity:   cfg.ChunkCacheCapacity,
		FlushThreshold:  cfg.ChunkFlushThreshold,
		EstimatedMaxFPs: cfg.ChunkEstimatedMaxFPs,
	}, ol, storage)
	if err != nil {
		return nil, fmt.Errorf("engine: open chunk index: %w", err)
	}

	blocks, err := blockindex.NewIndex(blockindex.Config{
		Dir:           cfg.BlockIndexDir,
		BlockSize:     cfg.BlockSize,
		MaxLiveBlocks: cfg.BlockMaxLiveBlocks,
		FillThreshold: cfg.BlockFillThreshold,
	}, ol, chunks, storage)
	if err != nil {
		return nil, fmt.Errorf("engine: open block index: %w", err)
	}

	gc := container.NewGC(storage)
	gc.LowUtilizationFraction = cfg.GCLowUtilizationFraction
	storage.AddMergeHook(gc)
	chunks.SetGCHook(func(containerID uint64) { gc.Consider(containerID) })

	e := &Engine{
		cfg:      cfg,
		ol:       ol,
		storage:  storage,
		chunks:   chunks,
		blocks:   blocks,
		info:     info,
		gc:       gc,
		replayer: replay.New(ol, cfg.BackgroundReplayInterval),
		stopCh:   make(chan struct{}),
	}
	e.state.Store(int32(Created))
	e.needsDirtyStart = !wasClean || cfg.Startup.Force
	return e, nil
}

func ensureDir(dir string, sc StartupContext) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if !sc.Create {
		return fmt.Errorf("engine: directory %q does not exist and Create is not set", dir)
	}
	mode := sc.DirMode
	if mode == 0 {
		mode = 0o750
	}
	return os.MkdirAll(dir, mode)
}

// State reports the engine's current lifecycle stage.
func (e *Engine) State() State { return State(e.state.Load()) }

// Start performs DirtyStart replay if the previous session did not stop
// cleanly (or Force is set), then launches the background committer,
// chunk/block importers, GC, and replay worker (spec.md §6 lifecycle,
// §5 scheduling model).
func (e *Engine) Start(ctx context.Context) error {
	e.state.Store(int32(Starting))

	if e.needsDirtyStart {
		e.state.Store(int32(DirtyReplay))
		if err := e.replayer.RunDirtyStart(ctx); err != nil {
			return fmt.Errorf("engine: dirty-start replay: %w", err)
		}
		e.storage.MarkUnresolvedAsWillNeverCommit(e.storage.OpenContainerIDs())
	}

	if err := e.info.MarkCleanShutdown(false); err != nil {
		return fmt.Errorf("engine: mark dirty: %w", err)
	}

	e.state.Store(int32(Started))

	e.replayer.StartBackground(ctx)
	e.gc.Start(ctx, e.cfg.GCInterval)
	go e.loop(ctx, e.cfg.CommitterInterval, func(ctx context.Context) { _ = e.storage.RunCommitterPass(ctx) })
	go e.loop(ctx, e.cfg.ChunkImporterInterval, func(ctx context.Context) { _ = e.chunks.RunImporterPass(ctx) })
	go e.loop(ctx, e.cfg.BlockImporterInterval, func(ctx context.Context) { _ = e.blocks.RunImporterPass(ctx) })

	e.state.Store(int32(Running))
	logger.InfoCtx(ctx, "engine: running")
	return nil
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop halts background work and persists what mode requires (spec.md
// §5, "Graceful shutdown comes in two modes: fast ... and write-back
// ... Forced stop drops in-flight operations and marks the system
// dirty").
func (e *Engine) Stop(ctx context.Context, mode ShutdownMode) error {
	close(e.stopCh)
	e.replayer.StopBackground()

	if mode == ShutdownForced {
		e.state.Store(int32(Stopped))
		return e.closeComponents()
	}

	if mode == ShutdownWriteBack {
		e.writerMu.Lock()
		if e.writer != nil {
			if err := e.storage.CommitContainer(ctx, e.writerID); err != nil {
				logger.ErrorCtx(ctx, "engine: shutdown commit of active writer failed", "container_id", e.writerID, "error", err)
			}
			e.writer = nil
		}
		e.writerMu.Unlock()

		if err := e.storage.RunCommitterPass(ctx); err != nil {
			logger.ErrorCtx(ctx, "engine: shutdown commit pass failed", "error", err)
		}
		if err := e.blocks.RunImporterPass(ctx); err != nil {
			logger.ErrorCtx(ctx, "engine: shutdown block importer pass failed", "error", err)
		}
		// One pass advances exactly one tracked container; a handful of
		// passes drains the small backlog a single shutdown can produce.
		for i := 0; i < 8; i++ {
			if err := e.chunks.RunImporterPass(ctx); err != nil {
				logger.ErrorCtx(ctx, "engine: shutdown chunk importer pass failed", "error", err)
				break
			}
		}
		if err := e.chunks.FlushDirty(ctx); err != nil {
			logger.ErrorCtx(ctx, "engine: shutdown flush chunk index failed", "error", err)
		}
	}

	if err := e.info.MarkCleanShutdown(true); err != nil {
		logger.ErrorCtx(ctx, "engine: mark clean shutdown failed", "error", err)
	}

	e.state.Store(int32(Stopped))
	return e.closeComponents()
}

func (e *Engine) closeComponents() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{e.blocks, e.chunks, e.storage, e.ol, e.info} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
