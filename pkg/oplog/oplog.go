// Package oplog implements the write-ahead operation log described in
// spec.md §4.1. Every state change to container storage, the chunk index,
// and the block index is first committed to the log, then dispatched to
// interested consumers either synchronously (Direct), once at startup
// (DirtyStart), or continuously in the background (Background). This
// mirrors the append-then-notify contract of the teacher's
// pkg/wal.Persister, generalized from a single cache consumer to the
// multi-consumer fan-out this engine needs.
package oplog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dedupcore/engine/internal/logger"
)

// Consumer receives replayed events from the OpLog. Implementations are
// container.Storage, chunkindex.Index, and blockindex.Index; Name()
// identifies the consumer in errors and logs. No per-consumer checkpoint
// is kept: DirtyStart replay delivers every record from the start of the
// log to every consumer.
type Consumer interface {
	Name() string
	Replay(ctx context.Context, ev Event) error
}

// Config controls OpLog file placement and sizing.
type Config struct {
	Path    string
	MaxSize uint64 // 0 means unbounded
}

// OpLog is the durable event log plus its registered consumers.
type OpLog struct {
	ring *ringFile

	mu        sync.RWMutex
	consumers []Consumer
	nextLogID atomic.Uint64

	replayMu sync.Mutex // serializes DirtyStart/Background replay passes
}

// Open opens or creates the log file at cfg.Path.
func Open(cfg Config) (*OpLog, error) {
	ring, err := openRingFile(cfg.Path, cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("oplog: open: %w", err)
	}
	ol := &OpLog{ring: ring}
	ol.nextLogID.Store(uint64(ring.header.RecordCount) + 1)
	return ol, nil
}

// Register adds a consumer that will receive Direct-mode replay for every
// future CommitEvent, and DirtyStart/Background replay for historical and
// live events.
func (ol *OpLog) Register(c Consumer) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	ol.consumers = append(ol.consumers, c)
}

// CommitEvent durably appends the event, then replays it into every
// registered consumer under Direct mode. It returns the assigned log id.
//
// Per spec.md §4.1, Direct replay must not block on external I/O; callers
// whose consumers need a committed container first pin state in memory
// and defer persistence to Background replay.
func (ol *OpLog) CommitEvent(ctx context.Context, t EventType, payload any) (uint64, error) {
	logID := ol.nextLogID.Add(1) - 1

	if err := ol.ring.Append(logID, t, payload); err != nil {
		return 0, fmt.Errorf("oplog: commit: %w", err)
	}

	ev := Event{
		LogID:   logID,
		Type:    t,
		Payload: payload,
		Ctx:     ReplayContext{LogID: logID, Mode: Direct},
	}

	ol.mu.RLock()
	consumers := make([]Consumer, len(ol.consumers))
	copy(consumers, ol.consumers)
	ol.mu.RUnlock()

	for _, c := range consumers {
		if err := c.Replay(ctx, ev); err != nil {
			logger.ErrorCtx(ctx, "oplog: direct replay failed", "consumer", c.Name(), "log_id", logID, "error", err)
			return logID, fmt.Errorf("oplog: direct replay into %s: %w", c.Name(), err)
		}
	}

	return logID, nil
}

// RunDirtyStart replays every record in the log, in order, into every
// registered consumer under DirtyStart mode. It is invoked once at
// startup when the engine was not shut down cleanly (spec.md §4.1, §6).
func (ol *OpLog) RunDirtyStart(ctx context.Context) error {
	ol.replayMu.Lock()
	defer ol.replayMu.Unlock()

	records, err := ol.ring.ReadAll()
	if err != nil {
		return fmt.Errorf("oplog: dirty-start read: %w", err)
	}

	ol.mu.RLock()
	consumers := make([]Consumer, len(ol.consumers))
	copy(consumers, ol.consumers)
	ol.mu.RUnlock()

	logger.InfoCtx(ctx, "oplog: dirty-start replay beginning", "records", len(records))

	for _, rec := range records {
		ev := Event{
			LogID:   rec.LogID,
			Type:    rec.Type,
			Payload: rec.Payload,
			Ctx:     ReplayContext{LogID: rec.LogID, Mode: DirtyStart},
		}
		for _, c := range consumers {
			if err := c.Replay(ctx, ev); err != nil {
				return fmt.Errorf("oplog: dirty-start replay of %s into %s: %w", rec.Type, c.Name(), err)
			}
		}
	}

	logger.InfoCtx(ctx, "oplog: dirty-start replay complete", "records", len(records))
	return nil
}

// Records returns every committed record for offline tools such as the
// replay and chunk-index-restorer commands (spec.md §9, dedupv1_replay /
// dedupv1_chunk_restorer equivalents).
func (ol *OpLog) Records() ([]ringRecord, error) {
	return ol.ring.ReadAll()
}

// Sync forces the log to durable storage.
func (ol *OpLog) Sync() error {
	return ol.ring.Sync()
}

// Close releases the log's file handles.
func (ol *OpLog) Close() error {
	return ol.ring.Close()
}
