package oplog

import (
	"context"
	"sync"
	"time"

	"github.com/dedupcore/engine/internal/logger"
)

// BackgroundReplayer continuously drains committed events into consumers
// under Background mode, the low-priority worker spec.md §4.1 describes
// for persistence work that Direct replay must not perform inline (e.g.
// chunk-index entry persistence, block-index auxiliary-index flushing).
// Its start/stop lifecycle follows the teacher's transfer.TransferQueue
// (a stop channel and a stopped channel) rather than a raw goroutine.
type BackgroundReplayer struct {
	ol       *OpLog
	interval time.Duration
	cursor   uint64

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewBackgroundReplayer creates a replayer that polls the log every
// interval starting from the given cursor (the log id immediately after
// the last Background-replayed record).
func NewBackgroundReplayer(ol *OpLog, interval time.Duration, cursor uint64) *BackgroundReplayer {
	return &BackgroundReplayer{ol: ol, interval: interval, cursor: cursor}
}

// Start launches the background polling loop. It is a no-op if already
// running.
func (b *BackgroundReplayer) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.stopped = make(chan struct{})

	go b.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish its current
// pass.
func (b *BackgroundReplayer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	stopCh := b.stopCh
	stopped := b.stopped
	b.running = false
	b.mu.Unlock()

	close(stopCh)
	<-stopped
}

func (b *BackgroundReplayer) loop(ctx context.Context) {
	defer close(b.stopped)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.drain(ctx); err != nil {
				logger.ErrorCtx(ctx, "oplog: background replay pass failed", "error", err)
			}
		}
	}
}

func (b *BackgroundReplayer) drain(ctx context.Context) error {
	records, err := b.ol.Records()
	if err != nil {
		return err
	}

	b.ol.mu.RLock()
	consumers := make([]Consumer, len(b.ol.consumers))
	copy(consumers, b.ol.consumers)
	b.ol.mu.RUnlock()

	drained := 0
	for _, rec := range records {
		if rec.LogID < b.cursor {
			continue
		}
		ev := Event{
			LogID:   rec.LogID,
			Type:    rec.Type,
			Payload: rec.Payload,
			Ctx:     ReplayContext{LogID: rec.LogID, Mode: Background},
		}
		for _, c := range consumers {
			if err := c.Replay(ctx, ev); err != nil {
				return err
			}
		}
		b.cursor = rec.LogID + 1
		drained++
	}

	if drained > 0 {
		logger.DebugCtx(ctx, "oplog: background replay drained records", "count", drained, "cursor", b.cursor)
	}

	return nil
}

// Cursor returns the next log id the replayer will consider, used to
// persist a checkpoint across restarts.
func (b *BackgroundReplayer) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}
