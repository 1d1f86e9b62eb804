// Package replay implements the Replay Coordinator of spec.md §4.5: it
// drives the DirtyStart pass at boot and owns the continuous Background
// replay worker once the engine is running.
package replay

import (
	"context"
	"time"

	"github.com/dedupcore/engine/internal/logger"
	"github.com/dedupcore/engine/pkg/oplog"
)

// Coordinator drives both replay modes over a shared OpLog.
type Coordinator struct {
	ol         *oplog.OpLog
	background *oplog.BackgroundReplayer
}

// New creates a coordinator over ol. interval controls how often the
// background worker polls for newly committed events once started.
func New(ol *oplog.OpLog, interval time.Duration) *Coordinator {
	return &Coordinator{
		ol:         ol,
		background: oplog.NewBackgroundReplayer(ol, interval, 0),
	}
}

// RunDirtyStart performs the startup recovery pass: emits ReplayStarted,
// replays every record into every registered consumer in order, then
// emits ReplayStopped(DirtyStart, success) (spec.md §4.5).
func (c *Coordinator) RunDirtyStart(ctx context.Context) error {
	logger.InfoCtx(ctx, "replay: starting dirty-start recovery")

	if _, err := c.ol.CommitEvent(ctx, oplog.EventReplayStarted, oplog.ReplayStartedPayload{FullLogReplay: true}); err != nil {
		return err
	}

	runErr := c.ol.RunDirtyStart(ctx)

	success := runErr == nil
	if _, err := c.ol.CommitEvent(ctx, oplog.EventReplayStopped, oplog.ReplayStoppedPayload{
		ReplayType: oplog.DirtyStart,
		Success:    success,
	}); err != nil {
		return err
	}

	if runErr != nil {
		logger.ErrorCtx(ctx, "replay: dirty-start recovery failed", "error", runErr)
		return runErr
	}

	logger.InfoCtx(ctx, "replay: dirty-start recovery complete")
	return nil
}

// StartBackground launches the continuous low-priority replay worker
// once the engine is RUNNING (spec.md §4.5, "Background replay runs
// continuously once the system is RUNNING, throttled against writer
// throughput").
func (c *Coordinator) StartBackground(ctx context.Context) {
	c.background.Start(ctx)
}

// StopBackground halts the background worker, used by graceful shutdown.
func (c *Coordinator) StopBackground() {
	c.background.Stop()
}
