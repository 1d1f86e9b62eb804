package container

import (
	"context"
	"sort"
	"time"

	"github.com/dedupcore/engine/internal/logger"
)

// GC periodically examines the containers reported to it through
// Consider as merge and delete candidates, per spec.md §4.2 ("Container GC: Background merge of
// low-utilization containers; delete of empty ones"). It drives
// Storage.TryMergeContainer/TryDeleteContainer and tolerates the
// "aborted" no-op outcome those calls may return under lock contention.
type GC struct {
	storage *Storage

	// LowUtilizationFraction marks a container as a merge candidate when
	// its active data size falls below this fraction of capacity.
	LowUtilizationFraction float64

	// candidates is populated through Consider, which the engine wires to
	// the chunk index importer's GC hook; GC consumes it each pass.
	mu         chan struct{} // binary semaphore guarding candidates
	candidates map[uint64]struct{}
}

// NewGC creates a GC bound to storage.
func NewGC(storage *Storage) *GC {
	g := &GC{
		storage:                storage,
		LowUtilizationFraction: 0.5,
		mu:                     make(chan struct{}, 1),
		candidates:             make(map[uint64]struct{}),
	}
	g.mu <- struct{}{}
	return g
}

// Consider registers id as a low-utilization candidate observed by some
// other component (typically the chunk-index importer, which already
// reads every container's item directory).
func (g *GC) Consider(id uint64) {
	<-g.mu
	g.candidates[id] = struct{}{}
	g.mu <- struct{}{}
}

// RunPass attempts to delete empty candidates and merge pairs of
// low-utilization candidates, draining whatever TryMergeContainer and
// TryDeleteContainer could not complete back into the candidate set for
// the next pass.
func (g *GC) RunPass(ctx context.Context) {
	<-g.mu
	ids := make([]uint64, 0, len(g.candidates))
	for id := range g.candidates {
		ids = append(ids, id)
	}
	g.candidates = make(map[uint64]struct{})
	g.mu <- struct{}{}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var mergeable []uint64
	for _, id := range ids {
		c, err := g.storage.ReadContainerWithCache(ctx, id)
		if err != nil {
			continue
		}

		if c.NonDeletedCount() == 0 {
			deleted, aborted, err := g.storage.TryDeleteContainer(ctx, id)
			if err != nil {
				logger.ErrorCtx(ctx, "container gc: delete failed", "container_id", id, "error", err)
			}
			if aborted || (!deleted && !aborted) {
				g.Consider(id)
			}
			continue
		}

		util := float64(c.ActiveDataSize) / float64(g.storage.cfg.ContainerSize)
		if util < g.LowUtilizationFraction {
			mergeable = append(mergeable, id)
		}
	}

	for len(mergeable) >= 2 {
		a, b := mergeable[0], mergeable[1]
		mergeable = mergeable[2:]

		merged, aborted, err := g.storage.TryMergeContainer(ctx, a, b)
		if err != nil {
			logger.ErrorCtx(ctx, "container gc: merge failed", "first", a, "second", b, "error", err)
			continue
		}
		if aborted {
			g.Consider(a)
			g.Consider(b)
			continue
		}
		if merged {
			logger.DebugCtx(ctx, "container gc: merged containers", "first", a, "second", b)
		}
	}
}

// OnMerge implements MergeHook: once a merge resolves two old ids into a
// new primary, those old ids are no longer containers GC should attempt
// to act on directly (spec.md §4.2, "invokes allocator.OnMerge and
// gc.OnMerge to free the two old addresses").
func (g *GC) OnMerge(oldPrimaryID, oldSecondaryID uint64) {
	<-g.mu
	delete(g.candidates, oldPrimaryID)
	delete(g.candidates, oldSecondaryID)
	g.mu <- struct{}{}
}

// Start launches a ticking loop running RunPass at the given interval
// until ctx is cancelled.
func (g *GC) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.RunPass(ctx)
			}
		}
	}()
}
