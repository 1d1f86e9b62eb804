package replay_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dedupcore/engine/pkg/oplog"
	"github.com/dedupcore/engine/pkg/replay"
)

type recordingConsumer struct {
	name string

	mu   sync.Mutex
	seen []oplog.Event
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Replay(_ context.Context, ev oplog.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, ev)
	return nil
}

func (c *recordingConsumer) events() []oplog.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]oplog.Event, len(c.seen))
	copy(out, c.seen)
	return out
}

func TestRunDirtyStartReplaysHistoryThenBracketsWithReplayEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oplog.bin")
	ctx := context.Background()

	seed, err := oplog.Open(oplog.Config{Path: path})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := seed.CommitEvent(ctx, oplog.EventOrphanChunks, oplog.OrphanChunksPayload{})
		require.NoError(t, err)
	}
	require.NoError(t, seed.Close())

	ol, err := oplog.Open(oplog.Config{Path: path})
	require.NoError(t, err)
	defer ol.Close()

	consumer := &recordingConsumer{name: "test-consumer"}
	ol.Register(consumer)

	coordinator := replay.New(ol, time.Millisecond)
	require.NoError(t, coordinator.RunDirtyStart(ctx))

	events := consumer.events()
	// ReplayStarted (dispatched directly) + 3 seeded records + the
	// ReplayStarted record replayed from the log + ReplayStopped
	require.Len(t, events, 6)

	require.Equal(t, oplog.EventReplayStarted, events[0].Type)
	require.Equal(t, oplog.Direct, events[0].Ctx.Mode)

	for _, ev := range events[1:4] {
		require.Equal(t, oplog.EventOrphanChunks, ev.Type)
		require.Equal(t, oplog.DirtyStart, ev.Ctx.Mode)
	}

	require.Equal(t, oplog.EventReplayStarted, events[4].Type)
	require.Equal(t, oplog.DirtyStart, events[4].Ctx.Mode)

	last := events[len(events)-1]
	require.Equal(t, oplog.EventReplayStopped, last.Type)
	stopped := last.Payload.(oplog.ReplayStoppedPayload)
	require.Equal(t, oplog.DirtyStart, stopped.ReplayType)
	require.True(t, stopped.Success)
}

func TestStartStopBackgroundIsIdempotentAndSafeWithoutCommits(t *testing.T) {
	dir := t.TempDir()
	ol, err := oplog.Open(oplog.Config{Path: filepath.Join(dir, "oplog.bin")})
	require.NoError(t, err)
	defer ol.Close()

	coordinator := replay.New(ol, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator.StartBackground(ctx)
	time.Sleep(5 * time.Millisecond)
	coordinator.StopBackground()
}
