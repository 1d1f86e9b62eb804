package oplog_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupcore/engine/pkg/oplog"
)

type recordingConsumer struct {
	name string

	mu   sync.Mutex
	seen []oplog.Event
}

func newRecordingConsumer(name string) *recordingConsumer {
	return &recordingConsumer{name: name}
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

func TestCommitEventReplaysDirectIntoAllConsumers(t *testing.T) {
	dir := t.TempDir()
	ol, err := oplog.Open(oplog.Config{Path: filepath.Join(dir, "oplog.bin")})
	require.NoError(t, err)
	defer ol.Close()

	a := newRecordingConsumer("a")
	b := newRecordingConsumer("b")
	ol.Register(a)
	ol.Register(b)

	ctx := context.Background()
	logID, err := ol.CommitEvent(ctx, oplog.EventLogEmpty, oplog.LogEmptyPayload{})
	require.NoError(t, err)

	assert.Len(t, a.events(), 1)
	assert.Len(t, b.events(), 1)
	assert.Equal(t, logID, a.events()[0].LogID)
	assert.Equal(t, oplog.Direct, a.events()[0].Ctx.Mode)
}

func TestDirtyStartReplaysEveryRecordInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oplog.bin")

	ol, err := oplog.Open(oplog.Config{Path: path})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := ol.CommitEvent(ctx, oplog.EventOrphanChunks, oplog.OrphanChunksPayload{})
		require.NoError(t, err)
	}
	require.NoError(t, ol.Close())

	// Reopen as if recovering from an unclean shutdown: no consumers were
	// registered during the writes above, so nothing observed them yet.
	reopened, err := oplog.Open(oplog.Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	c := newRecordingConsumer("replay-target")
	reopened.Register(c)

	require.NoError(t, reopened.RunDirtyStart(ctx))

	events := c.events()
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.LogID)
		assert.Equal(t, oplog.DirtyStart, ev.Ctx.Mode)
	}
}

func TestCommitEventStopsOnConsumerError(t *testing.T) {
	dir := t.TempDir()
	ol, err := oplog.Open(oplog.Config{Path: filepath.Join(dir, "oplog.bin")})
	require.NoError(t, err)
	defer ol.Close()

	failing := failingConsumer{name: "failing"}
	ol.Register(failing)

	_, err = ol.CommitEvent(context.Background(), oplog.EventLogEmpty, oplog.LogEmptyPayload{})
	assert.Error(t, err)
}

type failingConsumer struct{ name string }

func (f failingConsumer) Name() string { return f.name }
func (f failingConsumer) Replay(context.Context, oplog.Event) error {
	return assert.AnError
}
