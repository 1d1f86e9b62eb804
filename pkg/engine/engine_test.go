package engine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedupcore/engine/pkg/engine"
	"github.com/dedupcore/engine/pkg/fp"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()

	cfg := engine.DefaultConfig(dir)
	cfg.BlockSize = 16
	cfg.ContainerSize = 4096
	cfg.Startup.Create = true

	e, err := engine.New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Stop(context.Background(), engine.ShutdownFast) })
	return e
}

func chunk(fpByte byte, payload string) engine.Chunk {
	f := make(fp.Fingerprint, fp.DefaultSize)
	f[0] = fpByte
	return engine.Chunk{Fingerprint: f, Payload: []byte(payload)}
}

func TestWriteReadRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	chunks := []engine.Chunk{chunk(1, "hello"), chunk(2, "world!!!")}
	require.NoError(t, e.WriteBlock(ctx, 42, chunks))

	got, err := e.ReadBlock(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "helloworld!!!\x00\x00\x00", string(got))
}

func TestWriteDeduplicatesRepeatedFingerprint(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.WriteBlock(ctx, 1, []engine.Chunk{chunk(9, "abcdefgh")}))
	require.NoError(t, e.WriteBlock(ctx, 2, []engine.Chunk{chunk(9, "abcdefgh")}))

	got1, err := e.ReadBlock(ctx, 1)
	require.NoError(t, err)
	got2, err := e.ReadBlock(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, got1, got2)
}

func TestReadEmptyBlockReturnsZeroedTemplate(t *testing.T) {
	e := newTestEngine(t)
	got, err := e.ReadBlock(context.Background(), 1000)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), got)
}

func TestOverwriteBumpsVersionAndContent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.WriteBlock(ctx, 7, []engine.Chunk{chunk(1, "aaaaaaaaaaaaaaaa")}))
	require.NoError(t, e.WriteBlock(ctx, 7, []engine.Chunk{chunk(2, "bbbbbbbbbbbbbbbb")}))

	got, err := e.ReadBlock(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbbbbbbbbbb", string(got))
}

func TestDeleteBlockRemovesMapping(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.WriteBlock(ctx, 3, []engine.Chunk{chunk(1, "zzzzzzzzzzzzzzzz")}))
	require.NoError(t, e.DeleteBlock(ctx, 3))

	got, err := e.ReadBlock(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), got)
}

func TestFrontEndOperationsRejectedBeforeStart(t *testing.T) {
	dir := t.TempDir()
	cfg := engine.DefaultConfig(filepath.Join(dir, "store"))
	cfg.Startup.Create = true

	e, err := engine.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background(), engine.ShutdownForced) })

	_, err = e.ReadBlock(context.Background(), 1)
	require.ErrorIs(t, err, engine.ErrEngineNotRunning)
}

func TestShutdownWriteBackThenRestartPreservesData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := engine.DefaultConfig(dir)
	cfg.BlockSize = 16
	cfg.ContainerSize = 4096
	cfg.Startup.Create = true

	e1, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Start(ctx))
	require.NoError(t, e1.WriteBlock(ctx, 5, []engine.Chunk{chunk(3, "persistmepersist")}))
	require.NoError(t, e1.Stop(ctx, engine.ShutdownWriteBack))

	cfg2 := cfg
	cfg2.Startup.Create = false
	e2, err := engine.New(cfg2)
	require.NoError(t, err)
	require.NoError(t, e2.Start(ctx))
	t.Cleanup(func() { _ = e2.Stop(context.Background(), engine.ShutdownFast) })

	got, err := e2.ReadBlock(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, "persistmepersist", string(got))
}
