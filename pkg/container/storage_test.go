package container_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedupcore/engine/pkg/container"
	"github.com/dedupcore/engine/pkg/fp"
	"github.com/dedupcore/engine/pkg/oplog"
)

func newTestStorage(t *testing.T) *container.Storage {
	t.Helper()
	dir := t.TempDir()

	ol, err := oplog.Open(oplog.Config{Path: filepath.Join(dir, "oplog.bin")})
	require.NoError(t, err)
	t.Cleanup(func() { ol.Close() })

	s, err := container.NewStorage(container.Config{
		Dir:             filepath.Join(dir, "data"),
		MetaIndexDir:    filepath.Join(dir, "meta"),
		ContainerSize:   64 * 1024,
		MaxFileSize:     8 * 1024 * 1024,
		WriteCacheWidth: 4,
		ReadCacheSize:   8,
	}, ol)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestWriteReadRoundtrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	id, c, err := s.GetNewContainerID(ctx)
	require.NoError(t, err)

	key := fp.Fingerprint([]byte("01234567890123456789"))
	payload := []byte("hello dedup world")

	c.Lock()
	require.NoError(t, c.Put(key, payload, id, true))
	c.Unlock()

	require.NoError(t, s.CommitContainer(ctx, id))

	got, err := s.ReadContainerWithCache(ctx, id)
	require.NoError(t, err)

	item, err := got.Find(key)
	require.NoError(t, err)
	require.Equal(t, payload, item.Payload)
}

func TestForEachContainerIDVisitsCommittedID(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	id, c, err := s.GetNewContainerID(ctx)
	require.NoError(t, err)

	c.Lock()
	require.NoError(t, c.Put(fp.Fingerprint([]byte("01234567890123456789")), []byte("payload"), id, true))
	c.Unlock()

	require.NoError(t, s.CommitContainer(ctx, id))

	var seen []uint64
	require.NoError(t, s.ForEachContainerID(func(visited uint64) error {
		seen = append(seen, visited)
		return nil
	}))
	require.Contains(t, seen, id)
}

func TestTryDeleteContainerRequiresEmptyContainer(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	id, c, err := s.GetNewContainerID(ctx)
	require.NoError(t, err)

	key := fp.Fingerprint([]byte("01234567890123456789"))
	c.Lock()
	require.NoError(t, c.Put(key, []byte("data"), id, true))
	c.Unlock()
	require.NoError(t, s.CommitContainer(ctx, id))

	deleted, aborted, err := s.TryDeleteContainer(ctx, id)
	require.NoError(t, err)
	require.False(t, aborted)
	require.False(t, deleted, "container still has a non-deleted item")
}

func TestTryMergeContainerCombinesItems(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	idA, cA, err := s.GetNewContainerID(ctx)
	require.NoError(t, err)
	keyA := fp.Fingerprint([]byte("aaaaaaaaaaaaaaaaaaaa"))
	cA.Lock()
	require.NoError(t, cA.Put(keyA, []byte("payload-a"), idA, true))
	cA.Unlock()
	require.NoError(t, s.CommitContainer(ctx, idA))

	idB, cB, err := s.GetNewContainerID(ctx)
	require.NoError(t, err)
	keyB := fp.Fingerprint([]byte("bbbbbbbbbbbbbbbbbbbb"))
	cB.Lock()
	require.NoError(t, cB.Put(keyB, []byte("payload-b"), idB, true))
	cB.Unlock()
	require.NoError(t, s.CommitContainer(ctx, idB))

	merged, aborted, err := s.TryMergeContainer(ctx, idA, idB)
	require.NoError(t, err)
	require.False(t, aborted)
	require.True(t, merged)

	gotA, err := s.ReadContainerWithCache(ctx, idA)
	require.NoError(t, err)
	itemA, err := gotA.Find(keyA)
	require.NoError(t, err)
	require.Equal(t, []byte("payload-a"), itemA.Payload)

	gotB, err := s.ReadContainerWithCache(ctx, idB)
	require.NoError(t, err)
	itemB, err := gotB.Find(keyB)
	require.NoError(t, err)
	require.Equal(t, []byte("payload-b"), itemB.Payload)

	larger := idA
	if idB > larger {
		larger = idB
	}
	smaller := idA + idB - larger
	_, aborted, err = s.TryMergeContainer(ctx, smaller, larger)
	require.NoError(t, err)
	require.True(t, aborted, "merging an already-redirected id must abort, not re-merge")
}
