package chunkindex_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedupcore/engine/pkg/chunkindex"
	"github.com/dedupcore/engine/pkg/container"
	"github.com/dedupcore/engine/pkg/fp"
	"github.com/dedupcore/engine/pkg/oplog"
)

type stubReader struct {
	containers map[uint64]*container.Container
}

func (s *stubReader) ReadContainerWithCache(_ context.Context, id uint64) (*container.Container, error) {
	c, ok := s.containers[id]
	if !ok {
		return nil, container.ErrAddressNotFound
	}
	return c, nil
}

func newTestIndex(t *testing.T) (*chunkindex.Index, *oplog.OpLog) {
	t.Helper()
	dir := t.TempDir()

	ol, err := oplog.Open(oplog.Config{Path: filepath.Join(dir, "oplog.bin")})
	require.NoError(t, err)
	t.Cleanup(func() { ol.Close() })

	idx, err := chunkindex.NewIndex(chunkindex.Config{
		Dir:            filepath.Join(dir, "chunkidx"),
		CacheCapacity:  1000,
		FlushThreshold: 0.7,
	}, ol, &stubReader{containers: make(map[uint64]*container.Container)})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return idx, ol
}

func TestPutThenLookupHitsCache(t *testing.T) {
	idx, _ := newTestIndex(t)

	key := fp.Fingerprint([]byte("01234567890123456789"))
	require.NoError(t, idx.Put(chunkindex.Mapping{Fingerprint: key, ContainerID: 7}))

	got, found, err := idx.Lookup(key, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(7), got.ContainerID)
}

func TestEnsurePersistentKeepsWhilePinned(t *testing.T) {
	idx, _ := newTestIndex(t)

	key := fp.Fingerprint([]byte("11111111111111111111"))
	require.NoError(t, idx.Put(chunkindex.Mapping{Fingerprint: key, ContainerID: 3}))

	stillPinned, err := idx.EnsurePersistent(key)
	require.NoError(t, err)
	require.True(t, stillPinned, "a freshly Put entry is pinned until its container commits")

	require.True(t, idx.ChangePinningState(key, false))

	stillPinned, err = idx.EnsurePersistent(key)
	require.NoError(t, err)
	require.False(t, stillPinned)

	got, found, err := idx.Lookup(key, false)
	require.NoError(t, err)
	require.True(t, found, "flushed entry must still resolve via the persistent index")
	require.Equal(t, uint64(3), got.ContainerID)
}

func TestDeleteRemovesFromCacheAndPersistentIndex(t *testing.T) {
	idx, _ := newTestIndex(t)

	key := fp.Fingerprint([]byte("22222222222222222222"))
	require.NoError(t, idx.Put(chunkindex.Mapping{Fingerprint: key, ContainerID: 9}))
	require.True(t, idx.ChangePinningState(key, false))
	_, err := idx.EnsurePersistent(key)
	require.NoError(t, err)

	require.NoError(t, idx.Delete(key))

	_, found, err := idx.Lookup(key, false)
	require.NoError(t, err)
	require.False(t, found)
}

func TestForEachWalksPersistentEntriesOnly(t *testing.T) {
	idx, _ := newTestIndex(t)

	flushed := fp.Fingerprint([]byte("33333333333333333333"))
	require.NoError(t, idx.Put(chunkindex.Mapping{Fingerprint: flushed, ContainerID: 11}))
	require.True(t, idx.ChangePinningState(flushed, false))
	_, err := idx.EnsurePersistent(flushed)
	require.NoError(t, err)

	var seen []chunkindex.Mapping
	require.NoError(t, idx.ForEach(func(m chunkindex.Mapping) error {
		seen = append(seen, m)
		return nil
	}))

	require.Len(t, seen, 1)
	require.Equal(t, uint64(11), seen[0].ContainerID)
}
