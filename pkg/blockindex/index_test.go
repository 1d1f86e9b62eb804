package blockindex_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedupcore/engine/pkg/blockindex"
	"github.com/dedupcore/engine/pkg/chunkindex"
	"github.com/dedupcore/engine/pkg/container"
	"github.com/dedupcore/engine/pkg/oplog"
)

type stubChecker struct {
	states map[uint64]container.CommitState
}

func (s *stubChecker) CommitState(id uint64) container.CommitState {
	return s.states[id]
}

func newTestBlockIndex(t *testing.T) (*blockindex.Index, *stubChecker, *oplog.OpLog) {
	t.Helper()
	dir := t.TempDir()

	ol, err := oplog.Open(oplog.Config{Path: filepath.Join(dir, "oplog.bin")})
	require.NoError(t, err)
	t.Cleanup(func() { ol.Close() })

	chunks, err := chunkindex.NewIndex(chunkindex.Config{
		Dir:           filepath.Join(dir, "chunks"),
		CacheCapacity: 100,
	}, ol, nil)
	require.NoError(t, err)
	t.Cleanup(func() { chunks.Close() })

	checker := &stubChecker{states: make(map[uint64]container.CommitState)}

	idx, err := blockindex.NewIndex(blockindex.Config{
		Dir:       filepath.Join(dir, "blocks"),
		BlockSize: 4096,
	}, ol, chunks, checker)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return idx, checker, ol
}

func TestReadBlockInfoReturnsEmptyTemplateWhenUnknown(t *testing.T) {
	idx, _, _ := newTestBlockIndex(t)

	m, source, err := idx.ReadBlockInfo(nil, 99)
	require.NoError(t, err)
	require.Equal(t, blockindex.SourceNotFound, source)
	require.True(t, m.Empty())
}

func TestStoreBlockThenReadBlockInfoHitsAuxiliary(t *testing.T) {
	idx, _, _ := newTestBlockIndex(t)
	ctx := context.Background()

	updated := blockindex.Mapping{BlockID: 1, Version: 1, BlockSize: 4096}
	require.NoError(t, idx.StoreBlock(ctx, blockindex.Mapping{BlockID: 1}, updated))

	m, source, err := idx.ReadBlockInfo(nil, 1)
	require.NoError(t, err)
	require.Equal(t, blockindex.SourceAux, source)
	require.Equal(t, uint64(1), m.Version)
}

func TestRunImporterPassMigratesReadyEntryToPersistentIndex(t *testing.T) {
	idx, checker, ol := newTestBlockIndex(t)
	ctx := context.Background()

	containerID := uint64(5)
	updated := blockindex.Mapping{
		BlockID:   2,
		Version:   1,
		BlockSize: 4096,
		Items: []blockindex.Item{
			{Fingerprint: []byte("01234567890123456789"), DataAddress: containerID},
		},
	}
	require.NoError(t, idx.StoreBlock(ctx, blockindex.Mapping{BlockID: 2}, updated))

	checker.states[containerID] = container.StateCommitted
	_, err := ol.CommitEvent(ctx, oplog.EventContainerCommitted, oplog.ContainerCommittedPayload{ContainerID: containerID})
	require.NoError(t, err)

	require.NoError(t, idx.RunImporterPass(ctx))

	m, source, err := idx.ReadBlockInfo(nil, 2)
	require.NoError(t, err)
	require.Equal(t, blockindex.SourceMain, source)
	require.Equal(t, uint64(1), m.Version)
}

func TestContainerCommitFailedRollsBackVolatileEntry(t *testing.T) {
	idx, _, ol := newTestBlockIndex(t)
	ctx := context.Background()

	containerID := uint64(9)
	previous := blockindex.Mapping{BlockID: 3, Version: 1, BlockSize: 4096}
	updated := blockindex.Mapping{
		BlockID:   3,
		Version:   2,
		BlockSize: 4096,
		Items: []blockindex.Item{
			{Fingerprint: []byte("01234567890123456789"), DataAddress: containerID},
		},
	}
	require.NoError(t, idx.StoreBlock(ctx, previous, updated))

	m, source, err := idx.ReadBlockInfo(nil, 3)
	require.NoError(t, err)
	require.Equal(t, blockindex.SourceAux, source)
	require.Equal(t, uint64(2), m.Version)

	_, err = ol.CommitEvent(ctx, oplog.EventContainerCommitFailed, oplog.ContainerCommitFailedPayload{ContainerID: containerID})
	require.NoError(t, err)

	m, source, err = idx.ReadBlockInfo(nil, 3)
	require.NoError(t, err)
	require.Equal(t, blockindex.SourceAux, source)
	require.Equal(t, uint64(1), m.Version, "rolled back to the pre-write mapping")
}

func TestForEachWalksPersistentMappingsOnly(t *testing.T) {
	idx, checker, ol := newTestBlockIndex(t)
	ctx := context.Background()

	containerID := uint64(5)
	updated := blockindex.Mapping{
		BlockID:   2,
		Version:   1,
		BlockSize: 4096,
		Items: []blockindex.Item{
			{Fingerprint: []byte("01234567890123456789"), DataAddress: containerID},
		},
	}
	require.NoError(t, idx.StoreBlock(ctx, blockindex.Mapping{BlockID: 2}, updated))

	// Not yet imported: ForEach should see nothing.
	var before []blockindex.Mapping
	require.NoError(t, idx.ForEach(func(m blockindex.Mapping) error {
		before = append(before, m)
		return nil
	}))
	require.Empty(t, before)

	checker.states[containerID] = container.StateCommitted
	_, err := ol.CommitEvent(ctx, oplog.EventContainerCommitted, oplog.ContainerCommittedPayload{ContainerID: containerID})
	require.NoError(t, err)
	require.NoError(t, idx.RunImporterPass(ctx))

	var after []blockindex.Mapping
	require.NoError(t, idx.ForEach(func(m blockindex.Mapping) error {
		after = append(after, m)
		return nil
	}))
	require.Len(t, after, 1)
	require.Equal(t, uint64(2), after[0].BlockID)
}
