package infostore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedupcore/engine/pkg/infostore"
)

func TestLastGivenContainerIDRoundtrip(t *testing.T) {
	s, err := infostore.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetLastGivenContainerID(42))
	got, err := s.LastGivenContainerID()
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}

func TestEnsureSuperblockIsStable(t *testing.T) {
	s, err := infostore.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	first, err := s.EnsureSuperblock()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := s.EnsureSuperblock()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestFileMetadataRoundtrip(t *testing.T) {
	s, err := infostore.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	meta := infostore.FileMetadata{FileIndex: 3, SizeBytes: 1024, Sealed: true}
	require.NoError(t, s.SetFileMetadata(meta))

	got, found, err := s.GetFileMetadata(3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, meta, got)
}
