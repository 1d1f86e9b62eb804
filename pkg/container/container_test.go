package container_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedupcore/engine/pkg/container"
	"github.com/dedupcore/engine/pkg/fp"
)

func TestContainerSerializeDeserializeRoundtrip(t *testing.T) {
	c := container.New(42, 4096)

	k1 := fp.Fingerprint([]byte("11111111111111111111"))
	k2 := fp.Fingerprint([]byte("22222222222222222222"))

	require.NoError(t, c.Put(k1, []byte("first payload"), 42, true))
	require.NoError(t, c.Put(k2, []byte("second payload, a bit longer"), 42, false))

	buf, err := c.Serialize()
	require.NoError(t, err)

	back, err := container.Deserialize(buf, 4096)
	require.NoError(t, err)

	require.Equal(t, uint64(42), back.PrimaryID)
	require.Equal(t, 2, back.ItemCount())

	it1, err := back.Find(k1)
	require.NoError(t, err)
	require.Equal(t, []byte("first payload"), it1.Payload)
	require.True(t, it1.IsIndexed)

	it2, err := back.Find(k2)
	require.NoError(t, err)
	require.Equal(t, []byte("second payload, a bit longer"), it2.Payload)
	require.False(t, it2.IsIndexed)
}

func TestContainerMarkDeletedAdjustsActiveDataSize(t *testing.T) {
	c := container.New(1, 4096)
	key := fp.Fingerprint([]byte("33333333333333333333"))
	require.NoError(t, c.Put(key, []byte("payload"), 1, true))

	before := c.ActiveDataSize
	require.NoError(t, c.MarkDeleted(key))
	require.Less(t, c.ActiveDataSize, before)
	require.Equal(t, 0, c.NonDeletedCount())
	require.Equal(t, 1, c.ItemCount())
}

func TestContainerPutFailsOverCapacity(t *testing.T) {
	c := container.New(1, 64)
	key := fp.Fingerprint([]byte("44444444444444444444"))
	err := c.Put(key, make([]byte, 1024), 1, true)
	require.ErrorIs(t, err, container.ErrCapacityExceeded)
}

func TestAllocatorAllocateAndFree(t *testing.T) {
	a := container.NewAllocator(4096, 4096*4)

	fi1, off1 := a.Allocate()
	fi2, off2 := a.Allocate()
	require.NotEqual(t, off1, off2)
	require.Equal(t, fi1, fi2)

	require.NoError(t, a.Free(fi1, off1))
	require.GreaterOrEqual(t, a.FreeSlotCount(), 1)
}
