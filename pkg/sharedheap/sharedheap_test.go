package sharedheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/domaind/pkg/domainid"
)

func TestAllocWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	heap := New()
	owner := domainid.ID(1)

	id, err := heap.Alloc(16, owner)
	require.NoError(t, err)

	n, err := heap.Write(id, owner, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	dst := make([]byte, 5)
	n, err = heap.Read(id, 0, dst)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst))
}

func TestFreeRejectsMismatchedOwner(t *testing.T) {
	t.Parallel()

	heap := New()
	id, err := heap.Alloc(8, domainid.ID(1))
	require.NoError(t, err)

	err = heap.Free(id, domainid.ID(2))
	require.Error(t, err)

	_, ok := heap.Owner(id)
	assert.True(t, ok, "block must still exist after a rejected free")
}

func TestFreeRemovesBlock(t *testing.T) {
	t.Parallel()

	heap := New()
	owner := domainid.ID(9)
	id, err := heap.Alloc(8, owner)
	require.NoError(t, err)

	require.NoError(t, heap.Free(id, owner))

	_, ok := heap.Owner(id)
	assert.False(t, ok)
}

func TestTransferRebindsOwnerWithoutFreeing(t *testing.T) {
	t.Parallel()

	heap := New()
	oldOwner := domainid.ID(1)
	newOwner := domainid.ID(2)

	id, err := heap.Alloc(8, oldOwner)
	require.NoError(t, err)
	_, err = heap.Write(id, oldOwner, 0, []byte("abc"))
	require.NoError(t, err)

	require.NoError(t, heap.Transfer(id, oldOwner, newOwner))

	gotOwner, ok := heap.Owner(id)
	require.True(t, ok)
	assert.Equal(t, newOwner, gotOwner)

	dst := make([]byte, 3)
	_, err = heap.Read(id, 0, dst)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(dst))

	// The old owner can no longer free or write the transferred block.
	assert.Error(t, heap.Free(id, oldOwner))
	_, err = heap.Write(id, oldOwner, 0, []byte("x"))
	assert.Error(t, err)
}

func TestBlocksOfEnumeratesOwnerBlocks(t *testing.T) {
	t.Parallel()

	heap := New()
	owner := domainid.ID(3)
	other := domainid.ID(4)

	a, err := heap.Alloc(8, owner)
	require.NoError(t, err)
	b, err := heap.Alloc(8, owner)
	require.NoError(t, err)
	_, err = heap.Alloc(8, other)
	require.NoError(t, err)

	ids := heap.BlocksOf(owner)
	assert.ElementsMatch(t, []BlockID{a, b}, ids)
}
