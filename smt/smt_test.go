package smt

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyTreeRoot(t *testing.T) {
	tree, err := NewTree(8, big.NewInt(0))
	require.NoError(t, err)
	root, err := tree.Root()
	require.NoError(t, err)
	defaults, err := DefaultHashes(8, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, 0, root.Cmp(defaults[8]))

	// another empty leaf value gives another default chain
	other, err := NewTree(8, big.NewInt(1))
	require.NoError(t, err)
	otherRoot, err := other.Root()
	require.NoError(t, err)
	assert.NotEqual(t, 0, root.Cmp(otherRoot))
}

func TestSetRemoveRestoresRoot(t *testing.T) {
	tree, err := NewTree(32, big.NewInt(0))
	require.NoError(t, err)
	emptyRoot, err := tree.Root()
	require.NoError(t, err)

	require.NoError(t, tree.Set(1, big.NewInt(11)))
	require.NoError(t, tree.Set(1<<31, big.NewInt(22)))
	root1, err := tree.Root()
	require.NoError(t, err)
	assert.NotEqual(t, 0, root1.Cmp(emptyRoot))

	require.NoError(t, tree.Remove(1<<31))
	require.NoError(t, tree.Remove(1))
	root2, err := tree.Root()
	require.NoError(t, err)
	assert.Equal(t, 0, root2.Cmp(emptyRoot))
	assert.Empty(t, tree.nodes)
}

func TestRootIndependentOfInsertionOrder(t *testing.T) {
	a, err := NewTree(16, big.NewInt(0))
	require.NoError(t, err)
	b, err := NewTree(16, big.NewInt(0))
	require.NoError(t, err)
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, a.Set(i*7, big.NewInt(int64(i+1))))
	}
	for i := int64(19); i >= 0; i-- {
		require.NoError(t, b.Set(uint64(i)*7, big.NewInt(i+1)))
	}
	rootA, err := a.Root()
	require.NoError(t, err)
	rootB, err := b.Root()
	require.NoError(t, err)
	assert.Equal(t, 0, rootA.Cmp(rootB))
}

func TestMerklePath(t *testing.T) {
	tree, err := NewTree(32, big.NewInt(0))
	require.NoError(t, err)
	leaves := map[uint64]int64{0: 5, 3: 7, 1000: 9, 1<<32 - 1: 13}
	for idx, v := range leaves {
		require.NoError(t, tree.Set(idx, big.NewInt(v)))
	}
	root, err := tree.Root()
	require.NoError(t, err)
	for idx, v := range leaves {
		path, err := tree.MerklePath(idx)
		require.NoError(t, err)
		assert.Equal(t, 32, len(path))
		ok, err := VerifyPath(idx, big.NewInt(v), path, root)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = VerifyPath(idx, big.NewInt(v+1), path, root)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	// absent leaves also have a path to the root
	path, err := tree.MerklePath(4)
	require.NoError(t, err)
	ok, err := VerifyPath(4, big.NewInt(0), path, root)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = tree.MerklePath(1 << 32)
	assert.Error(t, err)
	assert.Error(t, tree.Set(1<<32, big.NewInt(1)))
}

func TestInternalsRoundTrip(t *testing.T) {
	tree, err := NewTree(16, big.NewInt(0))
	require.NoError(t, err)
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, tree.Set(i*31, big.NewInt(int64(i+100))))
	}
	root, err := tree.Root()
	require.NoError(t, err)
	in, err := tree.Internals()
	require.NoError(t, err)

	restored, err := NewTree(16, big.NewInt(0))
	require.NoError(t, err)
	require.NoError(t, restored.RestoreFromInternals(in))
	restoredRoot, err := restored.Root()
	require.NoError(t, err)
	assert.Equal(t, 0, root.Cmp(restoredRoot))
	assert.Equal(t, 0, restored.Leaf(31).Cmp(big.NewInt(101)))

	// the restored tree keeps working incrementally
	require.NoError(t, tree.Set(5, big.NewInt(1)))
	require.NoError(t, restored.Set(5, big.NewInt(1)))
	r1, err := tree.Root()
	require.NoError(t, err)
	r2, err := restored.Root()
	require.NoError(t, err)
	assert.Equal(t, 0, r1.Cmp(r2))

	wrongDepth, err := NewTree(8, big.NewInt(0))
	require.NoError(t, err)
	assert.Error(t, wrongDepth.RestoreFromInternals(in))
}

func TestCopyIsIndependent(t *testing.T) {
	tree, err := NewTree(8, big.NewInt(0))
	require.NoError(t, err)
	require.NoError(t, tree.Set(1, big.NewInt(1)))
	cpy := tree.Copy()
	require.NoError(t, cpy.Set(2, big.NewInt(2)))
	r1, err := tree.Root()
	require.NoError(t, err)
	r2, err := cpy.Root()
	require.NoError(t, err)
	assert.NotEqual(t, 0, r1.Cmp(r2))
	assert.Equal(t, 0, tree.Leaf(2).Sign())
}
