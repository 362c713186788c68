package bplusdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestTree(t *testing.T, opts ...Option) *Tree[int64, int64] {
	t.Helper()
	dir := t.TempDir()
	base := append([]Option{WithFilename(filepath.Join(dir, "data"))}, opts...)
	tree, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{}, base...)
	require.NoError(t, err)
	require.NoError(t, tree.Open())
	return tree
}

func TestOrderedInsertionAndIteration(t *testing.T) {
	tree := openTestTree(t)
	defer tree.Close()

	keys := []int64{5, 7, -11, 111, 0}
	values := []int64{0, 1, 2, 3, 4}
	for i, k := range keys {
		_, err := tree.Put(k, values[i])
		require.NoError(t, err)
	}

	require.NoError(t, tree.Sync())

	v, ok, err := tree.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, v)

	removed, err := tree.Remove(7)
	require.NoError(t, err)
	require.True(t, removed)

	it, err := tree.Iterator()
	require.NoError(t, err)
	var got []TreeEntry[int64, int64]
	for it.HasNext() {
		e, err := it.Next()
		require.NoError(t, err)
		got = append(got, e)
	}
	require.Len(t, got, 4)
	require.EqualValues(t, -11, got[0].Key)
	require.EqualValues(t, 2, got[0].Value)
	require.EqualValues(t, 0, got[1].Key)
	require.EqualValues(t, 4, got[1].Value)
	require.EqualValues(t, 5, got[2].Key)
	require.EqualValues(t, 0, got[2].Value)
	require.EqualValues(t, 111, got[3].Key)
	require.EqualValues(t, 3, got[3].Value)

	first, ok, err := tree.FirstKey()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, -11, first)

	last, ok, err := tree.LastKey()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 111, last)
}

func TestSplitCascade(t *testing.T) {
	tree := openTestTree(t, WithAutoTune(false), WithBlockSize(5))
	defer tree.Close()

	for i := int64(1); i <= 20; i++ {
		_, err := tree.Put(i, i*10)
		require.NoError(t, err)
	}

	h, err := tree.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, h, 2)

	it, err := tree.Iterator()
	require.NoError(t, err)
	var i int64 = 1
	for it.HasNext() {
		e, err := it.Next()
		require.NoError(t, err)
		require.Equal(t, i, e.Key)
		i++
	}
	require.EqualValues(t, 21, i)
}

func TestMergeCascade(t *testing.T) {
	tree := openTestTree(t, WithAutoTune(false), WithBlockSize(5))
	defer tree.Close()

	for i := int64(1); i <= 20; i++ {
		_, err := tree.Put(i, i)
		require.NoError(t, err)
	}
	for i := int64(1); i <= 15; i++ {
		removed, err := tree.Remove(i)
		require.NoError(t, err)
		require.True(t, removed)
	}

	size, err := tree.Size()
	require.NoError(t, err)
	require.Equal(t, 5, size)

	first, ok, err := tree.FirstKey()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 16, first)

	last, ok, err := tree.LastKey()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 20, last)
}

func TestSplitRepairsOldRightSiblingBackPointer(t *testing.T) {
	tree := openTestTree(t, WithAutoTune(false), WithBlockSize(5))
	defer tree.Close()

	// First split: the five keys 100..500 overflow one leaf into
	// [100 200] <-> [300 400 500]. Inserting 10, 20, 30 then splits the
	// LEFT leaf into [10 20] <-> [30 100 200] while the leaf produced by
	// the first split is still its right neighbor.
	for _, k := range []int64{100, 200, 300, 400, 500} {
		_, err := tree.Put(k, k)
		require.NoError(t, err)
	}
	for _, k := range []int64{10, 20, 30} {
		_, err := tree.Put(k, k)
		require.NoError(t, err)
	}

	lower, ok, err := tree.Lower(300)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 200, lower)

	floor, ok, err := tree.Floor(300)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 300, floor)
}

func TestRemovingMiddleLeafKeepsChainConsistent(t *testing.T) {
	tree := openTestTree(t, WithAutoTune(false), WithBlockSize(5))
	defer tree.Close()

	for _, k := range []int64{100, 200, 300, 400, 500} {
		_, err := tree.Put(k, k)
		require.NoError(t, err)
	}
	for _, k := range []int64{10, 20, 30} {
		_, err := tree.Put(k, k)
		require.NoError(t, err)
	}

	for _, k := range []int64{30, 100, 200} {
		removed, err := tree.Remove(k)
		require.NoError(t, err)
		require.True(t, removed)
	}

	it, err := tree.Iterator()
	require.NoError(t, err)
	var got []int64
	for it.HasNext() {
		e, err := it.Next()
		require.NoError(t, err)
		got = append(got, e.Key)
	}
	require.Equal(t, []int64{10, 20, 300, 400, 500}, got)

	first, ok, err := tree.FirstKey()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 10, first)

	last, ok, err := tree.LastKey()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 500, last)
}

func TestMergedBlockZeroFilledSurvivesRecovery(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "data")

	tree, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{},
		WithFilename(filename), WithAutoTune(false), WithBlockSize(5))
	require.NoError(t, err)
	require.NoError(t, tree.Open())

	for i := int64(1); i <= 20; i++ {
		_, err := tree.Put(i, i)
		require.NoError(t, err)
	}
	for i := int64(1); i <= 15; i++ {
		removed, err := tree.Remove(i)
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.NoError(t, tree.Sync())
	// Simulate a crash: abandon without Close, leaving the unclean flag
	// set and the merged-away blocks' fate resting on whatever flushDirty
	// wrote for them during Sync.

	reopened, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{},
		WithFilename(filename), WithAutoTune(false), WithBlockSize(5))
	require.NoError(t, err)
	err = reopened.Open()
	require.ErrorIs(t, err, ErrInvalidData)

	require.NoError(t, reopened.Recovery())
	require.NoError(t, reopened.Open())
	defer reopened.Close()

	for i := int64(1); i <= 15; i++ {
		_, ok, err := reopened.Get(i)
		require.NoError(t, err)
		require.False(t, ok, "removed key %d resurrected by recovery", i)
	}
	for i := int64(16); i <= 20; i++ {
		v, ok, err := reopened.Get(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, i, v)
	}

	size, err := reopened.Size()
	require.NoError(t, err)
	require.Equal(t, 5, size)
}

func TestPutUpdateReturnsFalse(t *testing.T) {
	tree := openTestTree(t)
	defer tree.Close()

	inserted, err := tree.Put(1, 100)
	require.NoError(t, err)
	require.True(t, inserted)

	replaced, err := tree.Put(1, 200)
	require.NoError(t, err)
	require.False(t, replaced)

	v, ok, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 200, v)

	size, err := tree.Size()
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestPutRemoveEmpties(t *testing.T) {
	tree := openTestTree(t)
	defer tree.Close()

	_, err := tree.Put(42, 1)
	require.NoError(t, err)
	removed, err := tree.Remove(42)
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err := tree.Get(42)
	require.NoError(t, err)
	require.False(t, ok)

	size, err := tree.Size()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestEndpointProbes(t *testing.T) {
	tree := openTestTree(t)
	defer tree.Close()

	keys := []int64{5, 7, -11, 111, 0}
	for _, k := range keys {
		_, err := tree.Put(k, k)
		require.NoError(t, err)
	}
	_, err := tree.Remove(7)
	require.NoError(t, err)

	c, ok, err := tree.Ceiling(4)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 5, c)

	f, ok, err := tree.Floor(4)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, f)

	h, ok, err := tree.Higher(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 111, h)

	l, ok, err := tree.Lower(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, l)

	_, ok, err = tree.Ceiling(1000)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = tree.Floor(-1000)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFreeBlockReuse(t *testing.T) {
	tree := openTestTree(t, WithAutoTune(false), WithBlockSize(5))
	defer tree.Close()

	const n = 400
	for i := int64(0); i < n; i++ {
		_, err := tree.Put(i, i)
		require.NoError(t, err)
	}
	for i := int64(0); i < n/2; i++ {
		_, err := tree.Remove(i)
		require.NoError(t, err)
	}
	require.NoError(t, tree.Sync())

	stats, err := tree.Stats()
	require.NoError(t, err)
	require.Positive(t, stats.FreeBlocks)

	blockBefore := stats.StorageBlock
	freeBefore := stats.FreeBlocks

	for i := n; i < n+10; i++ {
		_, err := tree.Put(int64(i), int64(i))
		require.NoError(t, err)
	}

	stats, err = tree.Stats()
	require.NoError(t, err)
	require.LessOrEqual(t, stats.StorageBlock, blockBefore+10)
	require.Less(t, stats.FreeBlocks, freeBefore)
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "data")

	tree, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{}, WithFilename(filename))
	require.NoError(t, err)
	require.NoError(t, tree.Open())

	for i := int64(0); i < 100; i++ {
		_, err := tree.Put(i, i)
		require.NoError(t, err)
	}
	require.NoError(t, tree.Sync())

	for i := int64(100); i < 110; i++ {
		_, err := tree.Put(i, i)
		require.NoError(t, err)
	}
	// Simulate a crash: abandon the tree without calling Close, so the
	// metadata block is left with the unclean flag set from Open/Sync.

	reopened, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{}, WithFilename(filename))
	require.NoError(t, err)
	err = reopened.Open()
	require.ErrorIs(t, err, ErrInvalidData)

	require.NoError(t, reopened.Recovery())
	require.NoError(t, reopened.Open())
	defer reopened.Close()

	for i := int64(0); i < 110; i++ {
		v, ok, err := reopened.Get(i)
		require.NoError(t, err)
		require.True(t, ok, "key %d missing after recovery", i)
		require.EqualValues(t, i, v)
	}
}

func TestPersistenceAcrossCloseOpen(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "data")

	tree, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{}, WithFilename(filename))
	require.NoError(t, err)
	require.NoError(t, tree.Open())
	for i := int64(0); i < 50; i++ {
		_, err := tree.Put(i, i*2)
		require.NoError(t, err)
	}
	require.NoError(t, tree.Close())

	reopened, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{}, WithFilename(filename))
	require.NoError(t, err)
	require.NoError(t, reopened.Open())
	defer reopened.Close()

	for i := int64(0); i < 50; i++ {
		v, ok, err := reopened.Get(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, i*2, v)
	}
}

func TestClosedTreeReturnsInvalidState(t *testing.T) {
	tree := openTestTree(t)
	require.NoError(t, tree.Close())

	_, _, err := tree.Get(1)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = tree.Put(1, 1)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestBlockSizeTooSmallRejectedOnOpen(t *testing.T) {
	dir := t.TempDir()
	tree, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{},
		WithFilename(filepath.Join(dir, "data")), WithBlockSize(16))
	require.NoError(t, err)
	err = tree.Open()
	require.ErrorIs(t, err, ErrBlockSizeTooSmall)
}

func TestMmapBackedTreePersists(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "data")

	tree, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{},
		WithFilename(filename), WithMmap(true))
	require.NoError(t, err)
	require.NoError(t, tree.Open())
	for i := int64(0); i < 50; i++ {
		_, err := tree.Put(i, i*3)
		require.NoError(t, err)
	}
	require.NoError(t, tree.Close())

	reopened, err := NewTree[int64, int64](Int64Codec{}, Int64Codec{},
		WithFilename(filename), WithMmap(true))
	require.NoError(t, err)
	require.NoError(t, reopened.Open())
	defer reopened.Close()

	for i := int64(0); i < 50; i++ {
		v, ok, err := reopened.Get(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.EqualValues(t, i*3, v)
	}
}

func TestKeySetAndValues(t *testing.T) {
	tree := openTestTree(t)
	defer tree.Close()

	for i := int64(0); i < 10; i++ {
		_, err := tree.Put(i, i*i)
		require.NoError(t, err)
	}

	keys, err := tree.KeySet()
	require.NoError(t, err)
	require.Len(t, keys, 10)

	values, err := tree.Values()
	require.NoError(t, err)
	require.Len(t, values, 10)
	require.EqualValues(t, 81, values[9])
}
