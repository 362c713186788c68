package bplusdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testKeyLen, testValLen = 8, 8

func mkKey(i int) []byte {
	buf := make([]byte, testKeyLen)
	Uint64Codec{}.Serialize(buf, uint64(i))
	return buf
}

func TestNodeSerializeRoundTripLeaf(t *testing.T) {
	n := newLeaf(leafID(3), 5)
	for i := 0; i < 3; i++ {
		n.leafInsert(i, mkKey(i), mkKey(i*10))
	}
	n.leftID = leafID(2)
	n.rightID = leafID(4)

	blockSize := serializedSize(true, 5, testKeyLen, testValLen)
	buf := make([]byte, blockSize)
	n.serialize(buf, testKeyLen, testValLen)

	got, err := deserializeNode(buf, testKeyLen, testValLen)
	require.NoError(t, err)
	require.True(t, equalNodes(n, got))
}

func TestNodeSerializeRoundTripInternal(t *testing.T) {
	n := newInternal(internalID(7), 5)
	n.keys = append(n.keys, mkKey(10), mkKey(20))
	n.children = append(n.children, leafID(1), leafID(2), leafID(3))
	n.allocated = 2

	blockSize := serializedSize(false, 5, testKeyLen, testValLen)
	buf := make([]byte, blockSize)
	n.serialize(buf, testKeyLen, testValLen)

	got, err := deserializeNode(buf, testKeyLen, testValLen)
	require.NoError(t, err)
	require.True(t, equalNodes(n, got))
}

func TestDeserializeFreeBlockMarker(t *testing.T) {
	buf := make([]byte, 32)
	_, err := deserializeNode(buf, testKeyLen, testValLen)
	require.ErrorIs(t, err, ErrInvalidNode)
}

func TestFindSlot(t *testing.T) {
	n := newLeaf(leafID(1), 7)
	for i, k := range []int{1, 3, 5, 7} {
		n.leafInsert(i, mkKey(k), mkKey(k))
	}
	require.Equal(t, 0, n.findSlot(mkKey(1), Uint64Codec{}.Compare))
	require.Equal(t, 2, n.findSlot(mkKey(5), Uint64Codec{}.Compare))
	require.Equal(t, -1, n.findSlot(mkKey(0), Uint64Codec{}.Compare))
	require.Equal(t, -3, n.findSlot(mkKey(4), Uint64Codec{}.Compare))
	require.Equal(t, -5, n.findSlot(mkKey(9), Uint64Codec{}.Compare))
}

func TestLeafSplit(t *testing.T) {
	n := newLeaf(leafID(1), 5)
	for i := 0; i < 5; i++ {
		n.leafInsert(i, mkKey(i), mkKey(i))
	}
	n.allocated = 5

	high := newLeaf(leafID(2), 5)
	n.split(high)

	require.EqualValues(t, 2, n.allocated)
	require.EqualValues(t, 3, high.allocated)
	require.Equal(t, n.id, high.leftID)
	require.Equal(t, high.id, n.rightID)
}

func TestCanMergeLeafVsInternal(t *testing.T) {
	order := 5
	leafA := newLeaf(leafID(1), order)
	leafA.allocated = 2
	leafB := newLeaf(leafID(2), order)
	leafB.allocated = 3
	require.True(t, leafA.canMerge(leafB, order))

	internalA := newInternal(internalID(1), order)
	internalA.allocated = 2
	internalB := newInternal(internalID(2), order)
	internalB.allocated = 3
	require.False(t, internalA.canMerge(internalB, order))

	internalB.allocated = 2
	require.True(t, internalA.canMerge(internalB, order))
}
