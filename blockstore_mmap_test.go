//go:build linux || darwin

package bplusdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMmapBlockStoreGetSetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := openMmapBlockStore(dir+"/x.data", 64)
	require.NoError(t, err)
	defer s.Close()

	buf := getBuffer(64, true)
	buf[0] = 0xAB
	require.NoError(t, s.Set(3, buf))

	got, err := s.Get(3)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got[0])
	// The file grows in whole segments, so it now holds one full segment.
	require.EqualValues(t, mmapSegmentPages, s.SizeInBlocks())
}

func TestMmapBlockStoreSpansMultipleSegments(t *testing.T) {
	dir := t.TempDir()
	s, err := openMmapBlockStore(dir+"/x.data", 32)
	require.NoError(t, err)
	defer s.Close()

	idx := int32(mmapSegmentPages + 5)
	buf := getBuffer(32, true)
	buf[0] = 0x7F
	require.NoError(t, s.Set(idx, buf))
	require.NoError(t, s.Sync())

	got, err := s.Get(idx)
	require.NoError(t, err)
	require.Equal(t, byte(0x7F), got[0])
	// Segments are mapped lazily: only the second segment, which holds
	// idx, has been mapped.
	require.Len(t, s.segments, 1)
}

func TestMmapBlockStoreClosedIsInvalidState(t *testing.T) {
	dir := t.TempDir()
	s, err := openMmapBlockStore(dir+"/x.data", 64)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(0)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestOpenBlockStoreSelectsMmap(t *testing.T) {
	dir := t.TempDir()
	s, err := openBlockStore(true, dir+"/x.data", 64)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(*mmapBlockStore)
	require.True(t, ok)
}
