//go:build linux || darwin

package bplusdb

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapSegmentPages is the number of blocks per mapped segment.
const mmapSegmentPages = 1024

// mmapBlockStore implements blockStore over segmented memory mapping, the
// optional 64-bit-host I/O path. Segments are mapped lazily on first
// access, explicitly msync'd on Sync, and msync'd and munmap'd on Close,
// Truncate and Delete, tracking
// every mapped segment under a mutex instead of relying on OS write-back
// alone.
type mmapBlockStore struct {
	mu sync.Mutex
	file *os.File
	path string
	blockSize int
	segBytes int64
	segments map[int]*mmapSegment
	closed bool
	onSync func(offset int64)
}

type mmapSegment struct {
	data []byte
}

// openBlockStore selects between the segmented mmap store and plain
// positional I/O based on useMmap. Only this build (linux, darwin)
// offers mmap; other platforms always use fileBlockStore regardless of
// the option, see blockstore_other.go.
func openBlockStore(useMmap bool, path string, blockSize int) (blockStore, error) {
	if useMmap {
		return openMmapBlockStore(path, blockSize)
	}
	return openFileBlockStore(path, blockSize)
}

func openMmapBlockStore(path string, blockSize int) (*mmapBlockStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIo, path, err)
	}
	return &mmapBlockStore{
		file: f,
		path: path,
		blockSize: blockSize,
		segBytes: int64(blockSize) * mmapSegmentPages,
		segments: make(map[int]*mmapSegment),
	}, nil
}

func (s *mmapBlockStore) segmentFor(index int32) (*mmapSegment, int64, error) {
	segIdx := int(index) / mmapSegmentPages
	segOff := int64(int(index)%mmapSegmentPages) * int64(s.blockSize)

	if seg, ok := s.segments[segIdx]; ok {
		return seg, segOff, nil
	}

	need := int64(segIdx+1) * s.segBytes
	info, err := s.file.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: stat %s: %v", ErrIo, s.path, err)
	}
	if info.Size() < need {
		if err := s.file.Truncate(need); err != nil {
			return nil, 0, fmt.Errorf("%w: grow %s: %v", ErrIo, s.path, err)
		}
	}

	data, err := unix.Mmap(int(s.file.Fd()), int64(segIdx)*s.segBytes, int(s.segBytes),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: mmap segment %d: %v", ErrIo, segIdx, err)
	}
	seg := &mmapSegment{data: data}
	s.segments[segIdx] = seg
	return seg, segOff, nil
}

func (s *mmapBlockStore) Get(index int32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrInvalidState
	}
	seg, off, err := s.segmentFor(index)
	if err != nil {
		return nil, err
	}
	buf := getBuffer(s.blockSize, true)
	copy(buf, seg.data[off:off+int64(s.blockSize)])
	return buf, nil
}

func (s *mmapBlockStore) Set(index int32, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrInvalidState
	}
	seg, off, err := s.segmentFor(index)
	if err != nil {
		return err
	}
	copy(seg.data[off:off+int64(s.blockSize)], buf)
	putBuffer(s.blockSize, true, buf)
	return nil
}

// Sync forces every mapped segment in ascending index order.
func (s *mmapBlockStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrInvalidState
	}
	idxs := make([]int, 0, len(s.segments))
	for i := range s.segments {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		if err := unix.Msync(s.segments[i].data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("%w: msync segment %d: %v", ErrIo, i, err)
		}
	}
	if s.onSync != nil {
		info, _ := s.file.Stat()
		var size int64
		if info != nil {
			size = info.Size()
		}
		s.onSync(size)
	}
	return nil
}

func (s *mmapBlockStore) SizeInBlocks() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.file.Stat()
	if err != nil {
		return 0
	}
	return int32(info.Size() / int64(s.blockSize))
}

func (s *mmapBlockStore) Truncate(blocks int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrInvalidState
	}
	s.unmapAllLocked()
	if err := s.file.Truncate(int64(blocks) * int64(s.blockSize)); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrIo, s.path, err)
	}
	return nil
}

func (s *mmapBlockStore) Clear() error {
	return s.Truncate(0)
}

func (s *mmapBlockStore) unmapAllLocked() {
	idxs := make([]int, 0, len(s.segments))
	for i := range s.segments {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		seg := s.segments[i]
		_ = unix.Msync(seg.data, unix.MS_SYNC)
		_ = unix.Munmap(seg.data)
		delete(s.segments, i)
	}
}

func (s *mmapBlockStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmapAllLocked()
	_ = s.file.Close()
	s.closed = true
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", ErrIo, s.path, err)
	}
	return nil
}

func (s *mmapBlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.unmapAllLocked()
	s.closed = true
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIo, s.path, err)
	}
	return nil
}
