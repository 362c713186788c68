package bplusdb

import "sync"

// bufferPoolKey identifies a generational buffer pool by block size and
// I/O path (positional vs. direct/mmap), per "generational buffer
// pool" design note: a single global, concurrency-safe pool keyed by
// (block_size, direct?).
type bufferPoolKey struct {
	blockSize int
	direct bool
}

type bufferPool struct {
	pool sync.Pool
	created int64 // buffers ever allocated; the pool never shrinks
	mu sync.Mutex
}

var (
	poolsMu sync.Mutex
	pools = map[bufferPoolKey]*bufferPool{}
)

func poolFor(blockSize int, direct bool) *bufferPool {
	key := bufferPoolKey{blockSize, direct}

	poolsMu.Lock()
	defer poolsMu.Unlock()

	bp, ok := pools[key]
	if ok {
		return bp
	}
	bp = &bufferPool{}
	bp.pool.New = func() any {
		bp.mu.Lock()
		bp.created++
		bp.mu.Unlock()
		return make([]byte, blockSize)
	}
	pools[key] = bp
	return bp
}

// getBuffer returns a pool-allocated buffer of exactly blockSize bytes.
func getBuffer(blockSize int, direct bool) []byte {
	buf := poolFor(blockSize, direct).pool.Get().([]byte)
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// putBuffer returns buf to its pool. Callers must not retain buf
// afterwards; ordering of returned buffers is not guaranteed.
func putBuffer(blockSize int, direct bool, buf []byte) {
	poolFor(blockSize, direct).pool.Put(buf)
}
