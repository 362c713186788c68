package bplusdb

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// treeState is the lifecycle a Tree moves through: Created -> Opened ->
// Closed. Recovery runs only from Created (where an Open that reported
// an unclean shutdown leaves the tree) and leaves the tree in Created.
type treeState int

const (
	stateCreated treeState = iota
	stateOpened
	stateClosed
	stateRecovery
)

// pathFrame records one step of the descent from root to leaf, used to
// walk back up during split-cascade insertion and underflow-repair
// deletion.
type pathFrame struct {
	n *node
	slot int // index of the child pointer taken at this level
}

// Tree is the persistent B+Tree engine. K and V are fixed-length,
// byte-comparable records; Codec instances supply serialization and
// ordering.
type Tree[K any, V any] struct {
	mu sync.Mutex

	state treeState
	opts options

	keyCodec Codec[K]
	valCodec Codec[V]

	store blockStore
	cache *pageCache
	redo *redoLog
	rw *redoWriter
	bmp *freeBitmap

	blockSize int
	bOrderLeaf int
	bOrderInternal int
	storageBlock int32
	rootID nodeID
	lowID nodeID
	highID nodeID
	elements uint32
	height uint32
	maxInternalNodes uint32
	maxLeafNodes uint32

	syncCallback func(offset int64)
}

// NewTree constructs a Tree bound to the given codecs and options.
// Neither codec may report a variable byte length.
func NewTree[K any, V any](keyCodec Codec[K], valCodec Codec[V], opts ...Option) (*Tree[K, V], error) {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	if keyCodec.ByteLength() <= 0 || valCodec.ByteLength() <= 0 {
		return nil, fmt.Errorf("%w: variable-length codec not supported by the persistent tree", ErrVariableLength)
	}
	return &Tree[K, V]{
		state: stateCreated,
		opts: o,
		keyCodec: keyCodec,
		valCodec: valCodec,
		syncCallback: o.onSync,
	}, nil
}

func (t *Tree[K, V]) cmp(a, b []byte) int { return t.keyCodec.Compare(a, b) }

func (t *Tree[K, V]) requireOpen() error {
	if t.state != stateOpened {
		return ErrInvalidState
	}
	return nil
}

// Open validates the on-disk metadata and, if the last shutdown was
// clean, warms the read pools and marks the store unclean for the
// duration of this session.
func (t *Tree[K, V]) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateCreated {
		return ErrInvalidState
	}

	store, err := openBlockStore(t.opts.useMmap, t.opts.filename+".data", t.blockSizeOrDefault())
	if err != nil {
		return err
	}
	t.store = store

	fresh := store.SizeInBlocks() == 0
	if fresh {
		if err := t.initFresh(); err != nil {
			return err
		}
	} else {
		m, err := readMetadata(store)
		if err != nil {
			return err
		}
		if !m.clean {
			_ = store.Close()
			t.store = nil
			_ = deleteBitmapSidecar(bitmapSidecarPath(t.opts.filename))
			return fmt.Errorf("%w: unclean shutdown detected, call Recovery", ErrInvalidData)
		}
		if want := t.blockSizeOrDefault(); int(m.blockSize) != want {
			_ = store.Close()
			t.store = nil
			return fmt.Errorf("%w: block size %d on disk does not match configured %d", ErrInvalidData, m.blockSize, want)
		}
		t.loadFromMetadata(m)
		bmp, ok, err := readBitmapSidecar(bitmapSidecarPath(t.opts.filename))
		if err != nil {
			return err
		}
		if ok {
			t.bmp = bmp
		} else {
			t.bmp = newFreeBitmap()
		}
	}

	t.cache = newPageCache(t.store, t.blockSize, t.opts.cacheSize, t.keyCodec.ByteLength(), t.valCodec.ByteLength(), t.opts.logger)

	if t.opts.useRedo {
		redo, err := openRedoLog(t.opts.filename+".redo", t.blockSize, t.opts.flushOnWrite, t.opts.syncOnFlush, t.opts.alignBlocks)
		if err != nil {
			return err
		}
		redo.onSync = t.syncCallback
		t.redo = redo
		if t.opts.useRedoThread {
			t.rw = newRedoWriter(redo, t.blockSize, t.opts.redoQueueSize)
		}
	}

	if !fresh && !t.opts.disablePopulateCache {
		if err := t.populateCache(); err != nil {
			return err
		}
	}

	if !fresh {
		if err := t.writeMetaLocked(false); err != nil {
			return err
		}
	}

	t.state = stateOpened
	t.opts.logger.Info("tree opened", "file", t.opts.filename, "elements", t.elements, "height", t.height,
		"fresh", fresh, "cache_size", humanize.Bytes(uint64(t.opts.cacheSize)),
		"block_size", humanize.Bytes(uint64(t.blockSize)))
	return nil
}

func (t *Tree[K, V]) blockSizeOrDefault() int {
	if t.opts.autoTune {
		return t.opts.bSize
	}
	return serializedSize(true, t.opts.bSize, t.keyCodec.ByteLength(), t.valCodec.ByteLength())
}

// initFresh sets up geometry, allocates an empty root leaf, and writes
// the initial metadata block for a brand-new data file.
func (t *Tree[K, V]) initFresh() error {
	t.blockSize = t.blockSizeOrDefault()
	keyLen, valLen := t.keyCodec.ByteLength(), t.valCodec.ByteLength()

	if minSize := serializedSize(true, MinBOrder, keyLen, valLen); t.opts.autoTune && t.blockSize < minSize {
		return fmt.Errorf("%w: block size %d cannot hold the minimum order %d leaf (%d bytes)",
			ErrBlockSizeTooSmall, t.blockSize, MinBOrder, minSize)
	}

	if t.opts.autoTune {
		t.bOrderLeaf = autoTuneOrder(true, t.blockSize, keyLen, valLen)
		t.bOrderInternal = autoTuneOrder(false, t.blockSize, keyLen, valLen)
	} else {
		order := t.opts.bSize
		if order < MinBOrder {
			order = MinBOrder
		}
		if order%2 == 0 {
			order++
		}
		t.bOrderLeaf = order
		t.bOrderInternal = order
	}

	t.bmp = newFreeBitmap()
	t.storageBlock = 0

	root := newLeaf(nullID, t.bOrderLeaf)
	t.storageBlock++
	root.id = leafID(t.storageBlock)
	root.dirty = true

	t.rootID = root.id
	t.lowID = root.id
	t.highID = root.id
	t.elements = 0
	t.height = 1

	buf := getBuffer(t.blockSize, false)
	root.serialize(buf, keyLen, valLen)
	if err := t.store.Set(root.id.block(), buf); err != nil {
		return err
	}
	return t.writeMetaLocked(false)
}

func (t *Tree[K, V]) loadFromMetadata(m *metadata) {
	t.blockSize = int(m.blockSize)
	t.bOrderLeaf = int(m.bOrderLeaf)
	t.bOrderInternal = int(m.bOrderInternal)
	t.storageBlock = int32(m.storageBlock)
	t.rootID = m.rootID
	t.lowID = m.lowID
	t.highID = m.highID
	t.elements = m.elements
	t.height = m.height
	t.maxInternalNodes = m.maxInternalNodes
	t.maxLeafNodes = m.maxLeafNodes
}

// autoTuneOrder finds the largest odd order >= MinBOrder such that a
// full node of that kind fits in blockSize.
func autoTuneOrder(isLeaf bool, blockSize, keyLen, valLen int) int {
	order := MinBOrder
	for {
		next := order + 2
		if serializedSize(isLeaf, next, keyLen, valLen) > blockSize {
			break
		}
		order = next
	}
	return order
}

func (t *Tree[K, V]) writeMetaLocked(clean bool) error {
	m := &metadata{
		blockSize: uint32(t.blockSize),
		bOrderLeaf: uint32(t.bOrderLeaf),
		bOrderInternal: uint32(t.bOrderInternal),
		storageBlock: uint32(t.storageBlock),
		rootID: t.rootID,
		lowID: t.lowID,
		highID: t.highID,
		elements: t.elements,
		height: t.height,
		maxInternalNodes: t.maxInternalNodes,
		maxLeafNodes: t.maxLeafNodes,
		clean: clean,
	}
	return writeMetadata(t.store, m, t.blockSize)
}

// populateCache scans every allocated block once, skipping free ones and
// marking undecodable or tombstoned blocks free. Every successful
// deserialization is inserted into the appropriate read pool; the scan
// does not stop when a pool is full, so a full pool's LRU evicts the
// blocks inserted earliest.
func (t *Tree[K, V]) populateCache() error {
	keyLen, valLen := t.keyCodec.ByteLength(), t.valCodec.ByteLength()
	for i := int32(1); i <= t.storageBlock; i++ {
		if t.bmp.Get(i) {
			continue
		}
		buf, err := t.store.Get(i)
		if err != nil {
			return err
		}
		n, err := deserializeNode(buf, keyLen, valLen)
		putBuffer(len(buf), false, buf)
		if err != nil {
			t.bmp.Set(i)
			continue
		}
		if n.isDeleted() {
			t.bmp.Set(i)
			continue
		}
		t.cache.populate(n)
	}
	return nil
}

// allocate reserves a block for a new node of the given kind, reusing a
// free bit when available.
func (t *Tree[K, V]) allocate(leaf bool) nodeID {
	free := t.bmp.NextSetBit(1)
	var block int32
	if free >= 0 {
		t.bmp.Clear(free)
		block = free
	} else {
		t.storageBlock++
		block = t.storageBlock
	}
	if leaf {
		return leafID(block)
	}
	return internalID(block)
}

// free marks n deleted, schedules its block for flush-time zero-fill,
// and returns its block to the free bitmap.
func (t *Tree[K, V]) free(n *node) {
	n.allocated = tombstoneAllocated
	n.dirty = true
	t.cache.setDirty(n)
	t.bmp.Set(n.id.block())
}

func (t *Tree[K, V]) getNode(id nodeID) (*node, error) {
	if id.isNull() {
		return nil, fmt.Errorf("%w: nil node id", ErrInvalidNode)
	}
	return t.cache.get(id)
}

// Close drains the redo writer, flushes every dirty page, writes clean
// metadata, and closes the underlying stores. Idempotent.
func (t *Tree[K, V]) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateClosed {
		return nil
	}
	if t.state != stateOpened {
		return ErrInvalidState
	}

	t.opts.logger.Info("closing tree", "file", t.opts.filename, "elements", t.elements,
		"size_on_disk", humanize.Bytes(uint64(t.store.SizeInBlocks())*uint64(t.blockSize)))

	if t.rw != nil {
		t.rw.shutdown()
	}

	if err := t.cache.flushDirty(t.blockSize, !t.opts.disableAutosyncStore); err != nil {
		return err
	}
	if err := t.writeMetaLocked(true); err != nil {
		return err
	}
	if err := t.store.Sync(); err != nil {
		return err
	}
	if t.syncCallback != nil {
		t.syncCallback(int64(t.store.SizeInBlocks()) * int64(t.blockSize))
	}

	if err := writeBitmapSidecar(bitmapSidecarPath(t.opts.filename), t.bmp); err != nil {
		return err
	}

	if t.redo != nil {
		if err := t.redo.truncate(); err != nil {
			return err
		}
		if err := t.redo.close(); err != nil {
			return err
		}
	}
	if err := t.store.Close(); err != nil {
		return err
	}

	t.state = stateClosed
	return nil
}

// Clear truncates the data and redo files, resets metadata, and creates
// a fresh empty root leaf, without changing lifecycle state.
func (t *Tree[K, V]) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen(); err != nil {
		return err
	}
	if err := t.store.Clear(); err != nil {
		return err
	}
	if t.redo != nil {
		if err := t.redo.truncate(); err != nil {
			return err
		}
	}
	t.cache = newPageCache(t.store, t.blockSize, t.opts.cacheSize, t.keyCodec.ByteLength(), t.valCodec.ByteLength(), t.opts.logger)
	return t.initFresh()
}

// Size returns the number of live entries.
func (t *Tree[K, V]) Size() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen(); err != nil {
		return 0, err
	}
	return int(t.elements), nil
}

// Height returns the current tree height.
func (t *Tree[K, V]) Height() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen(); err != nil {
		return 0, err
	}
	return int(t.height), nil
}

// IsEmpty reports whether the tree holds zero entries.
func (t *Tree[K, V]) IsEmpty() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen(); err != nil {
		return false, err
	}
	return t.elements == 0, nil
}

// SetCallback installs the on-sync callback.
func (t *Tree[K, V]) SetCallback(cb func(offset int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncCallback = cb
	if t.redo != nil {
		t.redo.onSync = cb
	}
}

// Sync forces a write-back of every dirty page in ascending block
// order, writes metadata with the unclean flag, and forces the block
// store; a successful sync also truncates the redo log.
func (t *Tree[K, V]) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncLocked()
}

func (t *Tree[K, V]) syncLocked() error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	if err := t.cache.flushDirty(t.blockSize, true); err != nil {
		return err
	}
	if err := t.writeMetaLocked(false); err != nil {
		return err
	}
	if err := t.store.Sync(); err != nil {
		return err
	}
	if t.syncCallback != nil {
		t.syncCallback(int64(t.store.SizeInBlocks()) * int64(t.blockSize))
	}
	if t.redo != nil {
		if err := t.redo.truncate(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree[K, V]) releaseNodes() error {
	return t.cache.releaseNodes(t.blockSize, !t.opts.disableAutosyncStore)
}

func (t *Tree[K, V]) orderFor(leaf bool) int {
	if leaf {
		return t.bOrderLeaf
	}
	return t.bOrderInternal
}

// appendRedo submits a payload to the redo log, either directly or via
// the dedicated writer thread.
func (t *Tree[K, V]) appendRedo(payload []byte) error {
	if t.redo == nil {
		return nil
	}
	if t.rw != nil {
		return t.rw.submit(payload)
	}
	_, err := t.redo.writeRecord(payload, t.blockSize)
	if err != nil {
		return err
	}
	return t.redo.sync()
}
