package bplusdb

import (
	"container/list"
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

const minPoolNodes = 37

// hashNodeID feeds a node id's big-endian bytes to xxhash for the
// freelru read pools.
func hashNodeID(id nodeID) uint32 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(int32(id)))
	return uint32(xxhash.Sum64(b[:]))
}

// dirtyPool is an insertion-ordered map of dirty nodes; flush walks it
// in ascending block order rather than insertion order, but insertion
// order is preserved for parity with the reference map shape.
type dirtyPool struct {
	order *list.List
	entries map[nodeID]*list.Element
}

func newDirtyPool() *dirtyPool {
	return &dirtyPool{order: list.New(), entries: make(map[nodeID]*list.Element)}
}

func (p *dirtyPool) put(n *node) {
	if el, ok := p.entries[n.id]; ok {
		el.Value = n
		return
	}
	el := p.order.PushBack(n)
	p.entries[n.id] = el
}

func (p *dirtyPool) get(id nodeID) (*node, bool) {
	el, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*node), true
}

func (p *dirtyPool) delete(id nodeID) {
	el, ok := p.entries[id]
	if !ok {
		return
	}
	p.order.Remove(el)
	delete(p.entries, id)
}

func (p *dirtyPool) len() int { return len(p.entries) }

// sortedByBlock returns the dirty nodes ordered by ascending block index,
// the order flush requires.
func (p *dirtyPool) sortedByBlock() []*node {
	out := make([]*node, 0, len(p.entries))
	for el := p.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.block() < out[j].id.block() })
	return out
}

// readPool wraps a freelru LRU keyed by node id, giving the two read
// pools (cache_leaf, cache_internal) a common shape.
type readPool struct {
	lru *freelru.LRU[nodeID, *node]
}

func newReadPool(capacity uint32) *readPool {
	lru, err := freelru.New[nodeID, *node](capacity, hashNodeID)
	if err != nil {
		// capacity is always > 0 by construction (max(..., minPoolNodes));
		// freelru only errors on a zero capacity.
		panic(err)
	}
	return &readPool{lru: lru}
}

func (p *readPool) get(id nodeID) (*node, bool) {
	return p.lru.Get(id)
}

func (p *readPool) put(n *node) {
	p.lru.Add(n.id, n)
}

func (p *readPool) delete(id nodeID) {
	p.lru.Remove(id)
}

func (p *readPool) len() int { return p.lru.Len() }

// removeEldest evicts the single least-recently-used entry, if any.
func (p *readPool) removeEldest() {
	p.lru.RemoveOldest()
}

// pageCache is the dual read/write pool split by node kind. All
// access happens under the tree's single lock; pageCache itself does not
// add locking of its own.
type pageCache struct {
	store blockStore

	keyLen, valLen int

	cacheLeaf *readPool
	cacheInternal *readPool
	dirtyLeaf *dirtyPool
	dirtyInternal *dirtyPool

	maxCacheNodes int

	logger Logger
}

// newPageCache derives pool sizes from maxCacheBytes / blockSize:
// internal gets max(5%, 37), leaf gets max(95%, 37).
func newPageCache(store blockStore, blockSize, maxCacheBytes, keyLen, valLen int, logger Logger) *pageCache {
	maxCacheNodes := maxCacheBytes / blockSize
	if maxCacheNodes < 1 {
		maxCacheNodes = 1
	}
	internalSize := maxCacheNodes * 5 / 100
	if internalSize < minPoolNodes {
		internalSize = minPoolNodes
	}
	leafSize := maxCacheNodes * 95 / 100
	if leafSize < minPoolNodes {
		leafSize = minPoolNodes
	}
	if logger == nil {
		logger = discardLogger{}
	}

	return &pageCache{
		store: store,
		keyLen: keyLen,
		valLen: valLen,
		cacheLeaf: newReadPool(uint32(leafSize)),
		cacheInternal: newReadPool(uint32(internalSize)),
		dirtyLeaf: newDirtyPool(),
		dirtyInternal: newDirtyPool(),
		maxCacheNodes: maxCacheNodes,
		logger: logger,
	}
}

func (c *pageCache) dirtyFor(leaf bool) *dirtyPool {
	if leaf {
		return c.dirtyLeaf
	}
	return c.dirtyInternal
}

func (c *pageCache) readFor(leaf bool) *readPool {
	if leaf {
		return c.cacheLeaf
	}
	return c.cacheInternal
}

// get resolves a node by id: dirty pool, then read pool, then disk.
// Nodes freshly loaded from disk populate the read pool.
func (c *pageCache) get(id nodeID) (*node, error) {
	leaf := id.isLeaf()
	if n, ok := c.dirtyFor(leaf).get(id); ok {
		return n, nil
	}
	if n, ok := c.readFor(leaf).get(id); ok {
		return n, nil
	}

	buf, err := c.store.Get(id.block())
	if err != nil {
		return nil, err
	}
	n, err := deserializeNode(buf, c.keyLen, c.valLen)
	putBuffer(len(buf), false, buf)
	if err != nil {
		return nil, err
	}
	c.readFor(leaf).put(n)
	return n, nil
}

// put inserts a freshly allocated node straight into its dirty pool.
func (c *pageCache) put(n *node) {
	n.dirty = true
	c.dirtyFor(n.isLeaf()).put(n)
}

// setDirty moves n from its read pool into its dirty pool.
func (c *pageCache) setDirty(n *node) {
	n.dirty = true
	leaf := n.isLeaf()
	c.readFor(leaf).delete(n.id)
	c.dirtyFor(leaf).put(n)
}

// populate inserts a node freshly recovered from a block-store scan
// directly into the appropriate read pool, used by populateCache.
func (c *pageCache) populate(n *node) {
	c.readFor(n.isLeaf()).put(n)
}

// releaseNodes runs the post-operation policy: when dirty+read
// reaches maxCacheNodes and dirty reaches 10% of the cap, flush all
// dirty nodes (leaves first, then internals, each in ascending block
// order); then evict eldest entries from each read pool down to cap.
func (c *pageCache) releaseNodes(blockSize int, autosync bool) error {
	total := c.cacheLeaf.len() + c.cacheInternal.len() + c.dirtyLeaf.len() + c.dirtyInternal.len()
	if total < c.maxCacheNodes {
		return nil
	}
	dirtyTotal := c.dirtyLeaf.len() + c.dirtyInternal.len()
	if dirtyTotal*10 >= c.maxCacheNodes {
		if err := c.flushDirty(blockSize, autosync); err != nil {
			return err
		}
	}
	leafCap := c.maxCacheNodes * 95 / 100
	internalCap := c.maxCacheNodes * 5 / 100
	for c.cacheLeaf.len() > 0 && c.cacheLeaf.len()+c.dirtyLeaf.len() > leafCap {
		c.cacheLeaf.removeEldest()
	}
	for c.cacheInternal.len() > 0 && c.cacheInternal.len()+c.dirtyInternal.len() > internalCap {
		c.cacheInternal.removeEldest()
	}
	return nil
}

// flushDirty writes every dirty node to disk, leaves first then
// internals, each pass in ascending block order. A single page's write
// failure is logged and skipped rather than aborting the pass; the final
// store fsync's error is the one that propagates, since only it gates
// the metadata clean flag.
func (c *pageCache) flushDirty(blockSize int, autosync bool) error {
	for _, n := range c.dirtyLeaf.sortedByBlock() {
		if err := c.writeNode(n, blockSize); err != nil {
			c.logger.Warn("flush leaf failed, will retry next sync", "block", n.id.block(), "err", err)
			continue
		}
		c.dirtyLeaf.delete(n.id)
		if !n.isDeleted() {
			c.cacheLeaf.put(n)
		}
	}
	for _, n := range c.dirtyInternal.sortedByBlock() {
		if err := c.writeNode(n, blockSize); err != nil {
			c.logger.Warn("flush internal node failed, will retry next sync", "block", n.id.block(), "err", err)
			continue
		}
		c.dirtyInternal.delete(n.id)
		if !n.isDeleted() {
			c.cacheInternal.put(n)
		}
	}
	if autosync {
		if err := c.store.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (c *pageCache) writeNode(n *node, blockSize int) error {
	buf := getBuffer(blockSize, false)
	if n.isDeleted() {
		for i := range buf {
			buf[i] = 0
		}
	} else {
		n.serialize(buf, c.keyLen, c.valLen)
	}
	n.dirty = false
	return c.store.Set(n.id.block(), buf)
}
