package bplusdb

// descend walks from the root to the leaf that would contain key,
// recording the path taken so callers can walk back up for split or
// underflow repair.
func (t *Tree[K, V]) descend(keyBuf []byte) (leaf *node, path []pathFrame, err error) {
	id := t.rootID
	for {
		n, err := t.getNode(id)
		if err != nil {
			return nil, nil, err
		}
		if n.isLeaf() {
			return n, path, nil
		}
		slot := n.findSlot(keyBuf, t.cmp)
		child := slot
		if child < 0 {
			child = -(child) - 1
		} else {
			child++
		}
		path = append(path, pathFrame{n: n, slot: child})
		id = n.children[child]
	}
}

func (t *Tree[K, V]) encodeKey(k K) []byte {
	buf := make([]byte, t.keyCodec.ByteLength())
	t.keyCodec.Serialize(buf, k)
	return buf
}

func (t *Tree[K, V]) encodeVal(v V) []byte {
	buf := make([]byte, t.valCodec.ByteLength())
	t.valCodec.Serialize(buf, v)
	return buf
}

// Put inserts or updates (k, v). It reports false when an existing
// entry was replaced.
func (t *Tree[K, V]) Put(k K, v V) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen(); err != nil {
		return false, err
	}

	keyBuf := t.encodeKey(k)
	valBuf := t.encodeVal(v)

	leaf, path, err := t.descend(keyBuf)
	if err != nil {
		return false, err
	}

	slot := leaf.findSlot(keyBuf, t.cmp)
	inserted := true
	if slot >= 0 {
		leaf.values[slot] = valBuf
		leaf.dirty = true
		inserted = false
	} else {
		at := -(slot) - 1
		leaf.leafInsert(at, keyBuf, valBuf)
		t.elements++
	}
	t.cache.setDirty(leaf)

	if inserted && leaf.isFull(t.bOrderLeaf) {
		if err := t.splitCascade(leaf, path); err != nil {
			return false, err
		}
	}

	if err := t.appendRedo(encodePut(keyBuf, valBuf)); err != nil {
		return false, err
	}
	if err := t.releaseNodes(); err != nil {
		return false, err
	}
	return inserted, nil
}

// splitCascade implements split-cascade insertion: split the
// overflowing node, insert the promoted separator into the recorded
// parent, and repeat while parents overflow. Splitting the root grows a
// new one.
func (t *Tree[K, V]) splitCascade(n *node, path []pathFrame) error {
	for {
		newHigh := t.newSibling(n)
		n.split(newHigh)
		sep := newHigh.splitShiftKeysLeft()

		t.cache.put(newHigh)
		t.cache.setDirty(n)
		t.cache.setDirty(newHigh)

		if n.isLeaf() && !newHigh.rightID.isNull() {
			oldRight, err := t.getNode(newHigh.rightID)
			if err != nil {
				return err
			}
			oldRight.leftID = newHigh.id
			t.cache.setDirty(oldRight)
		}

		if n.isLeaf() && t.highID == n.id {
			t.highID = newHigh.id
		}

		if len(path) == 0 {
			// n was the root; allocate a new internal root.
			newRoot := t.newInternalRoot(n.id, sep, newHigh.id)
			t.rootID = newRoot.id
			t.height++
			return nil
		}

		parent := path[len(path)-1].n
		path = path[:len(path)-1]
		parentSlot := t.findChildSlot(parent, n.id)
		parent.internalInsert(parentSlot, sep, newHigh.id)
		t.cache.setDirty(parent)

		if !parent.isFull(t.bOrderInternal) {
			return nil
		}
		n = parent
	}
}

func (t *Tree[K, V]) newSibling(n *node) *node {
	id := t.allocate(n.isLeaf())
	if n.isLeaf() {
		return newLeaf(id, t.bOrderLeaf)
	}
	return newInternal(id, t.bOrderInternal)
}

func (t *Tree[K, V]) newInternalRoot(leftChild nodeID, sep []byte, rightChild nodeID) *node {
	id := t.allocate(false)
	root := newInternal(id, t.bOrderInternal)
	root.keys = append(root.keys, sep)
	root.children = append(root.children, leftChild, rightChild)
	root.allocated = 1
	root.dirty = true
	t.cache.put(root)
	return root
}

// findChildSlot locates the index of childID within parent.children.
func (t *Tree[K, V]) findChildSlot(parent *node, childID nodeID) int {
	for i, c := range parent.children {
		if c == childID {
			return i
		}
	}
	return len(parent.children) - 1
}

// Get performs a point lookup.
func (t *Tree[K, V]) Get(k K) (V, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero V
	if err := t.requireOpen(); err != nil {
		return zero, false, err
	}
	keyBuf := t.encodeKey(k)
	leaf, _, err := t.descend(keyBuf)
	if err != nil {
		return zero, false, err
	}
	slot := leaf.findSlot(keyBuf, t.cmp)
	if slot < 0 {
		return zero, false, nil
	}
	return t.valCodec.Deserialize(leaf.values[slot]), true, nil
}

// ContainsKey reports whether k is present.
func (t *Tree[K, V]) ContainsKey(k K) (bool, error) {
	_, ok, err := t.Get(k)
	return ok, err
}

// Remove deletes k if present, repairing underflow back up the path.
// It reports whether an entry was removed.
func (t *Tree[K, V]) Remove(k K) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(k)
}

// removeLocked is Remove's body, callable by other locked entry points
// (PollFirstEntry, PollLastEntry) that must probe and remove under a
// single lock acquisition.
func (t *Tree[K, V]) removeLocked(k K) (bool, error) {
	if err := t.requireOpen(); err != nil {
		return false, err
	}

	keyBuf := t.encodeKey(k)
	leaf, path, err := t.descend(keyBuf)
	if err != nil {
		return false, err
	}
	slot := leaf.findSlot(keyBuf, t.cmp)
	if slot < 0 {
		return false, nil
	}

	removedFirst := slot == 0
	removedLast := slot == int(leaf.allocated)-1

	leaf.leafRemove(slot)
	t.elements--
	t.cache.setDirty(leaf)

	if leaf.isEmpty() && leaf.id != t.rootID {
		t.unlinkEmptyLeaf(leaf)
	} else if removedFirst || removedLast {
		t.refreshEndpoints()
	}

	if err := t.repairUnderflow(leaf, path); err != nil {
		return false, err
	}

	if err := t.appendRedo(encodeRemove(keyBuf)); err != nil {
		return false, err
	}
	if err := t.releaseNodes(); err != nil {
		return false, err
	}
	return true, nil
}

// unlinkEmptyLeaf splices an emptied leaf out of the sibling list ahead
// of freeing it during underflow repair.
func (t *Tree[K, V]) unlinkEmptyLeaf(leaf *node) {
	if !leaf.leftID.isNull() {
		if left, err := t.getNode(leaf.leftID); err == nil {
			left.rightID = leaf.rightID
			t.cache.setDirty(left)
		}
	} else {
		t.lowID = leaf.rightID
	}
	if !leaf.rightID.isNull() {
		if right, err := t.getNode(leaf.rightID); err == nil {
			right.leftID = leaf.leftID
			t.cache.setDirty(right)
		}
	} else {
		t.highID = leaf.leftID
	}
}

// refreshEndpoints keeps lowID/highID pointed at leaves with allocated >
// 0, walking sibling pointers past newly emptied ones.
func (t *Tree[K, V]) refreshEndpoints() {
	if t.elements == 0 {
		return
	}
	if low, err := t.getNode(t.lowID); err == nil && low.isEmpty() {
		t.lowID = low.rightID
	}
	if high, err := t.getNode(t.highID); err == nil && high.isEmpty() {
		t.highID = high.leftID
	}
}

// repairUnderflow implements underflow-repair cascade, walking
// back up the recorded path.
func (t *Tree[K, V]) repairUnderflow(child *node, path []pathFrame) error {
	for i := len(path) - 1; i >= 0; i-- {
		parent := path[i].n
		slot := path[i].slot

		if !child.isUnderfull(t.orderFor(child.isLeaf())) || child.id == t.rootID {
			return nil
		}

		var siblingSlot int
		leftIsChild := true
		if slot == 0 {
			siblingSlot = slot + 1
		} else {
			siblingSlot = slot - 1
			leftIsChild = false
		}

		sibling, err := t.getNode(parent.children[siblingSlot])
		if err != nil {
			return err
		}

		var left, right *node
		var leftSlot int
		if leftIsChild {
			left, right, leftSlot = child, sibling, slot
		} else {
			left, right, leftSlot = sibling, child, siblingSlot
		}

		if left.canMerge(right, t.orderFor(left.isLeaf())) {
			sep := parent.keys[leftSlot]
			left.mergeRightInto(right, sep)
			t.cache.setDirty(left)
			t.free(right)

			if right.isLeaf() {
				t.unlinkMergedLeaf(left, right)
			}

			parent.internalRemoveSlot(leftSlot)
			t.cache.setDirty(parent)

			if parent.id == t.rootID && parent.allocated == 0 {
				t.rootID = left.id
				t.height--
				return nil
			}
			child = parent
			continue
		}

		newSep := shiftRedistribute(left, right, parent.keys[leftSlot])
		parent.keys[leftSlot] = newSep
		t.cache.setDirty(parent)
		t.cache.setDirty(left)
		t.cache.setDirty(right)
		return nil
	}
	return nil
}

// unlinkMergedLeaf fixes the sibling list after right has been merged
// into left.
func (t *Tree[K, V]) unlinkMergedLeaf(left, right *node) {
	if !right.rightID.isNull() {
		if rr, err := t.getNode(right.rightID); err == nil {
			rr.leftID = left.id
			t.cache.setDirty(rr)
		}
	} else {
		t.highID = left.id
	}
}
