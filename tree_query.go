package bplusdb

// TreeEntry is an immutable snapshot of one (key, value) pair returned
// by endpoint probes, nearest-key queries, and the iterator.
type TreeEntry[K any, V any] struct {
	Key K
	Value V
}

func (t *Tree[K, V]) leafEntry(n *node, slot int) TreeEntry[K, V] {
	return TreeEntry[K, V]{
		Key: t.keyCodec.Deserialize(n.keys[slot]),
		Value: t.valCodec.Deserialize(n.values[slot]),
	}
}

// FirstKey returns the smallest key, via lowID.
func (t *Tree[K, V]) FirstKey() (K, bool, error) {
	e, ok, err := t.FirstEntry()
	return e.Key, ok, err
}

// LastKey returns the largest key, via highID.
func (t *Tree[K, V]) LastKey() (K, bool, error) {
	e, ok, err := t.LastEntry()
	return e.Key, ok, err
}

// FirstEntry returns the smallest (key, value) pair.
func (t *Tree[K, V]) FirstEntry() (TreeEntry[K, V], bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstEntryLocked()
}

func (t *Tree[K, V]) firstEntryLocked() (TreeEntry[K, V], bool, error) {
	var zero TreeEntry[K, V]
	if err := t.requireOpen(); err != nil {
		return zero, false, err
	}
	if t.elements == 0 {
		return zero, false, nil
	}
	n, err := t.getNode(t.lowID)
	if err != nil {
		return zero, false, err
	}
	return t.leafEntry(n, 0), true, nil
}

// LastEntry returns the largest (key, value) pair.
func (t *Tree[K, V]) LastEntry() (TreeEntry[K, V], bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEntryLocked()
}

func (t *Tree[K, V]) lastEntryLocked() (TreeEntry[K, V], bool, error) {
	var zero TreeEntry[K, V]
	if err := t.requireOpen(); err != nil {
		return zero, false, err
	}
	if t.elements == 0 {
		return zero, false, nil
	}
	n, err := t.getNode(t.highID)
	if err != nil {
		return zero, false, err
	}
	return t.leafEntry(n, int(n.allocated)-1), true, nil
}

// nearestMode selects the direction and inclusivity of a nearest-key
// probe.
type nearestMode struct {
	up bool
	acceptEqual bool
}

var (
	modeCeiling = nearestMode{up: true, acceptEqual: true}
	modeFloor = nearestMode{up: false, acceptEqual: true}
	modeHigher = nearestMode{up: true, acceptEqual: false}
	modeLower = nearestMode{up: false, acceptEqual: false}
)

// nearestEntry locates the leaf containing (or bracketing) key, binary
// searches within it, then adjusts by mode, crossing a sibling pointer
// when the match falls outside the current leaf.
func (t *Tree[K, V]) nearestEntry(keyBuf []byte, mode nearestMode) (TreeEntry[K, V], bool, error) {
	var zero TreeEntry[K, V]
	leaf, _, err := t.descend(keyBuf)
	if err != nil {
		return zero, false, err
	}
	slot := leaf.findSlot(keyBuf, t.cmp)

	if slot >= 0 {
		if mode.acceptEqual {
			return t.leafEntry(leaf, slot), true, nil
		}
		if mode.up {
			slot++
		} else {
			slot--
		}
	} else {
		insertion := -(slot) - 1
		if mode.up {
			slot = insertion
		} else {
			slot = insertion - 1
		}
	}

	for {
		if slot >= 0 && slot < int(leaf.allocated) {
			return t.leafEntry(leaf, slot), true, nil
		}
		if mode.up {
			if leaf.rightID.isNull() {
				return zero, false, nil
			}
			leaf, err = t.getNode(leaf.rightID)
			if err != nil {
				return zero, false, err
			}
			slot = 0
		} else {
			if leaf.leftID.isNull() {
				return zero, false, nil
			}
			leaf, err = t.getNode(leaf.leftID)
			if err != nil {
				return zero, false, err
			}
			slot = int(leaf.allocated) - 1
		}
	}
}

func (t *Tree[K, V]) nearestKey(k K, mode nearestMode) (K, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero K
	if err := t.requireOpen(); err != nil {
		return zero, false, err
	}
	e, ok, err := t.nearestEntry(t.encodeKey(k), mode)
	return e.Key, ok, err
}

func (t *Tree[K, V]) nearestEntryLocked(k K, mode nearestMode) (TreeEntry[K, V], bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero TreeEntry[K, V]
	if err := t.requireOpen(); err != nil {
		return zero, false, err
	}
	return t.nearestEntry(t.encodeKey(k), mode)
}

// Ceiling returns the smallest key >= k.
func (t *Tree[K, V]) Ceiling(k K) (K, bool, error) { return t.nearestKey(k, modeCeiling) }

// Floor returns the largest key <= k.
func (t *Tree[K, V]) Floor(k K) (K, bool, error) { return t.nearestKey(k, modeFloor) }

// Higher returns the smallest key > k.
func (t *Tree[K, V]) Higher(k K) (K, bool, error) { return t.nearestKey(k, modeHigher) }

// Lower returns the largest key < k.
func (t *Tree[K, V]) Lower(k K) (K, bool, error) { return t.nearestKey(k, modeLower) }

// CeilingEntry, FloorEntry, HigherEntry, LowerEntry mirror the *Key
// probes above but return the full entry.
func (t *Tree[K, V]) CeilingEntry(k K) (TreeEntry[K, V], bool, error) {
	return t.nearestEntryLocked(k, modeCeiling)
}
func (t *Tree[K, V]) FloorEntry(k K) (TreeEntry[K, V], bool, error) {
	return t.nearestEntryLocked(k, modeFloor)
}
func (t *Tree[K, V]) HigherEntry(k K) (TreeEntry[K, V], bool, error) {
	return t.nearestEntryLocked(k, modeHigher)
}
func (t *Tree[K, V]) LowerEntry(k K) (TreeEntry[K, V], bool, error) {
	return t.nearestEntryLocked(k, modeLower)
}

// PollFirstEntry atomically reads and removes the smallest entry.
func (t *Tree[K, V]) PollFirstEntry() (TreeEntry[K, V], bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok, err := t.firstEntryLocked()
	if err != nil || !ok {
		return e, ok, err
	}
	if _, err := t.removeLocked(e.Key); err != nil {
		return e, false, err
	}
	return e, true, nil
}

// PollLastEntry atomically reads and removes the largest entry.
func (t *Tree[K, V]) PollLastEntry() (TreeEntry[K, V], bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok, err := t.lastEntryLocked()
	if err != nil || !ok {
		return e, ok, err
	}
	if _, err := t.removeLocked(e.Key); err != nil {
		return e, false, err
	}
	return e, true, nil
}

// KeySet returns every key in ascending order. Supplemental operation
// grounded in the original tree's key-set view.
func (t *Tree[K, V]) KeySet() ([]K, error) {
	keys := make([]K, 0)
	it, err := t.Iterator()
	if err != nil {
		return nil, err
	}
	for it.HasNext() {
		e, err := it.Next()
		if err != nil {
			return nil, err
		}
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// Values returns every value in ascending key order. Supplemental
// operation grounded in the original tree's values view.
func (t *Tree[K, V]) Values() ([]V, error) {
	values := make([]V, 0)
	it, err := t.Iterator()
	if err != nil {
		return nil, err
	}
	for it.HasNext() {
		e, err := it.Next()
		if err != nil {
			return nil, err
		}
		values = append(values, e.Value)
	}
	return values, nil
}

// TreeStats summarizes engine state for diagnostics.
type TreeStats struct {
	Elements int
	Height int
	StorageBlock int32
	FreeBlocks int64
	BOrderLeaf int
	BOrderInternal int
}

// Stats reports a snapshot of engine geometry and occupancy.
func (t *Tree[K, V]) Stats() (TreeStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen(); err != nil {
		return TreeStats{}, err
	}
	return TreeStats{
		Elements: int(t.elements),
		Height: int(t.height),
		StorageBlock: t.storageBlock,
		FreeBlocks: t.bmp.Cardinality(),
		BOrderLeaf: t.bOrderLeaf,
		BOrderInternal: t.bOrderInternal,
	}, nil
}
