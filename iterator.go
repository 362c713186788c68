package bplusdb

// Iterator walks the tree in ascending key order. It does not hold the
// tree lock between calls to Next: each call
// re-descends from the root via a higher-than-last-key probe, so it
// tolerates concurrent structural changes but does not offer snapshot
// isolation — a key inserted or removed between calls may be seen or
// missed.
type Iterator[K any, V any] struct {
	tree *Tree[K, V]
	started bool
	done bool
	lastKey K
}

// Iterator returns a forward iterator starting before the smallest key.
func (t *Tree[K, V]) Iterator() (*Iterator[K, V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen(); err != nil {
		return nil, err
	}
	return &Iterator[K, V]{tree: t}, nil
}

// HasNext reports whether a call to Next would return an entry. It
// performs the same lookahead as Next but does not advance state.
func (it *Iterator[K, V]) HasNext() bool {
	if it.done {
		return false
	}
	_, ok, err := it.peek()
	return err == nil && ok
}

func (it *Iterator[K, V]) peek() (TreeEntry[K, V], bool, error) {
	if !it.started {
		return it.tree.FirstEntry()
	}
	return it.tree.HigherEntry(it.lastKey)
}

// Next returns the next entry in ascending order. Once the iterator is
// exhausted it returns the zero TreeEntry and a nil error; HasNext tells
// the two cases apart.
func (it *Iterator[K, V]) Next() (TreeEntry[K, V], error) {
	var zero TreeEntry[K, V]
	if it.done {
		return zero, nil
	}
	e, ok, err := it.peek()
	if err != nil {
		return zero, err
	}
	if !ok {
		it.done = true
		return zero, nil
	}
	it.started = true
	it.lastKey = e.Key
	return e, nil
}
