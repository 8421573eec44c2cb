package btree

import "ultrastore/internal/page"

// Iterator holds a pinned, read-latched leaf and a position within it,
// advancing across the leaf linked list on exhaustion (spec.md §4.4).
// The zero value is not independently useful; obtain one via Tree.Begin
// or Tree.BeginAt. Callers must call Close if they stop iterating before
// reaching the end, to release the held pin and latch.
type Iterator struct {
	tree *Tree
	leaf *page.Page // nil once exhausted
	idx  int
}

// End reports whether the iterator has no more entries.
func (it *Iterator) End() bool { return it.leaf == nil }

// Key returns the current entry's key. Panics if End().
func (it *Iterator) Key() Key { return wrap(it.leaf).keyAt(it.idx) }

// Value returns the current entry's value. Panics if End().
func (it *Iterator) Value() RID { return wrap(it.leaf).valueAt(it.idx) }

// Next advances to the next entry, releasing the current leaf and
// fetching the next one across the leaf list when the current leaf is
// exhausted. No-op if already at End().
func (it *Iterator) Next() error {
	if it.leaf == nil {
		return nil
	}
	n := wrap(it.leaf)
	it.idx++
	if it.idx < int(n.size()) {
		return nil
	}

	next := n.nextPageID()
	it.leaf.Latch.RUnlock()
	it.tree.bpm.UnpinPage(it.leaf.ID(), false)
	it.leaf = nil

	if next == page.INVALID {
		return nil
	}
	p, err := it.tree.bpm.FetchPage(next)
	if err != nil {
		return err
	}
	p.Latch.RLock()
	it.leaf = p
	it.idx = 0
	return nil
}

// Close releases the iterator's held pin and latch without advancing.
// Safe to call on an already-exhausted iterator.
func (it *Iterator) Close() {
	if it.leaf == nil {
		return
	}
	it.leaf.Latch.RUnlock()
	it.tree.bpm.UnpinPage(it.leaf.ID(), false)
	it.leaf = nil
}

// Begin returns an iterator positioned at the leftmost key in the tree.
func (t *Tree) Begin() (*Iterator, error) {
	t.guard.RLock()
	root := t.rootPageID
	if root == page.INVALID {
		t.guard.RUnlock()
		return &Iterator{tree: t}, nil
	}
	cur, err := t.bpm.FetchPage(root)
	if err != nil {
		t.guard.RUnlock()
		return nil, err
	}
	cur.Latch.RLock()
	t.guard.RUnlock()

	for {
		n := wrap(cur)
		if n.isLeaf() {
			return &Iterator{tree: t, leaf: cur, idx: 0}, nil
		}
		childID := n.childAt(0)
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			cur.Latch.RUnlock()
			t.bpm.UnpinPage(cur.ID(), false)
			return nil, err
		}
		child.Latch.RLock()
		cur.Latch.RUnlock()
		t.bpm.UnpinPage(cur.ID(), false)
		cur = child
	}
}

// BeginAt returns an iterator positioned at the first entry with key >=
// target, or at End() if no such entry exists.
func (t *Tree) BeginAt(target Key) (*Iterator, error) {
	leaf, n, err := t.findLeaf(target, ModeRead)
	if err == errEmptyTree {
		return &Iterator{tree: t}, nil
	}
	if err != nil {
		return nil, err
	}
	idx := n.lowerBound(target, t.cmp)
	if idx < int(n.size()) {
		return &Iterator{tree: t, leaf: leaf, idx: idx}, nil
	}

	// target falls after this leaf's last key: position at the first
	// entry of the next leaf, if any.
	next := n.nextPageID()
	leaf.Latch.RUnlock()
	t.bpm.UnpinPage(leaf.ID(), false)
	if next == page.INVALID {
		return &Iterator{tree: t}, nil
	}
	p, err := t.bpm.FetchPage(next)
	if err != nil {
		return nil, err
	}
	p.Latch.RLock()
	return &Iterator{tree: t, leaf: p, idx: 0}, nil
}
