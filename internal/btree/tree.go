package btree

import (
	"fmt"
	"sync"

	"ultrastore/internal/buffer"
	"ultrastore/internal/page"
)

// Mode parameterizes a descent: ModeRead takes reader latches on each page
// and the other modes take writer latches. No per-mode safety predicate is
// evaluated; every descent releases the parent as soon as the child is
// latched (spec.md §4.4, §9 "dual-mode traversal").
type Mode int

const (
	ModeRead Mode = iota
	ModeInsert
	ModeRemove
)

// Tree is a concurrent B+-tree index over int64 keys, backed by pages
// fetched through a buffer pool manager. The first page it ever allocates
// from a freshly opened pool becomes the reserved header page (id 0,
// spec.md §6); callers must construct a Tree before any other code
// allocates pages from the same pool.
type Tree struct {
	guard sync.RWMutex // tree guard: protects rootPageID (spec.md §4.4)

	bpm  *buffer.Manager
	name string
	cmp  Comparator

	leafMax     int32
	internalMax int32

	rootPageID page.ID
}

// New constructs an index named name over bpm with the given leaf and
// internal fanout bounds. cmp may be nil to use DefaultComparator.
func New(bpm *buffer.Manager, name string, leafMax, internalMax int32, cmp Comparator) (*Tree, error) {
	if cmp == nil {
		cmp = DefaultComparator
	}
	hp, id, err := bpm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("btree: allocate header page: %w", err)
	}
	if id != HeaderPageID {
		bpm.UnpinPage(id, false)
		return nil, fmt.Errorf("btree: expected header page id %d, got %d (pool was not fresh)", HeaderPageID, id)
	}
	writeHeader(hp, name, page.INVALID)
	bpm.UnpinPage(id, true)

	return &Tree{
		bpm:         bpm,
		name:        name,
		cmp:         cmp,
		leafMax:     leafMax,
		internalMax: internalMax,
		rootPageID:  page.INVALID,
	}, nil
}

func minSize(maxSize int32) int32 { return (maxSize + 1) / 2 }

func (t *Tree) currentRoot() page.ID {
	t.guard.RLock()
	defer t.guard.RUnlock()
	return t.rootPageID
}

func (t *Tree) writeHeaderRoot(root page.ID) {
	hp, err := t.bpm.FetchPage(HeaderPageID)
	if err != nil {
		return
	}
	writeHeader(hp, t.name, root)
	t.bpm.UnpinPage(HeaderPageID, true)
}

func unlatch(p *page.Page, mode Mode) {
	if mode == ModeRead {
		p.Latch.RUnlock()
	} else {
		p.Latch.Unlock()
	}
}

func latch(p *page.Page, mode Mode) {
	if mode == ModeRead {
		p.Latch.RLock()
	} else {
		p.Latch.Lock()
	}
}

// findLeaf descends from the root to the leaf owning key, latching each
// page in mode and releasing the parent as soon as the child is latched
// (classic lock coupling). Since structural changes (split/merge) always
// re-fetch and re-latch their parent chain by page id rather than relying
// on held ancestor latches, releasing eagerly here is still race-free and
// strictly more concurrent than holding ancestors until a "safe" node is
// found. Returns the pinned, latched leaf page and its typed view, or an
// error if the tree is empty.
func (t *Tree) findLeaf(key Key, mode Mode) (*page.Page, node, error) {
	if mode == ModeRead {
		t.guard.RLock()
	} else {
		t.guard.Lock()
	}
	root := t.rootPageID
	if root == page.INVALID {
		if mode == ModeRead {
			t.guard.RUnlock()
		} else {
			t.guard.Unlock()
		}
		return nil, node{}, errEmptyTree
	}

	cur, err := t.bpm.FetchPage(root)
	if err != nil {
		if mode == ModeRead {
			t.guard.RUnlock()
		} else {
			t.guard.Unlock()
		}
		return nil, node{}, err
	}
	latch(cur, mode)
	if mode == ModeRead {
		t.guard.RUnlock()
	} else {
		t.guard.Unlock()
	}

	for {
		n := wrap(cur)
		if n.isLeaf() {
			return cur, n, nil
		}
		idx := n.childIndex(key, t.cmp)
		childID := n.childAt(idx)
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			unlatch(cur, mode)
			t.bpm.UnpinPage(cur.ID(), false)
			return nil, node{}, err
		}
		latch(child, mode)
		unlatch(cur, mode)
		t.bpm.UnpinPage(cur.ID(), false)
		cur = child
	}
}

var errEmptyTree = fmt.Errorf("btree: empty tree")

// GetValue looks up key, returning its value and whether it was found.
func (t *Tree) GetValue(key Key) (RID, bool, error) {
	leaf, n, err := t.findLeaf(key, ModeRead)
	if err == errEmptyTree {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer func() {
		leaf.Latch.RUnlock()
		t.bpm.UnpinPage(leaf.ID(), false)
	}()

	idx := n.lowerBound(key, t.cmp)
	if idx < int(n.size()) && t.cmp(n.keyAt(idx), key) == 0 {
		return n.valueAt(idx), true, nil
	}
	return 0, false, nil
}

// Insert adds (key, value) to the tree. Returns false without modifying
// state if key already exists (spec.md §4.4 unique-key semantics).
func (t *Tree) Insert(key Key, val RID) (bool, error) {
	t.guard.Lock()
	if t.rootPageID == page.INVALID {
		p, id, err := t.bpm.NewPage()
		if err != nil {
			t.guard.Unlock()
			return false, err
		}
		n := initLeaf(p, t.leafMax)
		n.insertLeafAt(0, key, val)
		t.rootPageID = id
		t.bpm.UnpinPage(id, true)
		t.guard.Unlock()
		t.writeHeaderRoot(id)
		return true, nil
	}
	root := t.rootPageID
	cur, err := t.bpm.FetchPage(root)
	if err != nil {
		t.guard.Unlock()
		return false, err
	}
	cur.Latch.Lock()
	t.guard.Unlock()

	for {
		n := wrap(cur)
		if n.isLeaf() {
			break
		}
		idx := n.childIndex(key, t.cmp)
		childID := n.childAt(idx)
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			cur.Latch.Unlock()
			t.bpm.UnpinPage(cur.ID(), false)
			return false, err
		}
		child.Latch.Lock()
		cur.Latch.Unlock()
		t.bpm.UnpinPage(cur.ID(), false)
		cur = child
	}

	leaf := cur
	n := wrap(leaf)
	idx := n.lowerBound(key, t.cmp)
	if idx < int(n.size()) && t.cmp(n.keyAt(idx), key) == 0 {
		leaf.Latch.Unlock()
		t.bpm.UnpinPage(leaf.ID(), false)
		return false, nil
	}
	n.insertLeafAt(idx, key, val)

	if n.size() < n.maxSize() {
		leaf.Latch.Unlock()
		t.bpm.UnpinPage(leaf.ID(), true)
		return true, nil
	}

	if err := t.splitLeaf(leaf, n); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tree) splitLeaf(leftPage *page.Page, left node) error {
	rightPage, rightID, err := t.bpm.NewPage()
	if err != nil {
		leftPage.Latch.Unlock()
		t.bpm.UnpinPage(leftPage.ID(), true)
		return err
	}
	rightPage.Latch.Lock()
	right := initLeaf(rightPage, t.leafMax)

	total := int(left.size())
	mid := (total + 1) / 2 // left keeps the larger half, per spec.md scenario 4
	for i := mid; i < total; i++ {
		right.insertLeafAt(int(right.size()), left.keyAt(i), left.valueAt(i))
	}
	oldNext := left.nextPageID()
	right.setNextPageID(oldNext)
	left.setSize(int32(mid))
	left.setNextPageID(rightID)
	right.setParentID(left.parentID())

	leftFirstKey := left.keyAt(0)
	rightFirstKey := right.keyAt(0)
	leftParent := left.parentID()
	leftID := leftPage.ID()

	leftPage.Latch.Unlock()
	t.bpm.UnpinPage(leftID, true)
	rightPage.Latch.Unlock()
	t.bpm.UnpinPage(rightID, true)

	return t.insertIntoParent(leftParent, leftID, leftFirstKey, rightID, rightFirstKey)
}

func (t *Tree) splitInternal(leftPage *page.Page, left node) error {
	rightPage, rightID, err := t.bpm.NewPage()
	if err != nil {
		leftPage.Latch.Unlock()
		t.bpm.UnpinPage(leftPage.ID(), true)
		return err
	}
	rightPage.Latch.Lock()
	right := initInternal(rightPage, t.internalMax)

	total := int(left.size())
	mid := (total + 1) / 2 // left keeps the larger half, per spec.md scenario 4
	for i := mid; i < total; i++ {
		childID := left.childAt(i)
		right.insertInternalAt(int(right.size()), left.keyAt(i), childID)
		t.setParent(childID, rightID)
	}
	upKey := right.keyAt(0)
	left.setSize(int32(mid))
	right.setParentID(left.parentID())

	leftFirstKey := left.keyAt(0)
	leftParent := left.parentID()
	leftID := leftPage.ID()

	leftPage.Latch.Unlock()
	t.bpm.UnpinPage(leftID, true)
	rightPage.Latch.Unlock()
	t.bpm.UnpinPage(rightID, true)

	return t.insertIntoParent(leftParent, leftID, leftFirstKey, rightID, upKey)
}

// setParent updates childID's stored parent pointer via a fresh BPM fetch,
// keeping every live reference routed through the pool (spec.md §9). The
// write is made under childID's own writer latch: childID is never the
// page the caller is already holding latched (it is always a sibling or a
// grandchild being relocated), so a fresh Lock/Unlock here is required to
// satisfy spec.md §5's "exactly one writer latch holder... at a time" and
// does not risk self-deadlock.
func (t *Tree) setParent(childID, parentID page.ID) error {
	p, err := t.bpm.FetchPage(childID)
	if err != nil {
		return err
	}
	p.Latch.Lock()
	wrap(p).setParentID(parentID)
	p.Latch.Unlock()
	t.bpm.UnpinPage(childID, true)
	return nil
}

// insertIntoParent installs the post-split sibling pair into the parent of
// leftID, creating a new root if leftID had none, and cascading into a
// parent split if the parent itself overflows (spec.md §4.4).
func (t *Tree) insertIntoParent(parentID, leftID page.ID, leftKey Key, rightID page.ID, rightKey Key) error {
	if parentID == page.INVALID {
		rootPage, rootID, err := t.bpm.NewPage()
		if err != nil {
			return err
		}
		rn := initInternal(rootPage, t.internalMax)
		rn.insertInternalAt(0, leftKey, leftID)
		rn.insertInternalAt(1, rightKey, rightID)
		t.bpm.UnpinPage(rootID, true)

		t.setParent(leftID, rootID)
		t.setParent(rightID, rootID)

		t.guard.Lock()
		t.rootPageID = rootID
		t.guard.Unlock()
		t.writeHeaderRoot(rootID)
		return nil
	}

	p, err := t.bpm.FetchPage(parentID)
	if err != nil {
		return err
	}
	p.Latch.Lock()
	pn := wrap(p)

	idx := -1
	for i := 0; i < int(pn.size()); i++ {
		if pn.childAt(i) == leftID {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.Latch.Unlock()
		t.bpm.UnpinPage(parentID, false)
		return fmt.Errorf("btree: could not locate left child %d in parent %d", leftID, parentID)
	}
	if idx > 0 {
		pn.setKeyAt(idx, leftKey)
	}
	pn.insertInternalAt(idx+1, rightKey, rightID)
	t.setParent(rightID, parentID)

	if pn.size() < pn.maxSize() {
		p.Latch.Unlock()
		t.bpm.UnpinPage(parentID, true)
		return nil
	}
	return t.splitInternal(p, pn)
}

// Remove deletes key, returning whether it was present.
func (t *Tree) Remove(key Key) (bool, error) {
	t.guard.Lock()
	if t.rootPageID == page.INVALID {
		t.guard.Unlock()
		return false, nil
	}
	root := t.rootPageID
	cur, err := t.bpm.FetchPage(root)
	if err != nil {
		t.guard.Unlock()
		return false, err
	}
	cur.Latch.Lock()
	t.guard.Unlock()

	for {
		n := wrap(cur)
		if n.isLeaf() {
			break
		}
		idx := n.childIndex(key, t.cmp)
		childID := n.childAt(idx)
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			cur.Latch.Unlock()
			t.bpm.UnpinPage(cur.ID(), false)
			return false, err
		}
		child.Latch.Lock()
		cur.Latch.Unlock()
		t.bpm.UnpinPage(cur.ID(), false)
		cur = child
	}

	leaf := cur
	n := wrap(leaf)
	idx := n.lowerBound(key, t.cmp)
	if idx >= int(n.size()) || t.cmp(n.keyAt(idx), key) != 0 {
		leaf.Latch.Unlock()
		t.bpm.UnpinPage(leaf.ID(), false)
		return false, nil
	}
	n.removeLeafAt(idx)

	leafID := leaf.ID()
	isRoot := leafID == t.currentRoot()
	if isRoot || n.size() >= minSize(n.maxSize()) {
		leaf.Latch.Unlock()
		t.bpm.UnpinPage(leafID, true)
		if isRoot && n.size() == 0 {
			t.guard.Lock()
			t.rootPageID = page.INVALID
			t.guard.Unlock()
			t.writeHeaderRoot(page.INVALID)
			t.bpm.DeletePage(leafID)
		}
		return true, nil
	}

	leaf.Latch.Unlock()
	t.bpm.UnpinPage(leafID, true)
	if err := t.rebalance(leafID); err != nil {
		return true, err
	}
	return true, nil
}

// rebalance restores min_size at nodeID (already unpinned and unlatched)
// by borrowing from a sibling, or merging with one, recursing upward on
// parent underflow (spec.md §4.4 steps 3-5).
func (t *Tree) rebalance(nodeID page.ID) error {
	p, err := t.bpm.FetchPage(nodeID)
	if err != nil {
		return err
	}
	p.Latch.Lock()
	n := wrap(p)
	parentID := n.parentID()

	if parentID == page.INVALID {
		if !n.isLeaf() && n.size() == 1 {
			onlyChild := n.childAt(0)
			p.Latch.Unlock()
			t.bpm.UnpinPage(nodeID, false)
			t.setParent(onlyChild, page.INVALID)
			t.guard.Lock()
			t.rootPageID = onlyChild
			t.guard.Unlock()
			t.writeHeaderRoot(onlyChild)
			t.bpm.DeletePage(nodeID)
			return nil
		}
		p.Latch.Unlock()
		t.bpm.UnpinPage(nodeID, false)
		return nil
	}

	parent, err := t.bpm.FetchPage(parentID)
	if err != nil {
		p.Latch.Unlock()
		t.bpm.UnpinPage(nodeID, false)
		return err
	}
	parent.Latch.Lock()
	pn := wrap(parent)

	myIdx := -1
	for i := 0; i < int(pn.size()); i++ {
		if pn.childAt(i) == nodeID {
			myIdx = i
			break
		}
	}
	if myIdx < 0 {
		p.Latch.Unlock()
		t.bpm.UnpinPage(nodeID, false)
		parent.Latch.Unlock()
		t.bpm.UnpinPage(parentID, false)
		return fmt.Errorf("btree: rebalance could not locate node %d in parent %d", nodeID, parentID)
	}

	if myIdx > 0 {
		leftID := pn.childAt(myIdx - 1)
		leftPage, err := t.bpm.FetchPage(leftID)
		if err == nil {
			leftPage.Latch.Lock()
			ln := wrap(leftPage)
			if ln.size() > minSize(ln.maxSize()) {
				t.borrowLeft(pn, myIdx-1, ln, leftPage, n, p)
				leftPage.Latch.Unlock()
				t.bpm.UnpinPage(leftID, true)
				p.Latch.Unlock()
				t.bpm.UnpinPage(nodeID, true)
				parent.Latch.Unlock()
				t.bpm.UnpinPage(parentID, true)
				return nil
			}
			leftPage.Latch.Unlock()
			t.bpm.UnpinPage(leftID, false)
		}
	}

	if myIdx < int(pn.size())-1 {
		rightID := pn.childAt(myIdx + 1)
		rightPage, err := t.bpm.FetchPage(rightID)
		if err == nil {
			rightPage.Latch.Lock()
			rn := wrap(rightPage)
			if rn.size() > minSize(rn.maxSize()) {
				t.borrowRight(pn, myIdx, n, p, rn, rightPage)
				rightPage.Latch.Unlock()
				t.bpm.UnpinPage(rightID, true)
				p.Latch.Unlock()
				t.bpm.UnpinPage(nodeID, true)
				parent.Latch.Unlock()
				t.bpm.UnpinPage(parentID, true)
				return nil
			}
			rightPage.Latch.Unlock()
			t.bpm.UnpinPage(rightID, false)
		}
	}

	var deletedID page.ID
	if myIdx > 0 {
		leftID := pn.childAt(myIdx - 1)
		leftPage, err := t.bpm.FetchPage(leftID)
		if err != nil {
			p.Latch.Unlock()
			t.bpm.UnpinPage(nodeID, false)
			parent.Latch.Unlock()
			t.bpm.UnpinPage(parentID, false)
			return err
		}
		leftPage.Latch.Lock()
		ln := wrap(leftPage)
		t.merge(pn, myIdx-1, ln, leftPage, n, p)
		leftPage.Latch.Unlock()
		t.bpm.UnpinPage(leftID, true)
		deletedID = nodeID
	} else {
		rightID := pn.childAt(myIdx + 1)
		rightPage, err := t.bpm.FetchPage(rightID)
		if err != nil {
			p.Latch.Unlock()
			t.bpm.UnpinPage(nodeID, false)
			parent.Latch.Unlock()
			t.bpm.UnpinPage(parentID, false)
			return err
		}
		rightPage.Latch.Lock()
		rn := wrap(rightPage)
		t.merge(pn, myIdx, n, p, rn, rightPage)
		rightPage.Latch.Unlock()
		t.bpm.UnpinPage(rightID, true)
		deletedID = rightID
	}
	p.Latch.Unlock()
	t.bpm.UnpinPage(nodeID, true)
	t.bpm.DeletePage(deletedID)

	isRootParent := parentID == t.currentRoot()
	if isRootParent || pn.size() >= minSize(pn.maxSize()) {
		parent.Latch.Unlock()
		t.bpm.UnpinPage(parentID, true)
		if isRootParent {
			return t.rebalance(parentID)
		}
		return nil
	}
	parent.Latch.Unlock()
	t.bpm.UnpinPage(parentID, true)
	return t.rebalance(parentID)
}

// borrowLeft moves left's last entry to right's front, updating the
// parent separator at slot leftIdx+1. leftIdx is the parent slot holding
// left's child pointer.
func (t *Tree) borrowLeft(parent node, leftIdx int, left node, leftPage *page.Page, right node, rightPage *page.Page) {
	if right.isLeaf() {
		last := int(left.size()) - 1
		k, v := left.keyAt(last), left.valueAt(last)
		left.removeLeafAt(last)
		right.insertLeafAt(0, k, v)
		parent.setKeyAt(leftIdx+1, right.keyAt(0))
		return
	}
	last := int(left.size()) - 1
	childID := left.childAt(last)
	oldSep := parent.keyAt(leftIdx + 1)
	newSep := left.keyAt(last)
	left.removeInternalAt(last)
	right.insertInternalAt(0, oldSep, childID)
	t.setParent(childID, rightPage.ID())
	parent.setKeyAt(leftIdx+1, newSep)
}

// borrowRight moves right's first entry to left's end, updating the
// parent separator at slot leftIdx+1.
func (t *Tree) borrowRight(parent node, leftIdx int, left node, leftPage *page.Page, right node, rightPage *page.Page) {
	if right.isLeaf() {
		k, v := right.keyAt(0), right.valueAt(0)
		right.removeLeafAt(0)
		left.insertLeafAt(int(left.size()), k, v)
		parent.setKeyAt(leftIdx+1, right.keyAt(0))
		return
	}
	childID := right.childAt(0)
	oldSep := parent.keyAt(leftIdx + 1)
	newSep := right.keyAt(1)
	right.removeInternalAt(0)
	left.insertInternalAt(int(left.size()), oldSep, childID)
	t.setParent(childID, leftPage.ID())
	parent.setKeyAt(leftIdx+1, newSep)
}

// merge folds right's entries into left and removes the parent's
// separator slot at leftIdx+1. Caller deletes right's now-empty page
// afterward.
func (t *Tree) merge(parent node, leftIdx int, left node, leftPage *page.Page, right node, rightPage *page.Page) {
	if left.isLeaf() {
		n := int(right.size())
		for i := 0; i < n; i++ {
			left.insertLeafAt(int(left.size()), right.keyAt(i), right.valueAt(i))
		}
		left.setNextPageID(right.nextPageID())
	} else {
		sep := parent.keyAt(leftIdx + 1)
		left.insertInternalAt(int(left.size()), sep, right.childAt(0))
		t.setParent(right.childAt(0), leftPage.ID())
		for i := 1; i < int(right.size()); i++ {
			left.insertInternalAt(int(left.size()), right.keyAt(i), right.childAt(i))
			t.setParent(right.childAt(i), leftPage.ID())
		}
	}
	parent.removeInternalAt(leftIdx + 1)
}

// Name returns the index's name as stored in the header page.
func (t *Tree) Name() string { return t.name }
