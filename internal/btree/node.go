// Package btree implements the concurrent B+-tree index layered over the
// buffer pool manager, grounded on the teacher's kfile.SlottedPage binary
// slot layout (header fields at fixed byte offsets, followed by a packed,
// sorted entry array) adapted from the teacher's variable-length cell
// directory to the spec's fixed-width (key, value) pairs per spec.md §6.
package btree

import (
	"ultrastore/internal/page"
)

// pageKind distinguishes leaf from internal pages in the header's
// page_type field.
type pageKind int32

const (
	kindInternal pageKind = 1
	kindLeaf     pageKind = 2
)

// Header byte offsets, shared by both page kinds; leaf pages additionally
// carry nextPageIDOffset. Sizes match spec.md §6 exactly: 28B leaf header,
// 24B internal header.
const (
	offPageType   = 0
	offLSN        = 4
	offSize       = 8
	offMaxSize    = 12
	offParentID   = 16
	offPageID     = 20
	offNextPageID = 24 // leaf only

	internalHeaderSize = 24
	leafHeaderSize     = 28

	entrySize = 16 // 8B key + 8B value (RID or child page id), both kinds
)

// Key is the tree's key type: a fixed-width signed integer, per
// SPEC_FULL.md's decision to fix K = int64 with an injectable comparator
// rather than carry a generic marshalling layer (out of scope per
// spec.md §1).
type Key = int64

// RID is a leaf value: an opaque record identifier. Treated as an int64
// here since the spec scopes serialized key/value marshalling out.
type RID = int64

// Comparator orders two keys, following the teacher's injected-comparator
// pattern: negative if a < b, zero if equal, positive if a > b.
type Comparator func(a, b Key) int

// DefaultComparator orders keys numerically.
func DefaultComparator(a, b Key) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// node is a typed view over a page's bytes, used by both leaf and
// internal accessors below. It never copies the underlying Data array.
type node struct{ *page.Page }

func wrap(p *page.Page) node { return node{p} }

func (n node) kind() pageKind     { return pageKind(n.GetInt32(offPageType)) }
func (n node) setKind(k pageKind) { n.PutInt32(offPageType, int32(k)) }
func (n node) isLeaf() bool       { return n.kind() == kindLeaf }

func (n node) size() int32      { return n.GetInt32(offSize) }
func (n node) setSize(v int32)  { n.PutInt32(offSize, v) }
func (n node) maxSize() int32   { return n.GetInt32(offMaxSize) }
func (n node) setMaxSize(v int32) { n.PutInt32(offMaxSize, v) }

func (n node) parentID() page.ID     { return page.ID(n.GetInt32(offParentID)) }
func (n node) setParentID(id page.ID) { n.PutInt32(offParentID, int32(id)) }

func (n node) headerSize() int {
	if n.isLeaf() {
		return leafHeaderSize
	}
	return internalHeaderSize
}

func (n node) nextPageID() page.ID {
	return page.ID(n.GetInt32(offNextPageID))
}
func (n node) setNextPageID(id page.ID) {
	n.PutInt32(offNextPageID, int32(id))
}

func (n node) entryOffset(i int) int {
	return n.headerSize() + i*entrySize
}

func (n node) keyAt(i int) Key {
	return n.GetInt64(n.entryOffset(i))
}
func (n node) setKeyAt(i int, k Key) {
	n.PutInt64(n.entryOffset(i), k)
}

// leaf value accessors (RID at slot i).
func (n node) valueAt(i int) RID {
	return n.GetInt64(n.entryOffset(i) + 8)
}
func (n node) setValueAt(i int, v RID) {
	n.PutInt64(n.entryOffset(i)+8, v)
}

// internal child accessors (child page id at slot i).
func (n node) childAt(i int) page.ID {
	return page.ID(n.GetInt64(n.entryOffset(i) + 8))
}
func (n node) setChildAt(i int, id page.ID) {
	n.PutInt64(n.entryOffset(i)+8, int64(id))
}

// initLeaf formats p as a fresh, empty leaf page.
func initLeaf(p *page.Page, maxSize int32) node {
	n := wrap(p)
	n.setKind(kindLeaf)
	n.setSize(0)
	n.setMaxSize(maxSize)
	n.setParentID(page.INVALID)
	n.PutInt32(offPageID, int32(p.ID()))
	n.setNextPageID(page.INVALID)
	return n
}

// initInternal formats p as a fresh, empty internal page.
func initInternal(p *page.Page, maxSize int32) node {
	n := wrap(p)
	n.setKind(kindInternal)
	n.setSize(0)
	n.setMaxSize(maxSize)
	n.setParentID(page.INVALID)
	n.PutInt32(offPageID, int32(p.ID()))
	return n
}

// lowerBound returns the smallest index i in [0, size) with keyAt(i) >=
// key (leaf semantics: first slot not less than key).
func (n node) lowerBound(key Key, cmp Comparator) int {
	lo, hi := 0, int(n.size())
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.keyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// childIndex returns the index of the child slot that owns key, for an
// internal node: the largest i such that keyAt(i) <= key, or 0 if
// key < keyAt(1) (slot 0's key is unused, per spec.md §3).
func (n node) childIndex(key Key, cmp Comparator) int {
	lo, hi := 1, int(n.size())
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.keyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// insertLeafAt shifts entries right to make room at i and writes (k, v).
func (n node) insertLeafAt(i int, k Key, v RID) {
	sz := int(n.size())
	for j := sz; j > i; j-- {
		n.setKeyAt(j, n.keyAt(j-1))
		n.setValueAt(j, n.valueAt(j-1))
	}
	n.setKeyAt(i, k)
	n.setValueAt(i, v)
	n.setSize(int32(sz + 1))
}

// removeLeafAt removes the entry at i, shifting the tail left.
func (n node) removeLeafAt(i int) {
	sz := int(n.size())
	for j := i; j < sz-1; j++ {
		n.setKeyAt(j, n.keyAt(j+1))
		n.setValueAt(j, n.valueAt(j+1))
	}
	n.setSize(int32(sz - 1))
}

// insertInternalAt shifts entries right to make room at i and writes
// (k, childID).
func (n node) insertInternalAt(i int, k Key, childID page.ID) {
	sz := int(n.size())
	for j := sz; j > i; j-- {
		n.setKeyAt(j, n.keyAt(j-1))
		n.setChildAt(j, n.childAt(j-1))
	}
	n.setKeyAt(i, k)
	n.setChildAt(i, childID)
	n.setSize(int32(sz + 1))
}

// removeInternalAt removes the entry at i, shifting the tail left.
func (n node) removeInternalAt(i int) {
	sz := int(n.size())
	for j := i; j < sz-1; j++ {
		n.setKeyAt(j, n.keyAt(j+1))
		n.setChildAt(j, n.childAt(j+1))
	}
	n.setSize(int32(sz - 1))
}
