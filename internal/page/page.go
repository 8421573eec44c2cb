// Package page defines the fixed-size in-memory page buffer shared by the
// buffer pool manager and the B+-tree index.
//
// A Page is a raw byte buffer plus the metadata the buffer pool needs to
// track it (page id, pin count, dirty flag) and the reader/writer latch the
// B+-tree needs to serialize concurrent access to its contents. The buffer
// pool owns the Data slice for the lifetime of the frame; nothing outside a
// pinned critical section may retain a reference to it.
package page

import (
	"encoding/binary"
	"sync"
)

// Size is the fixed page size shared by every page in the pool, analogous
// to BUSTUB_PAGE_SIZE.
const Size = 4096

// ID identifies a page. INVALID marks the absence of a page.
type ID int64

// INVALID is the sentinel page id: never resident, never allocatable.
const INVALID ID = -1

// Page is one frame's worth of raw storage plus bookkeeping.
type Page struct {
	Data     [Size]byte
	id       ID
	pinCount int
	dirty    bool

	// Latch is the per-page reader/writer latch acquired top-down along a
	// root-to-leaf path during B+-tree traversal (spec §5, latch level 2).
	Latch sync.RWMutex
}

// New returns a zeroed page identified as invalid and unpinned.
func New() *Page {
	return &Page{id: INVALID}
}

// Reset zeroes the buffer and clears all metadata, as done when a frame is
// reused for a different page id.
func (p *Page) Reset() {
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.id = INVALID
	p.pinCount = 0
	p.dirty = false
}

func (p *Page) ID() ID          { return p.id }
func (p *Page) SetID(id ID)     { p.id = id }
func (p *Page) IsDirty() bool   { return p.dirty }
func (p *Page) SetDirty(v bool) { p.dirty = v }
func (p *Page) PinCount() int   { return p.pinCount }

// Pin increments the pin count, marking one more live borrow of this frame.
func (p *Page) Pin() { p.pinCount++ }

// Unpin decrements the pin count. Returns false if the pin count was
// already zero (caller error, per spec §7's "not found"/misuse taxonomy —
// the buffer pool manager surfaces this as a bool, never a panic).
func (p *Page) Unpin() bool {
	if p.pinCount <= 0 {
		return false
	}
	p.pinCount--
	return true
}

// GetUint32 / PutUint32 give the B+-tree page codecs a common place to read
// and write fixed-width header fields without hand-rolling offsets.
func (p *Page) GetUint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(p.Data[offset:])
}

func (p *Page) PutUint32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(p.Data[offset:], v)
}

func (p *Page) GetInt32(offset int) int32 {
	return int32(p.GetUint32(offset))
}

func (p *Page) PutInt32(offset int, v int32) {
	p.PutUint32(offset, uint32(v))
}

func (p *Page) GetInt64(offset int) int64 {
	return int64(binary.LittleEndian.Uint64(p.Data[offset:]))
}

func (p *Page) PutInt64(offset int, v int64) {
	binary.LittleEndian.PutUint64(p.Data[offset:], uint64(v))
}
