// Package log implements the write-ahead log manager threaded through the
// storage core as an optional handle that the core never calls: nothing in internal/buffer
// or internal/btree invokes it, per spec.md §6 ("this core does not invoke
// it directly"). It is kept self-contained and independently testable in
// the teacher's manner (a dedicated append/flush/iterate log API backed by
// its own disk handle) rather than sharing the buffer pool's pages.
package log

import (
	"encoding/binary"
	"fmt"
	"sync"

	"ultrastore/internal/disk"
	"ultrastore/internal/page"
)

// Error wraps a failed log operation with the operation name, in the
// teacher's op/err error shape.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("log: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// recordHeaderSize is the length prefix on each appended record.
const recordHeaderSize = 4

// nextPtrSize reserves the page's trailing bytes for the id of the page
// that continues the log once the current one fills up. INVALID marks
// the tail of the chain.
const nextPtrSize = 8

const pageCapacity = page.Size - nextPtrSize

// Manager appends length-prefixed records to a chain of pages on its own
// disk handle, flushing the active page on demand. It has no relationship
// to the buffer pool: the log is written directly, matching the
// spec's "consumed, optional" characterization of the log handle from the
// storage core's point of view.
type Manager struct {
	mu sync.Mutex

	disk disk.Manager

	firstPageID   page.ID
	currentPageID page.ID
	buf           [page.Size]byte
	offset        int

	latestLSN      int
	latestSavedLSN int
}

// Open creates a fresh log on d, allocating its first page.
func Open(d disk.Manager) (*Manager, error) {
	id := d.AllocatePage()
	m := &Manager{
		disk:          d,
		firstPageID:   id,
		currentPageID: id,
	}
	invalid := page.INVALID
	binary.LittleEndian.PutUint64(m.buf[pageCapacity:], uint64(invalid))
	return m, nil
}

// Append writes logrec as a new record, returning its assigned LSN.
// Rolls over to a freshly allocated page when logrec would not fit in the
// remainder of the active one.
func (lm *Manager) Append(logrec []byte) (int, error) {
	if len(logrec) == 0 {
		return 0, &Error{Op: "append", Err: fmt.Errorf("empty log record")}
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	needed := recordHeaderSize + len(logrec)
	if lm.offset+needed > pageCapacity {
		if err := lm.rollLocked(); err != nil {
			return 0, &Error{Op: "append", Err: err}
		}
	}
	if needed > pageCapacity {
		return 0, &Error{Op: "append", Err: fmt.Errorf("record of %d bytes exceeds page capacity %d", len(logrec), pageCapacity)}
	}

	binary.LittleEndian.PutUint32(lm.buf[lm.offset:], uint32(len(logrec)))
	copy(lm.buf[lm.offset+recordHeaderSize:], logrec)
	lm.offset += needed

	lm.latestLSN++
	return lm.latestLSN, nil
}

// rollLocked flushes the active page, allocates a new one, links the old
// page's tail pointer to it, and resets the write cursor. Caller holds mu.
func (lm *Manager) rollLocked() error {
	newID := lm.disk.AllocatePage()
	binary.LittleEndian.PutUint64(lm.buf[pageCapacity:], uint64(newID))
	if err := lm.disk.WritePage(lm.currentPageID, &lm.buf); err != nil {
		return err
	}

	lm.buf = [page.Size]byte{}
	invalid := page.INVALID
	binary.LittleEndian.PutUint64(lm.buf[pageCapacity:], uint64(invalid))
	lm.currentPageID = newID
	lm.offset = 0
	return nil
}

// Flush persists the active page's current contents, marking every LSN
// appended so far as durable.
func (lm *Manager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.disk.WritePage(lm.currentPageID, &lm.buf); err != nil {
		return &Error{Op: "flush", Err: err}
	}
	lm.latestSavedLSN = lm.latestLSN
	return nil
}

// FlushAsync flushes in a background goroutine, in the teacher's
// fire-and-observe channel style.
func (lm *Manager) FlushAsync() <-chan error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- lm.Flush()
		close(errChan)
	}()
	return errChan
}

// Checkpoint flushes and is a distinct name from Flush so callers can mark
// a recovery boundary without this package needing to know what a
// checkpoint means to its caller (log_record/recovery machinery is out of
// scope here, per spec.md §1's Non-goals).
func (lm *Manager) Checkpoint() error {
	if err := lm.Flush(); err != nil {
		return &Error{Op: "checkpoint", Err: err}
	}
	return nil
}

// LatestLSN returns the most recently assigned LSN.
func (lm *Manager) LatestLSN() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.latestLSN
}

// Close flushes any unflushed record and releases the underlying disk
// handle.
func (lm *Manager) Close() error {
	if err := lm.Flush(); err != nil {
		return err
	}
	return lm.disk.Close()
}

// Iterator reads back every appended record, oldest first, from the
// beginning of the chain. It flushes the active in-memory page first, so
// every record appended so far is visible.
func (lm *Manager) Iterator() (*Iterator, error) {
	if err := lm.Flush(); err != nil {
		return nil, &Error{Op: "iterator", Err: err}
	}
	it := &Iterator{disk: lm.disk, pageID: lm.firstPageID}
	if err := it.loadPage(); err != nil {
		return nil, &Error{Op: "iterator", Err: err}
	}
	return it, nil
}

// Iterator walks the log's page chain, yielding one record per Next call.
type Iterator struct {
	disk   disk.Manager
	pageID page.ID
	buf    [page.Size]byte
	offset int
	loaded bool
}

func (it *Iterator) loadPage() error {
	if it.pageID == page.INVALID {
		it.loaded = false
		return nil
	}
	if err := it.disk.ReadPage(it.pageID, &it.buf); err != nil {
		return err
	}
	it.offset = 0
	it.loaded = true
	return nil
}

// HasNext reports whether another record is available.
func (it *Iterator) HasNext() bool {
	for it.loaded {
		if it.offset+recordHeaderSize > pageCapacity {
			it.advancePage()
			continue
		}
		n := binary.LittleEndian.Uint32(it.buf[it.offset:])
		if n == 0 {
			it.advancePage()
			continue
		}
		return true
	}
	return false
}

func (it *Iterator) advancePage() {
	next := page.ID(binary.LittleEndian.Uint64(it.buf[pageCapacity:]))
	it.pageID = next
	if next == page.INVALID {
		it.loaded = false
		return
	}
	if err := it.loadPage(); err != nil {
		it.loaded = false
	}
}

// Next returns the next record's bytes. Callers must check HasNext first;
// Next on an exhausted iterator returns nil.
func (it *Iterator) Next() []byte {
	if !it.HasNext() {
		return nil
	}
	n := binary.LittleEndian.Uint32(it.buf[it.offset:])
	start := it.offset + recordHeaderSize
	rec := make([]byte, n)
	copy(rec, it.buf[start:start+int(n)])
	it.offset = start + int(n)
	return rec
}
