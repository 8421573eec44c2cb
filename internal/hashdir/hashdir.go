// Package hashdir implements the extendible hash directory used by the
// buffer pool manager to map page ids to frame ids, grounded on the
// teacher's buffer.Clock frame map but generalized from a flat map to a
// directory that grows by doubling, per spec.md §4.1.
package hashdir

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const maxDepth = 64

// bucket holds the key/value pairs that hash to one directory slot range,
// plus the local depth they were split at.
type bucket[K comparable, V any] struct {
	localDepth int
	entries    map[K]V
}

func newBucket[K comparable, V any](depth int) *bucket[K, V] {
	return &bucket[K, V]{localDepth: depth, entries: make(map[K]V)}
}

// Table is an extendible hash table mapping keys of type K to values of
// type V. The zero value is not usable; construct with New.
type Table[K comparable, V any] struct {
	mu         sync.Mutex
	globalDepth int
	directory  []*bucket[K, V]
	bucketSize int
	hash       func(K) uint64
}

// New constructs a table with one bucket (global depth 0) holding up to
// bucketSize entries before it must split. hashFn computes the table's
// hash(k); callers keying on int64 or string can pass HashInt64 or
// HashString.
func New[K comparable, V any](bucketSize int, hashFn func(K) uint64) *Table[K, V] {
	if bucketSize < 1 {
		bucketSize = 1
	}
	if hashFn == nil {
		panic("hashdir: hashFn must not be nil")
	}
	t := &Table[K, V]{
		bucketSize: bucketSize,
		hash:       hashFn,
	}
	t.directory = []*bucket[K, V]{newBucket[K, V](0)}
	return t
}

// HashInt64 is the default hash(k) for int64-keyed tables: xxhash over the
// key's little-endian byte representation, matching SPEC_FULL.md's "(new)"
// hash function choice.
func HashInt64(k int64) uint64 {
	var b [8]byte
	u := uint64(k)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
	return xxhash.Sum64(b[:])
}

// HashString is the default hash(k) for string-keyed tables.
func HashString(k string) uint64 {
	return xxhash.Sum64String(k)
}

func (t *Table[K, V]) indexOf(h uint64) int {
	if t.globalDepth == 0 {
		return 0
	}
	mask := uint64(1)<<uint(t.globalDepth) - 1
	return int(h & mask)
}

// Find looks up k, returning its value and whether it was present.
func (t *Table[K, V]) Find(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.directory[t.indexOf(t.hash(k))]
	v, ok := b.entries[k]
	return v, ok
}

// Insert adds or overwrites the mapping for k, splitting and doubling the
// directory as needed (spec.md §4.1's split/double algorithm).
func (t *Table[K, V]) Insert(k K, v V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		idx := t.indexOf(t.hash(k))
		b := t.directory[idx]

		if _, exists := b.entries[k]; exists {
			b.entries[k] = v
			return
		}
		if len(b.entries) < t.bucketSize {
			b.entries[k] = v
			return
		}
		t.splitBucket(idx)
		// retry: directory/bucket layout has changed
	}
}

// splitBucket splits the bucket at directory index idx, doubling the
// directory first if the bucket's local depth has caught up to the
// current global depth.
func (t *Table[K, V]) splitBucket(idx int) {
	b := t.directory[idx]
	if b.localDepth >= maxDepth {
		// Pathological: bucketSize keys all collide on every hash bit up
		// to maxDepth. Splitting further can never separate them, and
		// returning silently here would leave Insert's retry loop calling
		// splitBucket forever against a still-full bucket. spec.md §4.1:
		// "implementers should bound depth at 64 and fail loudly on
		// overflow."
		panic(fmt.Sprintf("hashdir: bucket exceeded max depth %d, hash is not well-distributed", maxDepth))
	}

	if b.localDepth == t.globalDepth {
		t.double()
	}

	newDepth := b.localDepth + 1
	sibling := newBucket[K, V](newDepth)
	b.localDepth = newDepth

	// The high bit that distinguishes the split halves.
	splitBit := uint64(1) << uint(newDepth-1)

	// Re-home every directory slot that currently points at b and whose
	// new-depth-th bit is set, to the sibling bucket.
	for i, d := range t.directory {
		if d != b {
			continue
		}
		if uint64(i)&splitBit != 0 {
			t.directory[i] = sibling
		}
	}

	// Redistribute b's entries between b and sibling by their hash's
	// split bit.
	for k, v := range b.entries {
		if t.hash(k)&splitBit != 0 {
			sibling.entries[k] = v
			delete(b.entries, k)
		}
	}
}

// double doubles the directory, pointing each new slot at the same bucket
// as its mirror in the old half (spec.md §4.1: "directory doubling").
func (t *Table[K, V]) double() {
	old := t.directory
	t.directory = make([]*bucket[K, V], len(old)*2)
	copy(t.directory, old)
	copy(t.directory[len(old):], old)
	t.globalDepth++
}

// Remove deletes k's mapping if present, returning whether it was found.
// Buckets are never merged back down: global/local depth only grow, which
// matches the observed source's behavior (spec.md §9 Open Question).
func (t *Table[K, V]) Remove(k K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.directory[t.indexOf(t.hash(k))]
	if _, ok := b.entries[k]; !ok {
		return false
	}
	delete(b.entries, k)
	return true
}

// GlobalDepth returns the directory's current global depth.
func (t *Table[K, V]) GlobalDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalDepth
}

// LocalDepth returns the local depth of the bucket backing directory slot
// idx. Panics if idx is out of range, mirroring BUSTUB's GetLocalDepth
// contract of indexing into a live directory slot.
func (t *Table[K, V]) LocalDepth(idx int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directory[idx].localDepth
}

// NumBuckets returns the number of distinct buckets currently referenced
// by the directory (directory slots may alias the same bucket).
func (t *Table[K, V]) NumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[*bucket[K, V]]struct{})
	for _, b := range t.directory {
		seen[b] = struct{}{}
	}
	return len(seen)
}
