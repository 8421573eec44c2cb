// Package lru implements the LRU-K page replacement policy: the buffer
// pool manager's record of which frames are candidates for eviction, and
// which of those the pool should evict next.
//
// Structurally this is grounded on the teacher's buffer.Clock policy (one
// mutex guarding a small per-frame map) with the frame-ordering idea from
// other_examples/Adarsh-Kmt-DragonDB__lru_replacer.go's container/list
// bookkeeping, adapted from plain LRU to the backward k-distance rule.
package lru

import (
	"container/list"
	"fmt"
	"sync"
)

// FrameID indexes a frame in the buffer pool's frame array.
type FrameID int

type frameRecord struct {
	history   *list.List // timestamps, oldest at Front, newest at Back
	evictable bool
}

// Replacer tracks access history for up to replacerSize frames and selects
// an eviction victim by maximum backward k-distance (spec.md §4.2).
type Replacer struct {
	mu         sync.Mutex
	k          int
	size       int // replacer_size: valid frame id upper bound (exclusive)
	current    uint64
	frames     map[FrameID]*frameRecord
	evictCount int
}

// New constructs a replacer for frame ids in [0, replacerSize) with history
// depth k. Panics if k < 1, matching the spec's "parameter k ≥ 1" as a
// construction-time invariant.
func New(replacerSize int, k int) *Replacer {
	if k < 1 {
		panic(fmt.Sprintf("lru: k must be >= 1, got %d", k))
	}
	return &Replacer{
		k:      k,
		size:   replacerSize,
		frames: make(map[FrameID]*frameRecord),
	}
}

func (r *Replacer) checkFrame(f FrameID) {
	if f < 0 || int(f) >= r.size {
		panic(fmt.Sprintf("lru: frame id %d out of range [0, %d)", f, r.size))
	}
}

// RecordAccess appends the current timestamp to frame f's history,
// truncating to the most recent k entries. Auto-creates the frame record
// (initially not evictable) if absent.
func (r *Replacer) RecordAccess(f FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFrame(f)

	rec, ok := r.frames[f]
	if !ok {
		rec = &frameRecord{history: list.New()}
		r.frames[f] = rec
	}
	r.current++
	rec.history.PushBack(r.current)
	for rec.history.Len() > r.k {
		rec.history.Remove(rec.history.Front())
	}
}

// SetEvictable toggles the evictable flag for frame f, adjusting Size()
// accordingly. No-op if the frame is unknown or the state is unchanged.
func (r *Replacer) SetEvictable(f FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFrame(f)

	rec, ok := r.frames[f]
	if !ok || rec.evictable == evictable {
		return
	}
	rec.evictable = evictable
}

// Remove removes the frame record for f. Panics if the frame is known and
// not evictable (spec.md §7: "invalid argument ... raises a hard error").
// No-op if the frame is unknown.
func (r *Replacer) Remove(f FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkFrame(f)

	rec, ok := r.frames[f]
	if !ok {
		return
	}
	if !rec.evictable {
		panic(fmt.Sprintf("lru: Remove called on non-evictable frame %d", f))
	}
	delete(r.frames, f)
}

// distance reports the backward k-distance for rec, and whether it is +∞
// (fewer than k accesses recorded) along with the earliest-access
// timestamp used to break +∞ ties.
func (r *Replacer) distance(rec *frameRecord) (dist uint64, infinite bool, earliest uint64) {
	earliest = rec.history.Front().Value.(uint64)
	if rec.history.Len() < r.k {
		return 0, true, earliest
	}
	kth := rec.history.Front().Value.(uint64)
	return r.current - kth, false, earliest
}

// Evict selects and removes a victim among evictable frames: maximum
// backward k-distance wins, +∞ beats any finite distance, and +∞ ties are
// broken by earliest first access (spec.md §4.2, LRK-I3).
func (r *Replacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		victim       FrameID
		found        bool
		bestInf      bool
		bestDist     uint64
		bestEarliest uint64
	)

	for f, rec := range r.frames {
		if !rec.evictable {
			continue
		}
		dist, inf, earliest := r.distance(rec)

		better := false
		switch {
		case !found:
			better = true
		case inf && !bestInf:
			better = true
		case inf && bestInf:
			better = earliest < bestEarliest
		case !inf && bestInf:
			better = false
		default: // both finite
			if dist != bestDist {
				better = dist > bestDist
			} else {
				better = earliest < bestEarliest
			}
		}

		if better {
			victim, found = f, true
			bestInf, bestDist, bestEarliest = inf, dist, earliest
		}
	}

	if !found {
		return 0, false
	}
	delete(r.frames, victim)
	r.evictCount++
	return victim, true
}

// Size returns the current number of evictable frames (LRK-I1).
func (r *Replacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.frames {
		if rec.evictable {
			n++
		}
	}
	return n
}

// Evictions returns the lifetime count of successful Evict calls. Exposed
// for the buffer pool manager's Stats().
func (r *Replacer) Evictions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictCount
}
