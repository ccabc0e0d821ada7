// Package tracker implements the striped per-size-class mini-heap
// lists — Full, Partial, Empty — plus the lock-free pending-partial
// Treiber stack that moves the common Full-to-Partial transition off
// the bin mutex (spec.md §4.4, §4.5).
//
// Grounded on runtime/mcentral.go's per-size-class partial/full span
// sets, generalized from Go's two-state (partial/full) model to
// spec.md's three intrusive bins plus the lock-free pending overlay.
package tracker

import (
	"sync"
	"sync/atomic"

	"github.com/plasma-umass/mesh/internal/miniheap"
	"github.com/plasma-umass/mesh/internal/rng"
)

// emptyListCap bounds how many mini-heaps postFree lets accumulate on
// the Empty bin before signaling the caller to flush some back to the
// arena.
const emptyListCap = 64

// occupancyCutoff is kOccupancyCutoff: mini-heaps at or above this
// fullness are not meshing candidates.
const occupancyCutoff = 0.8

// Tracker holds one size class's Full/Partial/Empty bins plus the
// lock-free pending-partial head. Every mutating method except the
// pending push takes the bin mutex.
type Tracker struct {
	get func(miniheap.ID) *miniheap.MiniHeap
	rng *rng.MWC

	mu      sync.Mutex
	full    list
	partial list
	empty   list

	pendingHead atomic.Uint32 // miniheap.ID of the pending Treiber stack head, 0 = empty
}

// New creates a Tracker. get resolves a miniheap.ID to its record —
// callers pass their Store's Get method.
func New(get func(miniheap.ID) *miniheap.MiniHeap) *Tracker {
	return &Tracker{get: get, rng: rng.New()}
}

// list is an intrusive doubly-linked list of miniheap.IDs, threaded
// through each MiniHeap's Prev/Next fields.
type list struct {
	head miniheap.ID
	n    int
}

func (t *Tracker) insertRandom(l *list, id miniheap.ID) {
	mh := t.get(id)
	if l.head == 0 || t.rng.Intn(l.n+1) == 0 {
		mh.Next = l.head
		mh.Prev = 0
		if l.head != 0 {
			t.get(l.head).Prev = id
		}
		l.head = id
		l.n++
		return
	}

	// Walk to a uniformly chosen position other than the head.
	pos := t.rng.Intn(l.n)
	cur := l.head
	for i := 0; i < pos; i++ {
		cur = t.get(cur).Next
	}
	curMH := t.get(cur)
	mh.Next = curMH.Next
	mh.Prev = cur
	if curMH.Next != 0 {
		t.get(curMH.Next).Prev = id
	}
	curMH.Next = id
	l.n++
}

func (t *Tracker) remove(l *list, id miniheap.ID) {
	mh := t.get(id)
	if mh.Prev != 0 {
		t.get(mh.Prev).Next = mh.Next
	} else {
		l.head = mh.Next
	}
	if mh.Next != 0 {
		t.get(mh.Next).Prev = mh.Prev
	}
	mh.Prev, mh.Next = 0, 0
	l.n--
}

func (t *Tracker) listFor(b miniheap.Bin) *list {
	switch b {
	case miniheap.BinFull:
		return &t.full
	case miniheap.BinPartial:
		return &t.partial
	case miniheap.BinEmpty:
		return &t.empty
	default:
		panic("tracker: no intrusive list for bin " + b.String())
	}
}

// Add inserts a newly filled mini-heap into Full at a uniformly
// random position (spec.md §4.4): randomization at insertion amortizes
// the cost of shuffling candidates before every meshing probe.
func (t *Tracker) Add(id miniheap.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mh := t.get(id)
	mh.SetFreelist(miniheap.BinFull)
	t.insertRandom(&t.full, id)
}

// PostFree reclassifies id after a free changed its occupancy,
// splicing it from its current bin to the bin matching inUse out of
// maxCount if that differs from where it already sits. A mini-heap
// still attached to a thread (Current() != 0) is left alone; one whose
// bin still reads Attached after a detach sits on no list, so it is
// only inserted. Reports true iff the new bin is Empty and the empty
// list has exceeded its cap — the caller's signal to flush some
// empties back to the arena.
func (t *Tracker) PostFree(id miniheap.ID, inUse, maxCount uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	mh := t.get(id)
	if mh.Current() != 0 {
		return false
	}
	newBin := binFor(inUse, maxCount)
	cur := mh.Freelist()
	if cur == newBin {
		return false
	}

	if cur != miniheap.BinAttached {
		t.remove(t.listFor(cur), id)
	}
	mh.SetFreelist(newBin)
	t.insertRandom(t.listFor(newBin), id)

	return newBin == miniheap.BinEmpty && t.empty.n > emptyListCap
}

func binFor(inUse, maxCount uint32) miniheap.Bin {
	switch {
	case inUse == 0:
		return miniheap.BinEmpty
	case inUse == maxCount:
		return miniheap.BinFull
	default:
		return miniheap.BinPartial
	}
}

// SelectForReuse fills out with mini-heaps drawn preferentially from
// Partial then Empty, attaching each to tok, until out is full or both
// lists are exhausted (spec.md §4.4, §4.7). It applies no byte goal:
// the only bound is cap(out).
func (t *Tracker) SelectForReuse(out []miniheap.ID, tok uint64) []miniheap.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, l := range []*list{&t.partial, &t.empty} {
		for id := l.head; id != 0 && len(out) < cap(out); {
			next := t.get(id).Next
			t.remove(l, id)
			mh := t.get(id)
			mh.Attach(tok)
			out = append(out, id)
			id = next
		}
		if len(out) == cap(out) {
			break
		}
	}
	return out
}

// MeshingCandidates returns every mini-heap currently in Partial whose
// occupancy is below cutoff and that IsMeshingCandidate (spec.md
// §4.4). The pending-partial list should be drained first so recently
// vacated mini-heaps are visible here.
func (t *Tracker) MeshingCandidates(cutoff float64) []miniheap.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []miniheap.ID
	for id := t.partial.head; id != 0; id = t.get(id).Next {
		mh := t.get(id)
		fullness := float64(mh.InUseCount()) / float64(mh.MaxCount())
		if fullness < cutoff && mh.IsMeshingCandidate() {
			out = append(out, id)
		}
	}
	return out
}

// Untrack removes id from whatever bin currently holds it, used when a
// mini-heap becomes meshed (and so must no longer be tracked) or is
// freed back to the arena. A mini-heap whose bin reads Attached sits on
// no list, so there is nothing to remove.
func (t *Tracker) Untrack(id miniheap.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mh := t.get(id)
	if cur := mh.Freelist(); cur != miniheap.BinAttached {
		t.remove(t.listFor(cur), id)
	}
}

// Lock/Unlock expose the bin mutex directly for GlobalHeap callers of
// DrainPendingPartialLocked, which must run with it held. The other
// Tracker methods take the mutex themselves.
func (t *Tracker) Lock()   { t.mu.Lock() }
func (t *Tracker) Unlock() { t.mu.Unlock() }

// TrySetPendingFromFull is the lock-free fast path's entry point: it
// attempts the mini-heap's own Full->Pending CAS and, on success,
// pushes it onto this tracker's Treiber stack (spec.md §4.5). No bin
// mutex is taken.
func (t *Tracker) TrySetPendingFromFull(id miniheap.ID) bool {
	mh := t.get(id)
	if !mh.TrySetPendingFromFull() {
		return false
	}
	for {
		head := t.pendingHead.Load()
		mh.PendingNext = miniheap.ID(head)
		if t.pendingHead.CompareAndSwap(head, uint32(id)) {
			return true
		}
	}
}

// DrainPendingPartialLocked pops every entry off the pending Treiber
// stack, clears its pending bit, and reclassifies it via PostFree.
// Must be called with the bin mutex held (spec.md §4.5) — callers
// should Lock, drain, do their other bin work, then Unlock.
func (t *Tracker) DrainPendingPartialLocked() {
	head := t.pendingHead.Swap(0)
	for id := miniheap.ID(head); id != 0; {
		mh := t.get(id)
		next := mh.PendingNext
		mh.PendingNext = 0
		mh.ClearPending()

		inUse := mh.InUseCount()
		newBin := binFor(inUse, uint32(mh.MaxCount()))
		if mh.Freelist() != newBin {
			t.remove(t.listFor(mh.Freelist()), id)
			mh.SetFreelist(newBin)
			t.insertRandom(t.listFor(newBin), id)
		}
		id = next
	}
}
