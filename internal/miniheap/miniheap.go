// Package miniheap implements MiniHeap: the per-span metadata record
// that tracks one size class's worth of objects, their occupancy
// bitmap, and — once meshed — the chain of sibling spans sharing its
// physical pages (spec.md §3, §4.2).
//
// Grounded on runtime/mheap.go's mspan (span + state + freelist
// links) and runtime/mcentral.go's occupancy bookkeeping, generalized
// to spec.md's bitmap-per-slot model and mesh-chain field.
package miniheap

import (
	"math/bits"
	"sync/atomic"

	"github.com/plasma-umass/mesh/internal/arena"
	"github.com/plasma-umass/mesh/internal/bitmap"
	"github.com/plasma-umass/mesh/internal/sizeclass"
)

// ID is a dense, stable index into a Store — spec.md §3's MiniHeapID.
// Zero is the null sentinel.
type ID uint32

// Bin names the intrusive list a mini-heap currently belongs to.
// Packed into 2 bits of flags alongside the pending/meshed bits, so
// only four values exist — exactly Full/Partial/Empty/Attached.
type Bin uint8

const (
	BinFull Bin = iota
	BinPartial
	BinEmpty
	BinAttached
)

func (b Bin) String() string {
	switch b {
	case BinFull:
		return "full"
	case BinPartial:
		return "partial"
	case BinEmpty:
		return "empty"
	case BinAttached:
		return "attached"
	default:
		return "bin?"
	}
}

// flags bit layout, packed into a single atomic.Uint32 so the common
// reads (size class, max count) never need a lock:
//
//	bits  0- 5  size class            (6 bits,  <64)
//	bits  6-16  max object count      (11 bits, <=1024)
//	bits 17-24  shuffle-vector offset (8 bits)
//	bits 25-26  freelist bin          (2 bits)
//	bit  27     pending
//	bit  28     meshed
const (
	classShift  = 0
	classMask   = 0x3f
	countShift  = 6
	countMask   = 0x7ff
	svShift     = 17
	svMask      = 0xff
	binShift    = 25
	binMask     = 0x3
	pendingBit  = 1 << 27
	meshedBit   = 1 << 28
)

func packFlags(class uint8, maxCount uint16, svOffset uint8, bin Bin) uint32 {
	return uint32(class)&classMask<<classShift |
		uint32(maxCount)&countMask<<countShift |
		uint32(svOffset)&svMask<<svShift |
		uint32(bin)&binMask<<binShift
}

// MiniHeap is the metadata object for one arena span (spec.md §3).
// The zero value is not valid; obtain one from a Store via Alloc.
type MiniHeap struct {
	Span arena.Span

	// Prev/Next are intrusive links for whichever bin (Full / Partial /
	// Empty / a tracker's Attached set) currently owns this mini-heap.
	Prev, Next ID

	// current is the owning ThreadLocalHeap's identity token, or 0 if
	// detached. Go has no stable goroutine id, so the owner stamps an
	// opaque, self-assigned uint64 here instead of a thread id.
	current atomic.Uint64

	flags atomic.Uint32

	// NextMeshed links to the next mini-heap in this chain's mesh
	// clique; the zero ID terminates the chain. Only the chain root
	// (survivor) is reachable from the arena index; walking NextMeshed
	// from the root yields every aliased span.
	NextMeshed ID

	// PendingNext links this mini-heap into the lock-free
	// pending-partial Treiber stack (spec.md §4.5).
	PendingNext ID

	Bitmap bitmap.Bitmap
}

// Init prepares a freshly allocated MiniHeap record for span, with
// maxCount objects of size class class. Called once per Alloc, never
// on a mini-heap already in use.
func (mh *MiniHeap) Init(span arena.Span, class uint8, maxCount uint16) {
	mh.Span = span
	mh.Prev, mh.Next = 0, 0
	mh.current.Store(0)
	mh.flags.Store(packFlags(class, maxCount, 0, BinAttached))
	mh.NextMeshed = 0
	mh.PendingNext = 0
	mh.Bitmap.Init(uint32(maxCount))
}

// SizeClass returns the object size class this mini-heap services.
func (mh *MiniHeap) SizeClass() uint8 {
	return uint8(mh.flags.Load() >> classShift & classMask)
}

// MaxCount returns the mini-heap's object capacity.
func (mh *MiniHeap) MaxCount() uint16 {
	return uint16(mh.flags.Load() >> countShift & countMask)
}

// ObjectSize returns the byte size of objects this mini-heap holds.
func (mh *MiniHeap) ObjectSize() uintptr {
	return sizeclass.SizeForClass(mh.SizeClass())
}

// IsLargeAlloc reports whether this mini-heap holds exactly one
// object of span.length*PageSize bytes — a dedicated large allocation
// that is never a meshing candidate (spec.md §3, invariant 6).
func (mh *MiniHeap) IsLargeAlloc() bool {
	return mh.MaxCount() == 1
}

// SVOffset returns this mini-heap's slot offset within its owning
// thread's shuffle vector.
func (mh *MiniHeap) SVOffset() uint8 {
	return uint8(mh.flags.Load() >> svShift & svMask)
}

// SetSVOffset stamps the shuffle-vector slot offset at attach time.
func (mh *MiniHeap) SetSVOffset(off uint8) {
	for {
		old := mh.flags.Load()
		next := old&^(svMask<<svShift) | uint32(off)&svMask<<svShift
		if mh.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// Freelist returns the current intrusive-list bin.
func (mh *MiniHeap) Freelist() Bin {
	return Bin(mh.flags.Load() >> binShift & binMask)
}

// SetFreelist stamps a new bin, preserving every other flag bit.
func (mh *MiniHeap) SetFreelist(b Bin) {
	for {
		old := mh.flags.Load()
		next := old&^(binMask<<binShift) | uint32(b)&binMask<<binShift
		if mh.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// IsPending reports whether the pending bit is set (spec.md §4.5:
// Full-but-queued for reclassification).
func (mh *MiniHeap) IsPending() bool {
	return mh.flags.Load()&pendingBit != 0
}

// TrySetPendingFromFull is the lock-free Full -> Pending transition:
// it CASes the pending bit on, requiring the bin to still read Full
// and the pending bit to still be clear. Returns false if either
// precondition no longer holds (a racing drain or a second freeing
// thread got there first).
func (mh *MiniHeap) TrySetPendingFromFull() bool {
	for {
		old := mh.flags.Load()
		if Bin(old>>binShift&binMask) != BinFull || old&pendingBit != 0 {
			return false
		}
		next := old | pendingBit
		if mh.flags.CompareAndSwap(old, next) {
			return true
		}
	}
}

// ClearPending clears the pending bit, called once drainPendingPartialLocked
// has popped this mini-heap off the Treiber stack and is about to
// reclassify it via postFree.
func (mh *MiniHeap) ClearPending() {
	for {
		old := mh.flags.Load()
		next := old &^ pendingBit
		if mh.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// IsMeshed reports whether this mini-heap has been subsumed by
// another (terminal state for a mesh source; spec.md §3).
func (mh *MiniHeap) IsMeshed() bool {
	return mh.flags.Load()&meshedBit != 0
}

func (mh *MiniHeap) setMeshed() {
	for {
		old := mh.flags.Load()
		next := old | meshedBit
		if mh.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// IsMeshingCandidate reports whether this mini-heap may participate
// in a mesh pass: not already meshed, not a large alloc, not full.
func (mh *MiniHeap) IsMeshingCandidate() bool {
	return !mh.IsMeshed() && !mh.IsLargeAlloc() && mh.InUseCount() < uint32(mh.MaxCount())
}

// Current returns the owning thread's identity token, or 0 if
// detached.
func (mh *MiniHeap) Current() uint64 { return mh.current.Load() }

// Attach stamps tok as the owning thread and moves the bin to Attached.
func (mh *MiniHeap) Attach(tok uint64) {
	mh.current.Store(tok)
	mh.SetFreelist(BinAttached)
}

// Detach clears ownership. Caller is responsible for reclassifying
// the bin via a tracker's postFree.
func (mh *MiniHeap) Detach() {
	mh.current.Store(0)
}

// InUseCount returns the number of allocated slots.
func (mh *MiniHeap) InUseCount() uint32 { return mh.Bitmap.InUseCount() }

// MallocAt sets bit slot and returns the pointer it corresponds to,
// given the arena's base address (spec.md §4.2).
func (mh *MiniHeap) MallocAt(arenaBase uintptr, slot uint32) uintptr {
	mh.Bitmap.TryToSet(slot)
	return mh.SpanStart(arenaBase) + uintptr(slot)*mh.ObjectSize()
}

// Free clears the slot owning ptr, computed via the size class's
// precomputed float reciprocal rather than an integer divide
// (spec.md §4.2). self/get let it resolve ptr against whichever chain
// member actually backs it — see SpanStartFor.
func (mh *MiniHeap) Free(self ID, get func(ID) *MiniHeap, arenaBase uintptr, ptr uintptr) bool {
	slot := mh.slotFor(self, get, arenaBase, ptr)
	return mh.Bitmap.Unset(slot)
}

// ClearIfNotFree is Free's epoch-replay-safe twin: it too clears the
// bit (if still set) and reports the previous state, used by the
// global free path to detect whether a clear that raced a mesh
// actually landed on this mini-heap's bitmap (spec.md §4.7 case 1).
func (mh *MiniHeap) ClearIfNotFree(self ID, get func(ID) *MiniHeap, arenaBase uintptr, ptr uintptr) bool {
	return mh.Free(self, get, arenaBase, ptr)
}

func (mh *MiniHeap) slotFor(self ID, get func(ID) *MiniHeap, arenaBase uintptr, ptr uintptr) uint32 {
	start := mh.SpanStartFor(self, get, arenaBase, ptr)
	return sizeclass.SlotForOffset(ptr-start, mh.SizeClass())
}

// SpanStart returns the virtual start address of this mini-heap's own
// (primary) span, ignoring any mesh chain. Used wherever the caller
// already knows which chain member it means (e.g. Consume's slot-based
// copy, which never resolves an arbitrary pointer) — grounded on
// mini_heap.h's plain getSpanStart(arenaBegin).
func (mh *MiniHeap) SpanStart(arenaBase uintptr) uintptr {
	return arenaBase + uintptr(mh.Span.Offset)*arena.PageSize
}

// SpanStartFor resolves ptr to the start of whichever member of self's
// mesh chain actually contains it (spec.md §4.2's
// spanStart/spanStartSlowpath, mini_heap.h lines ~517-560). After a
// mesh, FinalizeMesh stamps the *entire* loser chain's arena-index
// pages with the survivor's id, so OwnerOf(ptr) for a pointer handed
// out before the mesh resolves to self (the survivor) even though
// self's own primary Span doesn't contain ptr — the pointer's true
// backing is still whichever chain member originally owned that
// virtual range. Falls back to self's own primary span, the common
// unmeshed case.
func (mh *MiniHeap) SpanStartFor(self ID, get func(ID) *MiniHeap, arenaBase uintptr, ptr uintptr) uintptr {
	start := mh.SpanStart(arenaBase)
	mh.ForEachMeshed(self, get, func(_ ID, m *MiniHeap) bool {
		s := m.SpanStart(arenaBase)
		e := s + uintptr(m.Span.Length)*arena.PageSize
		if ptr >= s && ptr < e {
			start = s
			return false
		}
		return true
	})
	return start
}

// ForEachMeshed walks the mesh chain rooted at this mini-heap
// (including itself), calling get to resolve each ID. Stops early if
// cb returns false.
func (mh *MiniHeap) ForEachMeshed(self ID, get func(ID) *MiniHeap, cb func(ID, *MiniHeap) bool) {
	if !cb(self, mh) {
		return
	}
	cur := mh.NextMeshed
	for cur != 0 {
		m := get(cur)
		if !cb(cur, m) {
			return
		}
		cur = m.NextMeshed
	}
}

// MeshCount returns the number of mini-heaps in this chain, including
// the root itself.
func (mh *MiniHeap) MeshCount(self ID, get func(ID) *MiniHeap) int {
	n := 0
	mh.ForEachMeshed(self, get, func(ID, *MiniHeap) bool { n++; return true })
	return n
}

// Consume is the survivor side of a mesh (spec.md §4.2): it drains
// src's bitmap atomically, copies every live object from src's
// current virtual span into this span's corresponding slots, marks
// src meshed, and splices src onto this chain's tail. copyObject is
// supplied by the caller (GlobalHeap), since it alone knows both
// spans' current virtual addresses (which, for src, may itself
// already be an alias).
func (mh *MiniHeap) Consume(srcID ID, src *MiniHeap, get func(ID) *MiniHeap, copyObject func(slot uint32)) {
	snapshot := src.Bitmap.SetAndExchangeAll(0)
	n := int(src.MaxCount())
	words := (n + bitmap.WordBits - 1) / bitmap.WordBits
	for w := 0; w < words; w++ {
		word := snapshot[w]
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			slot := uint32(w)*bitmap.WordBits + uint32(bit)
			copyObject(slot)
			mh.Bitmap.TryToSet(slot)
			word &^= uint64(1) << bit
		}
	}
	src.setMeshed()
	mh.trackMeshedSpan(srcID, get)
}

// trackMeshedSpan walks this chain to its tail and appends srcID.
func (mh *MiniHeap) trackMeshedSpan(srcID ID, get func(ID) *MiniHeap) {
	tail := mh
	for tail.NextMeshed != 0 {
		tail = get(tail.NextMeshed)
	}
	tail.NextMeshed = srcID
}

// BitmapsMeshable reports whether a and b may be merged: same size
// class, same capacity, and disjoint occupied slots (spec.md §4.8's
// bitwise-AND compatibility test, invariant 4).
func BitmapsMeshable(a, b *MiniHeap) bool {
	if a.SizeClass() != b.SizeClass() || a.MaxCount() != b.MaxCount() {
		return false
	}
	return bitmap.Meshable(a.Bitmap.Snapshot(), b.Bitmap.Snapshot(), uint32(a.MaxCount()))
}
