// Package shufflevector implements the per-thread, per-size-class
// allocation cache that hands out free slots in randomized order
// (spec.md §4.6). Randomizing allocation order is what makes meshing
// effective: it keeps any one mini-heap's bitmap from filling in a
// predictable pattern an adversarial or merely repetitive workload
// could otherwise produce.
//
// Grounded on runtime/mcache.go's per-P, per-size-class free-object
// cache (the "tiny allocator"/mcache.alloc array), generalized from
// Go's single-mspan-per-class model to spec.md's multi-mini-heap
// shuffle vector with explicit slot randomization.
package shufflevector

import (
	"math/bits"

	"github.com/plasma-umass/mesh/internal/bitmap"
	"github.com/plasma-umass/mesh/internal/miniheap"
	"github.com/plasma-umass/mesh/internal/rng"
)

// MaxLength is kMaxShuffleVectorLength: the largest number of free
// slots a single shuffle vector holds at once.
const MaxLength = 256

// MaxAttached is kMaxMiniheapsPerShuffleVector: the most mini-heaps a
// single shuffle vector may draw slots from simultaneously.
const MaxAttached = 24

// entry packs a mini-heap's index into attached (8 bits) with a slot
// offset within that mini-heap's bitmap (also modeled as a uint32
// here rather than spec.md's packed 8-bit bitOffset, since Go's
// arrays don't need the C++ reference's manual bit-packing to stay
// cache-line-sized).
type entry struct {
	attachedIdx uint8
	slot        uint32
}

// ShuffleVector is one size class's allocation cache for the owning
// thread.
type ShuffleVector struct {
	class      uint8
	objectSize uintptr

	attached   [MaxAttached]miniheap.ID
	spanStart  [MaxAttached]uintptr
	numAttached int

	entries []entry // LIFO: Malloc pops from the tail

	rng *rng.MWC

	get func(miniheap.ID) *miniheap.MiniHeap
}

// New creates an empty ShuffleVector for class, drawing mini-heap
// records via get.
func New(class uint8, objectSize uintptr, get func(miniheap.ID) *miniheap.MiniHeap) *ShuffleVector {
	return &ShuffleVector{
		class:      class,
		objectSize: objectSize,
		get:        get,
		rng:        rng.New(),
	}
}

// Class returns the size class this vector services.
func (sv *ShuffleVector) Class() uint8 { return sv.class }

// Len returns the number of free slots currently cached.
func (sv *ShuffleVector) Len() int { return len(sv.entries) }

// Attached reports how many mini-heaps are currently feeding this
// vector.
func (sv *ShuffleVector) Attached() int { return sv.numAttached }

// Reinit replaces the attached mini-heap set with ids, shuffles their
// order, caches each one's span start address, stamps each with its
// new slot offset within this vector, and refills from their bitmaps
// (spec.md §4.6's "reinit on initial attach"). len(ids) must be <=
// MaxAttached.
func (sv *ShuffleVector) Reinit(arenaBase uintptr, ids []miniheap.ID) {
	if len(ids) > MaxAttached {
		panic("shufflevector: too many mini-heaps for one vector")
	}
	sv.entries = sv.entries[:0]
	sv.numAttached = len(ids)
	copy(sv.attached[:], ids)

	sv.rng.Shuffle(sv.numAttached, func(i, j int) {
		sv.attached[i], sv.attached[j] = sv.attached[j], sv.attached[i]
	})

	for i := 0; i < sv.numAttached; i++ {
		mh := sv.get(sv.attached[i])
		sv.spanStart[i] = mh.SpanStart(arenaBase)
		mh.SetSVOffset(uint8(i))
	}

	sv.refillLocked()
}

// refillLocked scans every attached mini-heap's bitmap for free slots
// and pushes them as entries, shuffling the result (spec.md §4.6).
// Stops once MaxLength entries have accumulated; any bits left over
// from a partially-consumed mini-heap are pushed back one at a time
// via Bitmap.Unset — undoing the all-ones exchange for the slots this
// refill didn't have room to cache.
func (sv *ShuffleVector) refillLocked() {
	for i := 0; i < sv.numAttached && len(sv.entries) < MaxLength; i++ {
		mh := sv.get(sv.attached[i])
		capacity := uint32(mh.MaxCount())
		allOnes := fullMask(capacity)

		snapshot := mh.Bitmap.SetAndExchangeAll(allOnes)
		free := invertMasked(snapshot, capacity)

		freeWalk(free, capacity, func(slot uint32) bool {
			if len(sv.entries) >= MaxLength {
				return false
			}
			sv.entries = append(sv.entries, entry{attachedIdx: uint8(i), slot: slot})
			mh.Bitmap.TryToSet(slot) // re-occupy: this slot is now "reserved" in the SV
			return true
		})

		// Any free bits that didn't fit in this refill must be
		// reported back to the bitmap as actually free, since
		// SetAndExchangeAll claimed them all as occupied.
		freeWalk(free, capacity, func(slot uint32) bool {
			if !containsEntry(sv.entries, uint8(i), slot) {
				mh.Bitmap.Unset(slot)
			}
			return true
		})
	}

	sv.rng.Shuffle(len(sv.entries), func(i, j int) {
		sv.entries[i], sv.entries[j] = sv.entries[j], sv.entries[i]
	})
}

func containsEntry(entries []entry, idx uint8, slot uint32) bool {
	for _, e := range entries {
		if e.attachedIdx == idx && e.slot == slot {
			return true
		}
	}
	return false
}

// Malloc pops a cached free slot and returns its pointer, or false if
// the vector is empty (caller must refill).
func (sv *ShuffleVector) Malloc() (uintptr, bool) {
	n := len(sv.entries)
	if n == 0 {
		return 0, false
	}
	e := sv.entries[n-1]
	sv.entries = sv.entries[:n-1]
	addr := sv.spanStart[e.attachedIdx] + uintptr(e.slot)*sv.objectSize
	return addr, true
}

// Free pushes the slot for mh (identified by its attached index) back
// onto the vector and performs a random swap within [0, off) to keep
// the cached order from degrading toward last-freed-first (spec.md
// §4.6).
func (sv *ShuffleVector) Free(attachedIdx uint8, slot uint32) {
	sv.entries = append(sv.entries, entry{attachedIdx: attachedIdx, slot: slot})
	off := len(sv.entries) - 1
	if off > 0 {
		j := sv.rng.Intn(off)
		sv.entries[off], sv.entries[j] = sv.entries[j], sv.entries[off]
	}
}

// IndexOf returns the attached-slot index for id, and whether id is
// currently attached to this vector at all.
func (sv *ShuffleVector) IndexOf(id miniheap.ID) (uint8, bool) {
	for i := 0; i < sv.numAttached; i++ {
		if sv.attached[i] == id {
			return uint8(i), true
		}
	}
	return 0, false
}

// MiniHeapAt returns the id attached at idx.
func (sv *ShuffleVector) MiniHeapAt(idx uint8) miniheap.ID {
	return sv.attached[idx]
}

// ReleaseAll drains every cached entry back to its mini-heap's real
// bitmap state and detaches every attached mini-heap, returning their
// ids so the caller (ThreadLocalHeap.releaseAll) can publish them back
// to the bin matching their occupancy (spec.md §4.9).
func (sv *ShuffleVector) ReleaseAll() []miniheap.ID {
	for _, e := range sv.entries {
		mh := sv.get(sv.attached[e.attachedIdx])
		mh.Bitmap.Unset(e.slot)
	}
	sv.entries = sv.entries[:0]

	ids := make([]miniheap.ID, sv.numAttached)
	for i := 0; i < sv.numAttached; i++ {
		ids[i] = sv.attached[i]
		sv.get(sv.attached[i]).Detach()
	}
	sv.numAttached = 0
	return ids
}

func fullMask(capacity uint32) uint64 {
	if capacity >= bitmap.WordBits {
		return ^uint64(0)
	}
	return (uint64(1) << capacity) - 1
}

// invertMasked XORs snapshot against the all-ones mask for capacity
// bits, yielding the set of slots that were free at snapshot time.
func invertMasked(snapshot [bitmap.MaxWords]uint64, capacity uint32) [bitmap.MaxWords]uint64 {
	var out [bitmap.MaxWords]uint64
	words := int((capacity + bitmap.WordBits - 1) / bitmap.WordBits)
	for w := 0; w < words; w++ {
		mask := ^uint64(0)
		if limit := capacity - uint32(w)*bitmap.WordBits; limit < bitmap.WordBits {
			mask = (uint64(1) << limit) - 1
		}
		out[w] = ^snapshot[w] & mask
	}
	return out
}

func freeWalk(free [bitmap.MaxWords]uint64, capacity uint32, cb func(slot uint32) bool) {
	words := int((capacity + bitmap.WordBits - 1) / bitmap.WordBits)
	for w := 0; w < words; w++ {
		word := free[w]
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			slot := uint32(w)*bitmap.WordBits + uint32(bit)
			if !cb(slot) {
				return
			}
			word &^= uint64(1) << bit
		}
	}
}
