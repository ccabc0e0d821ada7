// Package meshing implements ShiftedSplitting: the randomized
// half-split-and-probe search that finds pairs of mini-heaps whose
// bitmaps are disjoint and therefore safe to mesh (spec.md §4.8).
//
// Grounded on runtime/mcentral.go's candidate-scan structure
// (walking a size class's partial list looking for reusable spans),
// generalized to spec.md's two-array split/shuffle/probe search with
// its SIMD-friendly bitmap-AND compatibility test.
package meshing

import (
	"github.com/plasma-umass/mesh/internal/miniheap"
	"github.com/plasma-umass/mesh/internal/rng"
)

// MaxSplitListSize is kMaxSplitListSize: the largest candidate list
// ShiftedSplitting accepts.
const MaxSplitListSize = 16384

// shiftProbeWidth is t=64: how many right-side partners each
// left-side candidate probes before giving up.
const shiftProbeWidth = 64

// MaxMeshesPerIteration is kMaxMeshesPerIteration: the cap on how many
// pairs a single ShiftedSplitting call will report.
const MaxMeshesPerIteration = 2500

// Pair is one compatible mesh candidate pair found by ShiftedSplitting.
type Pair struct {
	Left, Right miniheap.ID
}

// ShiftedSplitting runs spec.md §4.8's candidate search over
// candidates (all same size class, all below the occupancy cutoff):
// it randomly splits candidates into two equal halves, shuffles each,
// then for every left-side entry probes up to shiftProbeWidth
// right-side entries at a cyclic shift, testing compatibility via
// miniheap.BitmapsMeshable. found pairs are reported through cb in
// discovery order; a found mini-heap is never offered again as a
// partner. Stops at MaxMeshesPerIteration pairs or when cb returns
// false.
//
// get resolves a miniheap.ID to its record (pass a Store's Get
// method). r supplies the split/shuffle randomness — callers should
// use a single long-lived *rng.MWC owned by the caller (the arena or
// GlobalHeap), not a fresh one per call, so successive mesh passes
// don't repeat the same split.
func ShiftedSplitting(candidates []miniheap.ID, get func(miniheap.ID) *miniheap.MiniHeap, r *rng.MWC, cb func(Pair) bool) int {
	if len(candidates) > MaxSplitListSize {
		candidates = candidates[:MaxSplitListSize]
	}

	left, right := halfSplit(candidates, r)

	found := 0
	for j := 0; j < len(left); j++ {
		if left[j] == 0 {
			continue
		}
		lmh := get(left[j])
		if lmh.IsMeshed() || lmh.IsLargeAlloc() {
			continue
		}

		for i := 0; i < shiftProbeWidth && i < len(right); i++ {
			ri := (j + i) % len(right)
			if right[ri] == 0 {
				continue
			}
			rmh := get(right[ri])
			if rmh.IsMeshed() || rmh.IsLargeAlloc() {
				continue
			}
			if !miniheap.BitmapsMeshable(lmh, rmh) {
				continue
			}

			pair := Pair{Left: left[j], Right: right[ri]}
			if !cb(pair) {
				return found
			}
			found++
			left[j] = 0
			right[ri] = 0

			if found >= MaxMeshesPerIteration {
				return found
			}
			break
		}
	}
	return found
}

// halfSplit walks candidates, assigning each entry to whichever of
// left and right is currently shorter (left on a tie) so the two end
// within one of equal size, then Fisher-Yates shuffles each half
// independently (spec.md §4.8 step 1). No candidate is skipped here;
// ShiftedSplitting's probe skips meshed and large-alloc entries.
func halfSplit(candidates []miniheap.ID, r *rng.MWC) ([]miniheap.ID, []miniheap.ID) {
	left := make([]miniheap.ID, 0, len(candidates)/2+1)
	right := make([]miniheap.ID, 0, len(candidates)/2+1)

	for _, id := range candidates {
		if len(left) <= len(right) {
			left = append(left, id)
		} else {
			right = append(right, id)
		}
	}

	r.Shuffle(len(left), func(i, j int) { left[i], left[j] = left[j], left[i] })
	r.Shuffle(len(right), func(i, j int) { right[i], right[j] = right[j], right[i] })

	return left, right
}
