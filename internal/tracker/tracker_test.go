package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasma-umass/mesh/internal/arena"
	"github.com/plasma-umass/mesh/internal/miniheap"
)

func newTestTracker(t *testing.T) (*Tracker, *miniheap.Store) {
	t.Helper()
	store := miniheap.NewStore()
	return New(store.Get), store
}

func newMiniHeap(t *testing.T, store *miniheap.Store, class uint8, maxCount uint16) miniheap.ID {
	t.Helper()
	id := store.Alloc()
	store.Get(id).Init(arena.Span{Offset: uint32(id), Length: 1}, class, maxCount)
	return id
}

func TestAddPlacesInFullBin(t *testing.T) {
	tr, store := newTestTracker(t)
	id := newMiniHeap(t, store, 0, 8)
	tr.Add(id)
	assert.Equal(t, miniheap.BinFull, store.Get(id).Freelist())
}

func TestPostFreeReclassifiesAndNoopsWhenUnchanged(t *testing.T) {
	tr, store := newTestTracker(t)
	id := newMiniHeap(t, store, 0, 8)
	tr.Add(id)

	// Full (8/8) -> Partial (4/8).
	flushed := tr.PostFree(id, 4, 8)
	assert.False(t, flushed)
	assert.Equal(t, miniheap.BinPartial, store.Get(id).Freelist())

	// Already Partial at a different in-use count within the same bin: no-op.
	flushed = tr.PostFree(id, 3, 8)
	assert.False(t, flushed)
	assert.Equal(t, miniheap.BinPartial, store.Get(id).Freelist())

	// Partial -> Empty.
	flushed = tr.PostFree(id, 0, 8)
	assert.False(t, flushed)
	assert.Equal(t, miniheap.BinEmpty, store.Get(id).Freelist())
}

func TestPostFreeSignalsFlushPastEmptyCap(t *testing.T) {
	tr, store := newTestTracker(t)
	for i := 0; i < emptyListCap+1; i++ {
		id := newMiniHeap(t, store, 0, 8)
		tr.Add(id)
		flushed := tr.PostFree(id, 0, 8)
		if i == emptyListCap {
			assert.True(t, flushed)
		}
	}
}

func TestSelectForReusePrefersPartialThenEmpty(t *testing.T) {
	tr, store := newTestTracker(t)
	partialID := newMiniHeap(t, store, 0, 8)
	tr.Add(partialID)
	tr.PostFree(partialID, 4, 8)

	emptyID := newMiniHeap(t, store, 0, 8)
	tr.Add(emptyID)
	tr.PostFree(emptyID, 0, 8)

	out := tr.SelectForReuse(make([]miniheap.ID, 0, 2), 99)
	require.Len(t, out, 2)
	assert.Equal(t, partialID, out[0])
	assert.Equal(t, emptyID, out[1])
	assert.Equal(t, uint64(99), store.Get(partialID).Current())
	assert.Equal(t, miniheap.BinAttached, store.Get(partialID).Freelist())
}

func TestMeshingCandidatesKeepsBelowCutoffExcludesAtCutoff(t *testing.T) {
	tr, store := newTestTracker(t)

	// MeshingCandidates reads occupancy from the bitmap, so set the
	// bits that PostFree's inUse argument describes.
	below := newMiniHeap(t, store, 0, 10)
	tr.Add(below)
	for i := uint32(0); i < 5; i++ {
		store.Get(below).Bitmap.TryToSet(i)
	}
	tr.PostFree(below, 5, 10) // 50% full, Partial

	atCutoff := newMiniHeap(t, store, 0, 10)
	tr.Add(atCutoff)
	for i := uint32(0); i < 8; i++ {
		store.Get(atCutoff).Bitmap.TryToSet(i)
	}
	tr.PostFree(atCutoff, 8, 10) // 80% full, at cutoff

	cands := tr.MeshingCandidates(0.8)
	assert.Contains(t, cands, below)
	assert.NotContains(t, cands, atCutoff)
}

func TestUntrackRemovesFromCurrentBin(t *testing.T) {
	tr, store := newTestTracker(t)
	id := newMiniHeap(t, store, 0, 8)
	tr.Add(id)
	tr.Untrack(id)

	cands := tr.MeshingCandidates(1.0)
	assert.NotContains(t, cands, id)
}

func TestPendingPartialRoundTrip(t *testing.T) {
	tr, store := newTestTracker(t)
	id := newMiniHeap(t, store, 0, 8)
	tr.Add(id) // Full

	mh := store.Get(id)
	for i := uint32(0); i < 8; i++ {
		mh.Bitmap.TryToSet(i)
	}
	mh.Bitmap.Unset(0) // drop below full, InUseCount now 7

	require.True(t, tr.TrySetPendingFromFull(id))
	assert.True(t, mh.IsPending())
	assert.Equal(t, miniheap.BinFull, mh.Freelist(), "bin must stay Full until drained")

	tr.Lock()
	tr.DrainPendingPartialLocked()
	tr.Unlock()

	assert.False(t, mh.IsPending())
	assert.Equal(t, miniheap.BinPartial, mh.Freelist())
}
