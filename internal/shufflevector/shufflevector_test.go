package shufflevector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasma-umass/mesh/internal/arena"
	"github.com/plasma-umass/mesh/internal/miniheap"
)

const testBase = uintptr(0x4000_0000)

func newAttached(t *testing.T, store *miniheap.Store, n int, maxCount uint16) []miniheap.ID {
	t.Helper()
	ids := make([]miniheap.ID, n)
	for i := range ids {
		id := store.Alloc()
		store.Get(id).Init(arena.Span{Offset: uint32(i) * 16, Length: 16}, 0, maxCount)
		ids[i] = id
	}
	return ids
}

func TestReinitRefillsFromAllAttached(t *testing.T) {
	store := miniheap.NewStore()
	ids := newAttached(t, store, 2, 8)
	sv := New(0, 16, store.Get)

	sv.Reinit(testBase, ids)
	assert.Equal(t, 16, sv.Len(), "two 8-slot mini-heaps should fill 16 entries")
	assert.Equal(t, 2, sv.Attached())
}

func TestMallocDrainsThenReportsEmpty(t *testing.T) {
	store := miniheap.NewStore()
	ids := newAttached(t, store, 1, 4)
	sv := New(0, 16, store.Get)
	sv.Reinit(testBase, ids)

	seen := map[uintptr]bool{}
	for i := 0; i < 4; i++ {
		addr, ok := sv.Malloc()
		require.True(t, ok)
		assert.False(t, seen[addr], "must not hand out the same address twice")
		seen[addr] = true
	}
	_, ok := sv.Malloc()
	assert.False(t, ok)
}

func TestFreeRoundTrip(t *testing.T) {
	store := miniheap.NewStore()
	ids := newAttached(t, store, 1, 4)
	sv := New(0, 16, store.Get)
	sv.Reinit(testBase, ids)

	addr, ok := sv.Malloc()
	require.True(t, ok)
	before := sv.Len()

	sv.Free(0, uint32((addr-testBase)/16))
	assert.Equal(t, before+1, sv.Len())

	// Free swaps the pushed entry to a random position, so drain the
	// vector and check the freed address is among the cached slots.
	seen := make(map[uintptr]bool)
	for sv.Len() > 0 {
		a, ok := sv.Malloc()
		require.True(t, ok)
		seen[a] = true
	}
	assert.True(t, seen[addr], "freed address must be handed out again")
}

func TestReleaseAllUnsetsCachedSlotsAndDetaches(t *testing.T) {
	store := miniheap.NewStore()
	ids := newAttached(t, store, 1, 4)
	sv := New(0, 16, store.Get)
	sv.Reinit(testBase, ids)

	// Pop two of the four cached slots so they count as "allocated"
	// from the SV's perspective but still occupy the underlying bitmap.
	sv.Malloc()
	sv.Malloc()

	released := sv.ReleaseAll()
	require.Len(t, released, 1)
	assert.Equal(t, ids[0], released[0])
	assert.Equal(t, uint64(0), store.Get(ids[0]).Current())
	assert.Equal(t, 0, sv.Attached())

	// The two still-cached (unpopped) entries must be unset in the
	// bitmap; the two popped ones remain the caller's responsibility
	// (they were handed out as live pointers).
	assert.Equal(t, uint32(2), store.Get(ids[0]).InUseCount())
}

func TestIndexOfAndMiniHeapAt(t *testing.T) {
	store := miniheap.NewStore()
	ids := newAttached(t, store, 3, 8)
	sv := New(0, 16, store.Get)
	sv.Reinit(testBase, ids)

	for idx := 0; idx < 3; idx++ {
		id := sv.MiniHeapAt(uint8(idx))
		gotIdx, ok := sv.IndexOf(id)
		require.True(t, ok)
		assert.Equal(t, uint8(idx), gotIdx)
	}

	_, ok := sv.IndexOf(miniheap.ID(99999))
	assert.False(t, ok)
}
