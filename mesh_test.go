//go:build linux || darwin || freebsd

package mesh

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasma-umass/mesh/internal/meshing"
	"github.com/plasma-umass/mesh/internal/sizeclass"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := New(
		WithArenaSize(256<<20),
		WithMeshPeriod(time.Hour), // after the first global-path free, no further background pass fires mid-test
	)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestMallocFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t)
	tok := h.NewToken()
	h.Lock(tok)
	defer h.Unlock(tok)

	ptr := h.Malloc(tok, 32)
	require.NotZero(t, ptr)
	assert.True(t, h.InBounds(ptr))
	assert.GreaterOrEqual(t, h.UsableSize(ptr), uintptr(32))

	h.Free(tok, ptr)
}

func TestMallocZeroReturnsMinimalAllocation(t *testing.T) {
	h := newTestHeap(t)
	tok := h.NewToken()
	h.Lock(tok)
	defer h.Unlock(tok)

	ptr := h.Malloc(tok, 0)
	require.NotZero(t, ptr)
	h.Free(tok, ptr)
}

func TestLargeAllocBypassesSizeClasses(t *testing.T) {
	h := newTestHeap(t)
	tok := h.NewToken()
	h.Lock(tok)
	defer h.Unlock(tok)

	ptr := h.Malloc(tok, 1<<20)
	require.NotZero(t, ptr)
	assert.True(t, h.InBounds(ptr))
	h.Free(tok, ptr)
}

func TestFreeOfForeignPointerIsNoop(t *testing.T) {
	h := newTestHeap(t)
	tok := h.NewToken()
	h.Lock(tok)
	defer h.Unlock(tok)

	assert.NotPanics(t, func() { h.Free(tok, 0xdeadbeef) })
	assert.NotPanics(t, func() { h.Free(tok, 0) })
}

func TestCrossThreadFreeGoesThroughGlobalPath(t *testing.T) {
	h := newTestHeap(t)
	producer := h.NewToken()
	consumer := h.NewToken()
	h.Lock(producer)
	h.Lock(consumer)
	defer h.Unlock(producer)
	defer h.Unlock(consumer)

	ptr := h.Malloc(producer, 64)
	require.NotZero(t, ptr)

	// Freed by a different token than the one that allocated it: must
	// not be handled by consumer's (unattached) shuffle vector.
	h.Free(consumer, ptr)
}

func TestUnlockReleasesAttachedMiniheaps(t *testing.T) {
	h := newTestHeap(t)
	tok := h.NewToken()
	h.Lock(tok)

	ptr := h.Malloc(tok, 48)
	require.NotZero(t, ptr)
	h.Free(tok, ptr)

	h.Unlock(tok)

	tok2 := h.NewToken()
	h.Lock(tok2)
	defer h.Unlock(tok2)
	ptr2 := h.Malloc(tok2, 48)
	assert.NotZero(t, ptr2)
}

func TestCompactRunsMeshAndScavengeSynchronously(t *testing.T) {
	h := newTestHeap(t)
	tok := h.NewToken()
	h.Lock(tok)
	defer h.Unlock(tok)

	ptrs := make([]uintptr, 64)
	for i := range ptrs {
		ptrs[i] = h.Malloc(tok, 32)
		require.NotZero(t, ptrs[i])
	}
	for i := 0; i < len(ptrs); i += 2 {
		h.Free(tok, ptrs[i])
	}

	assert.NotPanics(t, func() { h.Compact() })
}

func TestScavengePartialThenFullSucceed(t *testing.T) {
	h := newTestHeap(t)
	require.NoError(t, h.Scavenge(false))
	require.NoError(t, h.Scavenge(true))
}

func TestMallctlScavengeAndCompact(t *testing.T) {
	h := newTestHeap(t)

	out, err := h.Mallctl("mesh.scavenge", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	out, err = h.Mallctl("mesh.compact", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestMallctlCheckPeriodGetSet(t *testing.T) {
	h := newTestHeap(t)

	_, err := h.Mallctl("mesh.check_period_ms", "250")
	require.NoError(t, err)

	out, err := h.Mallctl("mesh.check_period_ms", "")
	require.NoError(t, err)
	assert.Equal(t, "250", out)
}

func TestMallctlUnrecognizedName(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Mallctl("mesh.nonsense", "")
	assert.Error(t, err)
}

func TestMallctlInvalidCheckPeriodValue(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Mallctl("mesh.check_period_ms", "not-a-number")
	assert.Error(t, err)
}

func TestNewConfigRejectsUnalignedArenaSize(t *testing.T) {
	_, err := New(WithArenaSize(123))
	assert.Error(t, err)
}

// TestMeshLockedAliasesSpansAndReclaimsPhysicalPages drives a real
// merge through globalHeap.mergePair/meshLocked (spec.md §8 scenarios
// 1-3): two distinct mini-heaps, each holding a live object with a
// distinguishable byte pattern, are merged directly (bypassing the
// probabilistic ShiftedSplitting search, as internal/miniheap's own
// TestConsumeMergesBitmapsAndChains does for Consume) so the assertions
// below are deterministic rather than depending on random candidate
// selection.
func TestMeshLockedAliasesSpansAndReclaimsPhysicalPages(t *testing.T) {
	h := newTestHeap(t)
	g := h.global
	base := g.arena.Base()

	const class = uint8(2)
	size := sizeclass.SizeForClass(class)

	dstID, dst, err := g.allocMiniheapLocked(class, size, 16)
	require.NoError(t, err)
	srcID, src, err := g.allocMiniheapLocked(class, size, 16)
	require.NoError(t, err)
	require.Equal(t, dst.Span.Length, src.Span.Length, "disjoint-slot merge below assumes identical span geometry")

	// Distinct slots so the merged bitmap stays disjoint (spec.md
	// §4.8's meshability invariant): dst occupies slot 0, src slot 1.
	dstPtr := dst.MallocAt(base, 0)
	srcPtr := src.MallocAt(base, 1)

	dstPattern := bytes.Repeat([]byte{0xAA}, int(size))
	srcPattern := bytes.Repeat([]byte{0x55}, int(size))
	copy(g.arena.BytesAt(dstPtr, size), dstPattern)
	copy(g.arena.BytesAt(srcPtr, size), srcPattern)

	meshedBefore := g.arena.MeshedPageCount()

	ok := g.mergePair(meshing.Pair{Left: dstID, Right: srcID}, class)
	require.True(t, ok)

	assert.True(t, src.IsMeshed())

	dstSlot1 := dst.SpanStart(base) + uintptr(1)*size
	assert.Equal(t, srcPattern, g.arena.BytesAt(srcPtr, size),
		"srcPtr's original address must still read its object's bytes through the alias")
	assert.Equal(t, g.arena.BytesAt(dstSlot1, size), g.arena.BytesAt(srcPtr, size),
		"dst's and src's addresses for the same merged slot must observe identical post-mesh bytes")
	assert.Equal(t, dstPattern, g.arena.BytesAt(dstPtr, size),
		"dst's own slot 0 object must be untouched by the merge")

	// A write through dst's slot-1 address (now the sole owner of that
	// storage) must be visible through src's old address: true
	// aliasing, not a one-time copy.
	updated := bytes.Repeat([]byte{0xCC}, int(size))
	copy(g.arena.BytesAt(dstSlot1, size), updated)
	assert.Equal(t, updated, g.arena.BytesAt(srcPtr, size),
		"write through the survivor's span must be visible through the loser's old virtual address")

	// Freeing through either address must succeed without panicking,
	// exercising the chain-walking spanStart resolution: freeing via
	// srcPtr must not mistakenly subtract the survivor's own span start
	// from a pointer that still lives in src's original virtual range.
	assert.True(t, dst.Free(dstID, g.store.Get, base, dstPtr))
	assert.True(t, dst.Free(dstID, g.store.Get, base, srcPtr))

	// meshLocked's FinalizeMesh/FreePhys pair must have run for src's
	// span: the arena's aliased-page accounting grows immediately,
	// independent of any later scavenge pass (spec.md §4.7, §8 scenario
	// 3's "resident bytes decrease by exactly src.span.length*PageSize"
	// — FreePhys itself isn't separately observable from a unit test
	// without inspecting RSS, but it is called unconditionally right
	// after FinalizeMesh in meshLocked, and any error there would have
	// made mergePair return false above).
	assert.Greater(t, g.arena.MeshedPageCount(), meshedBefore)
}

func TestDisableMeshingSkipsBackgroundPasses(t *testing.T) {
	h, err := New(WithArenaSize(256<<20), WithoutMeshing())
	require.NoError(t, err)
	defer h.Close()

	tok := h.NewToken()
	h.Lock(tok)
	defer h.Unlock(tok)

	ptr := h.Malloc(tok, 32)
	require.NotZero(t, ptr)
	h.Free(tok, ptr)

	assert.Equal(t, uint64(0), h.global.meshPassCount.Load())
}
