//go:build linux || darwin || freebsd

package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	a, err := New(Config{ArenaSize: 2 * minExpansion * PageSize, MaxMeshCount: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPageAllocGrowsFromHighWater(t *testing.T) {
	a := newTestArena(t)

	span, dirty, err := a.PageAlloc(4)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint32(4), span.Length)
	assert.Equal(t, uint32(0), span.Offset)

	span2, dirty2, err := a.PageAlloc(4)
	require.NoError(t, err)
	assert.False(t, dirty2)
	assert.NotEqual(t, span.Offset, span2.Offset)
}

func TestFreeThenPageAllocReusesDirtySpan(t *testing.T) {
	a := newTestArena(t)

	span, _, err := a.PageAlloc(8)
	require.NoError(t, err)

	a.Free(span)
	assert.Equal(t, 8, a.DirtyPageCount())

	reused, dirty, err := a.PageAlloc(8)
	require.NoError(t, err)
	assert.True(t, dirty)
	assert.Equal(t, span.Offset, reused.Offset)
	assert.Equal(t, 0, a.DirtyPageCount())
}

func TestSetOwnerAndOwnerOf(t *testing.T) {
	a := newTestArena(t)

	span, _, err := a.PageAlloc(2)
	require.NoError(t, err)

	addr := a.AddrOf(span.Offset)
	_, ok := a.OwnerOf(addr)
	require.True(t, ok)

	a.SetOwner(span, 42)
	id, ok := a.OwnerOf(addr)
	require.True(t, ok)
	assert.Equal(t, uint32(42), id)
}

func TestInBounds(t *testing.T) {
	a := newTestArena(t)
	assert.True(t, a.InBounds(a.Base()))
	assert.True(t, a.InBounds(a.Base()+a.size-1))
	assert.False(t, a.InBounds(a.Base()+a.size))
	assert.False(t, a.InBounds(0))
}

func TestAllocAlignedReturnsAlignedSpan(t *testing.T) {
	a := newTestArena(t)

	alignment := uintptr(64 * 1024)
	span, err := a.AllocAligned(4, alignment)
	require.NoError(t, err)

	addr := a.AddrOf(span.Offset)
	assert.Equal(t, uintptr(0), addr%alignment)
}

func TestScavengeMovesDirtyToClean(t *testing.T) {
	a := newTestArena(t)

	span, _, err := a.PageAlloc(16)
	require.NoError(t, err)

	a.mu.Lock()
	a.pushLocked(&a.dirty, span)
	a.dirtyPages += int(span.Length)
	a.mu.Unlock()

	require.NoError(t, a.Scavenge(true))
	assert.Equal(t, 0, a.DirtyPageCount())

	reused, dirty, err := a.PageAlloc(16)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, span.Offset, reused.Offset)
}

func TestMeshedPageAccountingAndReset(t *testing.T) {
	a := newTestArena(t)

	keep, _, err := a.PageAlloc(1)
	require.NoError(t, err)
	remove, _, err := a.PageAlloc(1)
	require.NoError(t, err)

	require.NoError(t, a.BeginMesh(remove))
	require.NoError(t, a.FinalizeMesh(keep, remove, 7))
	assert.Equal(t, 1, a.MeshedPageCount())

	id, ok := a.OwnerOf(a.AddrOf(remove.Offset))
	require.True(t, ok)
	assert.Equal(t, uint32(7), id)

	a.MarkForReset(remove)
	require.NoError(t, a.Scavenge(true))
	assert.Equal(t, 0, a.MeshedPageCount())
}

func TestAboveMeshThreshold(t *testing.T) {
	a := newTestArena(t)
	assert.False(t, a.AboveMeshThreshold())

	a.mu.Lock()
	a.meshedPageCount = a.cfg.MaxMeshCount + 1
	a.mu.Unlock()
	assert.True(t, a.AboveMeshThreshold())
}
