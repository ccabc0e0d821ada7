package mesh

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/plasma-umass/mesh/internal/arena"
	"github.com/plasma-umass/mesh/internal/meshing"
	"github.com/plasma-umass/mesh/internal/miniheap"
	"github.com/plasma-umass/mesh/internal/rng"
	"github.com/plasma-umass/mesh/internal/sizeclass"
	"github.com/plasma-umass/mesh/internal/tracker"
)

// globalHeap is the epoch-protected dispatch hub: allocation/free
// routing, the large-alloc path, and the meshing driver (spec.md
// §4.7). Grounded on runtime/mheap.go's role as central span
// dispatcher and runtime/mcache.go's refill/allocLarge sequencing,
// with GC-pacer bookkeeping stripped since this allocator has no
// collector to feed.
type globalHeap struct {
	cfg Config
	log zerolog.Logger

	arena *arena.Arena
	store *miniheap.Store

	trackers [sizeclass.NumClasses]*tracker.Tracker

	largeMu    sync.Mutex
	largeHeaps map[miniheap.ID]struct{}

	// epoch is spec.md §5's mesh critical-section counter: odd means a
	// mesh is in progress. Incremented on meshLock/meshUnlock.
	epoch atomic.Uint64

	meshRNG       *rng.MWC
	lastMeshNano  atomic.Int64
	meshPeriodNs  atomic.Int64
	meshPassCount atomic.Uint64
	scavengeCount atomic.Uint64
}

func newGlobalHeap(cfg Config, a *arena.Arena, log zerolog.Logger) *globalHeap {
	g := &globalHeap{
		cfg:        cfg,
		log:        log,
		arena:      a,
		store:      miniheap.NewStore(),
		largeHeaps: make(map[miniheap.ID]struct{}),
		meshRNG:    rng.New(),
	}
	g.meshPeriodNs.Store(cfg.MeshPeriod.Nanoseconds())
	for c := range g.trackers {
		g.trackers[c] = tracker.New(g.store.Get)
	}
	return g
}

// --- epoch / mesh lock -----------------------------------------------

// meshLock enters the mesh critical section: odd epoch means meshing
// is in progress. Callers must meshUnlock when done.
func (g *globalHeap) meshLock() {
	g.epoch.Add(1)
}

func (g *globalHeap) meshUnlock() {
	g.epoch.Add(1)
}

func (g *globalHeap) epochSnapshot() uint64 {
	return g.epoch.Load()
}

func (g *globalHeap) epochChanged(snapshot uint64) bool {
	cur := g.epoch.Load()
	return cur != snapshot || cur%2 == 1
}

// --- allocation --------------------------------------------------------

// pageCountFor returns the number of pages needed to hold count
// objects of size bytes.
func pageCountFor(size uintptr, count int) uint32 {
	total := size * uintptr(count)
	pages := (total + arena.PageSize - 1) / arena.PageSize
	if pages == 0 {
		pages = 1
	}
	return uint32(pages)
}

// allocMiniheapLocked reserves a span of maxCount objects of class
// (class == largeAllocClass for an untracked large allocation),
// creates its MiniHeap record, and stamps the arena index.
const largeAllocClass = 0xff

func (g *globalHeap) allocMiniheapLocked(class uint8, objectSize uintptr, maxCount uint16) (miniheap.ID, *miniheap.MiniHeap, error) {
	pages := pageCountFor(objectSize, int(maxCount))
	span, _, err := g.arena.PageAlloc(pages)
	if err != nil {
		return 0, nil, &fatalError{op: "allocMiniheapLocked: PageAlloc", err: err}
	}

	id := g.store.Alloc()
	mh := g.store.Get(id)
	storedClass := class
	if class == largeAllocClass {
		storedClass = 0
	}
	mh.Init(span, storedClass, maxCount)
	g.arena.SetOwner(span, uint32(id))
	return id, mh, nil
}

// MallocLarge services an allocation too big for any size class: its
// own dedicated mini-heap with maxCount==1, never a meshing candidate
// (spec.md §4.7, §8 boundary behaviors).
func (g *globalHeap) MallocLarge(sz uintptr) (uintptr, error) {
	id, mh, err := g.allocMiniheapLocked(largeAllocClass, sz, 1)
	if err != nil {
		return 0, err
	}

	g.largeMu.Lock()
	g.largeHeaps[id] = struct{}{}
	g.largeMu.Unlock()

	return mh.MallocAt(g.arena.Base(), 0), nil
}

// AllocSmallMiniheaps refills out from the size class's Partial/Empty
// bins first; while that falls short of the configured byte goal and
// out holds fewer than n, it allocates fresh mini-heaps of
// max(PageSize/size, 8) objects each (spec.md §4.7).
func (g *globalHeap) AllocSmallMiniheaps(class uint8, objectSize uintptr, n int, tok uint64) ([]miniheap.ID, error) {
	tr := g.trackers[class]

	tr.Lock()
	tr.DrainPendingPartialLocked()
	tr.Unlock()

	out := tr.SelectForReuse(make([]miniheap.ID, 0, n), tok)

	goalBytes := g.cfg.RefillGoalBytes
	haveBytes := uintptr(0)
	for _, id := range out {
		haveBytes += g.store.Get(id).ObjectSize() * uintptr(g.store.Get(id).MaxCount())
	}

	for haveBytes < goalBytes && len(out) < n {
		count := maxUint16(objectSize)
		id, mh, err := g.allocMiniheapLocked(class, objectSize, count)
		if err != nil {
			return out, err
		}
		mh.Attach(tok)
		out = append(out, id)
		haveBytes += objectSize * uintptr(count)
	}
	return out, nil
}

// maxUint16 computes a mini-heap's object count for a freshly grown
// span: max(PageSize/size, 8) objects per spec.md §4.7, clamped to the
// bitmap's 1024-bit ceiling.
func maxUint16(size uintptr) uint16 {
	n := arena.PageSize / size
	if n < 8 {
		n = 8
	}
	if n > 1024 {
		n = 1024
	}
	return uint16(n)
}

// --- free ---------------------------------------------------------------

// Free dispatches ptr to its owning mini-heap via the arena index
// (spec.md §4.7). Returns false if ptr isn't recognized.
func (g *globalHeap) Free(ptr uintptr) bool {
	if ptr == 0 {
		return true
	}
	id32, ok := g.arena.OwnerOf(ptr)
	if !ok || id32 == 0 {
		g.log.Warn().Uintptr("ptr", ptr).Msg("mesh: free of pointer not owned by this arena")
		return false
	}
	id := miniheap.ID(id32)
	mh := g.store.Get(id)

	if mh.IsLargeAlloc() {
		return g.freeLargeLocked(id, mh)
	}
	return g.FreeFor(id, mh, ptr)
}

func (g *globalHeap) freeLargeLocked(id miniheap.ID, mh *miniheap.MiniHeap) bool {
	g.largeMu.Lock()
	defer g.largeMu.Unlock()

	delete(g.largeHeaps, id)
	span := mh.Span
	g.arena.SetOwner(span, 0)
	g.store.Free(id)
	g.arena.Free(span)
	return true
}

// FreeFor is the small-object free path (spec.md §4.7's freeFor): it
// clears ptr's slot via ClearIfNotFree (not Free) so the return value
// still tells the truth even if meshing drained the bitmap between
// the arena-index lookup and this call.
func (g *globalHeap) FreeFor(id miniheap.ID, mh *miniheap.MiniHeap, ptr uintptr) bool {
	startEpoch := g.epochSnapshot()
	cleared := mh.ClearIfNotFree(id, g.store.Get, g.arena.Base(), ptr)

	if g.epochChanged(startEpoch) {
		return g.freeSlowPath(id, mh, ptr, cleared)
	}

	if !cleared {
		// Already clear: either a double free (no-op, per spec.md §7)
		// or a mesh raced this call and already drained the bit — the
		// epoch check above should have caught the latter, but a
		// stale read is still handled safely as a no-op.
		return true
	}

	class := mh.SizeClass()
	inUse := mh.InUseCount()
	if mh.Current() == 0 && inUse == 0 {
		// Empty transition: always needs the bin lock.
		g.postFreeLocked(id, mh, class)
	} else if mh.Current() == 0 && mh.Freelist() == miniheap.BinFull {
		// Lock-free Full -> Pending fast path (spec.md §4.5).
		if !g.trackers[class].TrySetPendingFromFull(id) {
			g.postFreeLocked(id, mh, class)
		}
	}

	g.maybeMesh()
	return true
}

func (g *globalHeap) postFreeLocked(id miniheap.ID, mh *miniheap.MiniHeap, class uint8) {
	tr := g.trackers[class]
	tr.Lock()
	tr.DrainPendingPartialLocked()
	tr.Unlock()

	shouldFlush := tr.PostFree(id, mh.InUseCount(), uint32(mh.MaxCount()))
	if shouldFlush {
		g.flushSomeEmptyLocked(class)
	}
}

// flushSomeEmptyLocked is a light placeholder for the reference's
// empty-list cap eviction: it exists so PostFree's signal has a
// consumer, but this allocator keeps empty mini-heaps around for
// reuse rather than eagerly returning their spans, since the arena's
// own scavenge already reclaims physical pages from anything sitting
// unreferenced on the dirty list.
func (g *globalHeap) flushSomeEmptyLocked(class uint8) {
	g.log.Debug().Int("class", int(class)).Msg("mesh: empty list above cap")
}

// freeSlowPath re-validates after an epoch change: re-looks-up ptr's
// current mini-heap (which may now be the mesh survivor) and replays
// the clear there if it didn't already land (spec.md §4.7 case 1).
func (g *globalHeap) freeSlowPath(id miniheap.ID, mh *miniheap.MiniHeap, ptr uintptr, landedHere bool) bool {
	tr := g.trackers[mh.SizeClass()]
	tr.Lock()
	tr.DrainPendingPartialLocked()
	tr.Unlock()

	newID32, ok := g.arena.OwnerOf(ptr)
	if !ok {
		return false
	}
	newID := miniheap.ID(newID32)
	if newID == id {
		if !landedHere {
			// The clear already happened before the epoch check, or
			// this is a genuine double free; either way there is
			// nothing left to do.
			return true
		}
		g.postFreeLocked(id, mh, mh.SizeClass())
		return true
	}

	newMH := g.store.Get(newID)
	related := false
	newMH.ForEachMeshed(newID, g.store.Get, func(memberID miniheap.ID, _ *miniheap.MiniHeap) bool {
		if memberID == id {
			related = true
			return false
		}
		return true
	})
	if !related {
		// The arena slice was recycled entirely; nothing to free.
		return false
	}
	if !landedHere {
		newMH.Free(newID, g.store.Get, g.arena.Base(), ptr)
	}
	g.postFreeLocked(newID, newMH, newMH.SizeClass())
	return true
}

// --- meshing --------------------------------------------------------------

// maybeMesh runs a full meshing pass if meshing is enabled and at
// least Config.MeshPeriod has elapsed since the last one.
func (g *globalHeap) maybeMesh() {
	if g.cfg.DisableMeshing {
		return
	}
	now := time.Now().UnixNano()
	last := g.lastMeshNano.Load()
	if now-last < g.meshPeriodNs.Load() {
		return
	}
	if !g.lastMeshNano.CompareAndSwap(last, now) {
		return // another goroutine just won the race to run this pass
	}
	g.MeshAllSizeClassesLocked()
}

// MeshAllSizeClassesLocked runs spec.md §4.7's full pass: scavenge
// first to release freed-but-not-reset meshed mappings, then for each
// size class gather meshing candidates, run ShiftedSplitting, and
// merge every reported pair.
func (g *globalHeap) MeshAllSizeClassesLocked() {
	if err := g.arena.Scavenge(false); err != nil {
		g.log.Error().Err(err).Msg("mesh: pre-pass scavenge failed")
	}

	totalMerged := 0
	for class := uint8(0); class < sizeclass.NumClasses; class++ {
		if g.arena.AboveMeshThreshold() {
			break
		}
		totalMerged += g.meshSizeClassLocked(class)
	}

	g.meshPassCount.Add(1)
	g.log.Debug().Int("merged", totalMerged).Msg("mesh: pass complete")
}

func (g *globalHeap) meshSizeClassLocked(class uint8) int {
	tr := g.trackers[class]
	tr.Lock()
	tr.DrainPendingPartialLocked()
	tr.Unlock()

	candidates := tr.MeshingCandidates(g.cfg.OccupancyCutoff)
	if len(candidates) < 2 {
		return 0
	}

	var pairs []meshing.Pair
	meshing.ShiftedSplitting(candidates, g.store.Get, g.meshRNG, func(p meshing.Pair) bool {
		pairs = append(pairs, p)
		return len(pairs) < meshing.MaxMeshesPerIteration
	})

	merged := 0
	for _, p := range pairs {
		if g.mergePair(p, class) {
			merged++
		}
	}
	return merged
}

// mergePair merges p.Left and p.Right, making whichever already has
// the larger mesh chain the survivor (spec.md §4.7) and skipping
// pairs whose combined chain would exceed kMaxMeshes. Per spec.md §9,
// the skip condition is dst.meshCount()+src.meshCount() > kMaxMeshes —
// not a doubled count.
func (g *globalHeap) mergePair(p meshing.Pair, class uint8) bool {
	left := g.store.Get(p.Left)
	right := g.store.Get(p.Right)
	if left.IsMeshed() || right.IsMeshed() {
		return false
	}

	dstID, srcID := p.Left, p.Right
	dst, src := left, right
	if src.MeshCount(srcID, g.store.Get) > dst.MeshCount(dstID, g.store.Get) {
		dstID, srcID = srcID, dstID
		dst, src = src, dst
	}

	if dst.MeshCount(dstID, g.store.Get)+src.MeshCount(srcID, g.store.Get) > g.cfg.MaxMeshes {
		return false
	}

	g.meshLock()
	err := g.meshLocked(dstID, dst, srcID, src)
	g.meshUnlock()
	if err != nil {
		g.log.Error().Err(err).Msg("mesh: meshLocked failed")
		return false
	}

	g.trackers[class].Untrack(srcID)
	g.postFreeLocked(dstID, dst, class)
	return true
}

// meshLocked performs spec.md §4.7's meshLocked sequence: beginMesh
// every span in src's chain (mprotect them read-only against racing
// writers), have dst consume src's bitmap and live objects, then
// finalizeMesh every former span so its virtual pages alias dst's
// backing file offset — and, per spec.md §4.7/§1, hole-punch each
// member's now-orphaned physical pages so meshing actually returns
// memory to the kernel (global_heap_impl.h's meshLocked calls
// Super::freePhys after finalizeMesh; our FinalizeMesh only remaps, so
// FreePhys is called explicitly here, once per chain member since each
// one's original file backing is independently orphaned).
func (g *globalHeap) meshLocked(dstID miniheap.ID, dst *miniheap.MiniHeap, srcID miniheap.ID, src *miniheap.MiniHeap) error {
	var chain []arena.Span
	src.ForEachMeshed(srcID, g.store.Get, func(_ miniheap.ID, m *miniheap.MiniHeap) bool {
		chain = append(chain, m.Span)
		return true
	})

	for _, span := range chain {
		if err := g.arena.BeginMesh(span); err != nil {
			return fmt.Errorf("beginMesh: %w", err)
		}
	}

	dst.Consume(srcID, src, g.store.Get, func(slot uint32) {
		g.copyObject(dst, src, slot)
	})

	keep := dst.Span
	for _, span := range chain {
		if err := g.arena.FinalizeMesh(keep, span, uint32(dstID)); err != nil {
			return fmt.Errorf("finalizeMesh: %w", err)
		}
		if err := g.arena.FreePhys(span); err != nil {
			return fmt.Errorf("freePhys: %w", err)
		}
	}
	return nil
}

// copyObject copies the live object at slot from src's current
// virtual span into dst's span, before src's pages are remapped onto
// dst's. It uses the plain (non-chain-walking) SpanStart on both sides
// deliberately: src and dst here are always already-resolved chain
// members and slot is already known, not derived from an arbitrary
// external pointer, so there is nothing to resolve — mirrors
// mini_heap.h's consume(), which likewise calls getSpanStart rather
// than the pointer-resolving spanStart.
func (g *globalHeap) copyObject(dst, src *miniheap.MiniHeap, slot uint32) {
	base := g.arena.Base()
	size := dst.ObjectSize()
	srcAddr := src.SpanStart(base) + uintptr(slot)*size
	dstAddr := dst.SpanStart(base) + uintptr(slot)*size
	copy(g.arena.BytesAt(dstAddr, size), g.arena.BytesAt(srcAddr, size))
}

// --- scavenge / mallctl plumbing consumed by mesh.go --------------------

func (g *globalHeap) scavenge(full bool) error {
	g.scavengeCount.Add(1)
	return g.arena.Scavenge(full)
}

func (g *globalHeap) setMeshPeriodMs(ms int) {
	g.meshPeriodNs.Store(int64(ms) * int64(time.Millisecond))
}

func (g *globalHeap) meshPeriodMs() int {
	return int(g.meshPeriodNs.Load() / int64(time.Millisecond))
}
