package mesh

import (
	"sync"

	"github.com/plasma-umass/mesh/internal/miniheap"
	"github.com/plasma-umass/mesh/internal/shufflevector"
	"github.com/plasma-umass/mesh/internal/sizeclass"
)

// threadLocalHeap is the fast allocation path attached to one logical
// thread of execution: a shuffle vector per size class, each refilled
// from the GlobalHeap on miss (spec.md §4.6, §4.9).
//
// Go has no stable OS-thread handle a Go-level allocator can hook, so
// "thread-local" here means "owned by one opaque caller-supplied
// token" — see Heap.Lock/Heap.Unlock in mesh.go, which is how an
// embedder marks which goroutine currently holds which
// threadLocalHeap instance.
type threadLocalHeap struct {
	global *globalHeap
	tok    uint64

	mu  sync.Mutex
	svs [sizeclass.NumClasses]*shufflevector.ShuffleVector
}

func newThreadLocalHeap(g *globalHeap, tok uint64) *threadLocalHeap {
	t := &threadLocalHeap{global: g, tok: tok}
	for c := range t.svs {
		t.svs[c] = shufflevector.New(uint8(c), sizeclass.SizeForClass(uint8(c)), g.store.Get)
	}
	return t
}

// Malloc services sz bytes: the large path for sz > sizeclass.MaxSize,
// otherwise the owning shuffle vector, refilling from the GlobalHeap
// on a cache miss (spec.md §4.6, §4.9).
func (t *threadLocalHeap) Malloc(sz uintptr) (uintptr, error) {
	if !sizeclass.IsSmall(sz) {
		return t.global.MallocLarge(sz)
	}

	class := sizeclass.ClassForSize(sz)

	t.mu.Lock()
	defer t.mu.Unlock()

	sv := t.svs[class]
	if addr, ok := sv.Malloc(); ok {
		return addr, nil
	}
	if err := t.refillLocked(class); err != nil {
		return 0, err
	}
	if addr, ok := sv.Malloc(); ok {
		return addr, nil
	}
	// refillLocked yields at least one free slot whenever it returns no
	// error; running out of arena space panics inside PageAlloc rather
	// than returning here.
	return 0, &fatalError{op: "threadLocalHeap.Malloc", err: errAllocExhausted}
}

// refillLocked attaches a fresh set of mini-heaps to class's shuffle
// vector, drawn from the GlobalHeap's reuse/grow path.
func (t *threadLocalHeap) refillLocked(class uint8) error {
	objectSize := sizeclass.SizeForClass(class)
	ids, err := t.global.AllocSmallMiniheaps(class, objectSize, shufflevector.MaxAttached, t.tok)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errAllocExhausted
	}
	t.svs[class].Reinit(t.global.arena.Base(), ids)
	return nil
}

// Free releases ptr if it is owned by one of this thread's currently
// attached mini-heaps and not part of a mesh chain; otherwise it
// dispatches to the GlobalHeap's cross-thread free path (spec.md
// §4.7, §4.9).
func (t *threadLocalHeap) Free(ptr uintptr) bool {
	id32, ok := t.global.arena.OwnerOf(ptr)
	if !ok || id32 == 0 {
		return false
	}
	id := miniheap.ID(id32)
	mh := t.global.store.Get(id)

	if mh.IsLargeAlloc() {
		return t.global.Free(ptr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if mh.Current() != t.tok || mh.IsMeshed() || mh.NextMeshed != 0 {
		return t.global.FreeFor(id, mh, ptr)
	}

	sv := t.svs[mh.SizeClass()]
	idx, attached := sv.IndexOf(id)
	if !attached {
		return t.global.FreeFor(id, mh, ptr)
	}

	start := mh.SpanStartFor(id, t.global.store.Get, t.global.arena.Base(), ptr)
	slot := sizeclass.SlotForOffset(ptr-start, mh.SizeClass())
	sv.Free(idx, slot)
	return true
}

// Release detaches every mini-heap this thread-local heap still holds
// and publishes them back to the GlobalHeap's bins (spec.md §4.9's
// thread-exit path). Called by Heap.Unlock once the token is removed
// from the locals map.
func (t *threadLocalHeap) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for class := range t.svs {
		sv := t.svs[class]
		ids := sv.ReleaseAll()
		for _, id := range ids {
			mh := t.global.store.Get(id)
			t.global.postFreeLocked(id, mh, uint8(class))
		}
	}
}
