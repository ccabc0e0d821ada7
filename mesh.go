package mesh

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plasma-umass/mesh/internal/arena"
	"github.com/plasma-umass/mesh/internal/miniheap"
)

// Heap is the top-level allocator: a meshable arena, the size-class
// dispatch hub, and the set of currently-locked thread-local caches
// (spec.md §3, §6). The zero Heap is not valid; use New.
type Heap struct {
	cfg    Config
	log    zerolog.Logger
	arena  *arena.Arena
	global *globalHeap

	tokSeq atomic.Uint64

	mu     sync.Mutex
	locals map[uint64]*threadLocalHeap

	forkMu  sync.Mutex
	faultCh chan os.Signal
}

// New creates a Heap: reserves the arena described by cfg (or the
// defaults, with opts applied) and prepares its dispatch structures.
// This is the equivalent of the C ABI's one-time xxmalloc init path.
func New(opts ...Option) (*Heap, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "mesh").Logger()

	a, err := arena.New(arena.Config{
		ArenaSize:    cfg.ArenaSize,
		MaxMeshCount: cfg.MaxMeshCount,
	})
	if err != nil {
		return nil, &fatalError{op: "New: arena.New", err: err}
	}

	h := &Heap{
		cfg:    cfg,
		log:    logger,
		arena:  a,
		global: newGlobalHeap(cfg, a, logger),
		locals: make(map[uint64]*threadLocalHeap),
	}
	h.installFaultHandler()
	return h, nil
}

// Close tears down the Heap's background signal handling and releases
// its arena's virtual reservation. Not safe to call while any
// goroutine still holds a Lock token.
func (h *Heap) Close() error {
	h.stopFaultHandler()
	return h.arena.Close()
}

// Lock associates the calling goroutine with a thread-local heap
// identified by tok, creating one on first use. Go has no
// pthread_self a library can hook, so the embedder supplies its own
// stable per-goroutine token (spec.md §4.9's "current thread" concept,
// generalized), typically minted with NewToken.
func (h *Heap) Lock(tok uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.locals[tok]; !ok {
		h.locals[tok] = newThreadLocalHeap(h.global, tok)
	}
}

// Unlock detaches tok's thread-local heap, returning its attached
// mini-heaps to the global bins. Safe to call even if Lock was never
// called for tok.
func (h *Heap) Unlock(tok uint64) {
	h.mu.Lock()
	t, ok := h.locals[tok]
	if ok {
		delete(h.locals, tok)
	}
	h.mu.Unlock()

	if ok {
		t.Release()
	}
}

// NewToken mints a fresh, process-unique token an embedder can use to
// identify one logical thread of execution across Lock/Unlock calls.
func (h *Heap) NewToken() uint64 {
	return h.tokSeq.Add(1)
}

func (h *Heap) localFor(tok uint64) *threadLocalHeap {
	h.mu.Lock()
	t, ok := h.locals[tok]
	h.mu.Unlock()
	if !ok {
		h.Lock(tok)
		h.mu.Lock()
		t = h.locals[tok]
		h.mu.Unlock()
	}
	return t
}

// Malloc allocates sz bytes on behalf of tok's thread-local heap
// (spec.md §4.6, §4.7 — the xxmalloc equivalent). Returns 0 on
// allocation failure after logging a fatal diagnostic.
func (h *Heap) Malloc(tok uint64, sz uintptr) uintptr {
	if sz == 0 {
		sz = 1
	}
	addr, err := h.localFor(tok).Malloc(sz)
	if err != nil {
		h.log.Error().Err(err).Uintptr("size", sz).Msg("mesh: malloc failed")
		return 0
	}
	return addr
}

// Free releases ptr, dispatching to tok's thread-local heap if it
// owns ptr's mini-heap, else to the global cross-thread free path
// (spec.md §4.7 — the xxfree equivalent). A nil/foreign ptr is a
// silent no-op, matching free(3)'s contract.
func (h *Heap) Free(tok uint64, ptr uintptr) {
	if ptr == 0 {
		return
	}
	if !h.arena.InBounds(ptr) {
		return
	}
	h.localFor(tok).Free(ptr)
}

// UsableSize returns the full capacity of the allocation containing
// ptr — xxmalloc_usable_size's equivalent. Returns 0 for an
// unrecognized pointer.
func (h *Heap) UsableSize(ptr uintptr) uintptr {
	id32, ok := h.arena.OwnerOf(ptr)
	if !ok || id32 == 0 {
		return 0
	}
	mh := h.global.store.Get(miniheap.ID(id32))
	if mh.IsLargeAlloc() {
		return mh.Span.Bytes()
	}
	return mh.ObjectSize()
}

// InBounds reports whether ptr falls within this Heap's arena —
// mesh_in_bounds's equivalent, letting an embedder route frees between
// multiple allocators.
func (h *Heap) InBounds(ptr uintptr) bool {
	return h.arena.InBounds(ptr)
}

// Scavenge forces an immediate scavenge pass (mesh.scavenge's
// mallctl, exposed directly for callers that don't go through
// Mallctl).
func (h *Heap) Scavenge(full bool) error {
	return h.global.scavenge(full)
}

// Compact forces an immediate full mesh pass followed by a full
// scavenge, synchronously, bypassing MeshPeriod (mesh.compact's
// mallctl).
func (h *Heap) Compact() {
	h.global.MeshAllSizeClassesLocked()
	if err := h.global.scavenge(true); err != nil {
		h.log.Error().Err(err).Msg("mesh: compact scavenge failed")
	}
}
