// Package arena implements MeshableArena: the single contiguous
// virtual range backed by one shared file descriptor that every small
// allocation and every mini-heap span is cut from (spec.md §3, §4.3).
//
// Grounded on runtime/mheap.go's role as the arena/span allocator
// (dirty/clean free lists, length-bucketed search) and on the
// corpus's mmap idiom (dsmmcken-dh-cli's uffd_linux.go,
// marmos91-dittofs's pkg/cache/mmap.go, zaf-yammap's mmap constants).
package arena

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PageSize is the platform page size this arena divides its range
// into. 4 KiB covers the overwhelming majority of deployment targets;
// on other page sizes (e.g. some 16 KiB ARM64 configurations) this
// package's init overrides it from unix.Getpagesize().
var PageSize = uintptr(4096)

// pageShift is recomputed from PageSize at init.
var pageShift uint

func init() {
	if sz := unix.Getpagesize(); sz > 0 {
		PageSize = uintptr(sz)
	}
	for p := PageSize; p > 1; p >>= 1 {
		pageShift++
	}
}

// Span is a (offset, length) pair in pages into the arena.
type Span struct {
	Offset uint32 // page offset from the arena base
	Length uint32 // length in pages
}

// Bytes reports the span's length in bytes.
func (s Span) Bytes() uintptr { return uintptr(s.Length) * PageSize }

const (
	// DefaultArenaSize is kArenaSize: 64 GiB. The same default applies
	// on every platform, Darwin included; no smaller per-OS default is
	// selected.
	DefaultArenaSize = 64 << 30

	// minExpansion is the minimum number of pages the arena grows by
	// when no free span satisfies a request (kMinArenaExpansion).
	minExpansion = 8192 // 32 MiB at a 4 KiB page size

	// numBuckets classifies spans by length into 256 buckets so most
	// pageAlloc searches are O(1): spanClass = min(length,256)-1.
	numBuckets = 256

	// maxDirtyPages / minDirtyPages bound the dirty free list before a
	// scavenge is triggered (kMaxDirtyPageThreshold / kMinDirtyPageThreshold).
	maxDirtyPages = 16384
	minDirtyPages = 32
)

// Config holds the tunables New needs.
type Config struct {
	// ArenaSize is the total virtual reservation, in bytes. Must be a
	// multiple of PageSize. Zero selects DefaultArenaSize.
	ArenaSize uintptr

	// MaxMeshCount caps the number of pages meshing is allowed to
	// have reclaimed without an intervening scavenge
	// (kDefaultMaxMeshCount); zero selects DefaultMaxMeshCount().
	MaxMeshCount int
}

func (c Config) withDefaults() Config {
	if c.ArenaSize == 0 {
		c.ArenaSize = DefaultArenaSize
	}
	if c.MaxMeshCount == 0 {
		c.MaxMeshCount = DefaultMaxMeshCount()
	}
	return c
}

// Arena owns the contiguous virtual range, its backing file
// descriptor, and free-space accounting.
type Arena struct {
	cfg  Config
	file *os.File
	base uintptr
	size uintptr

	// index stores, for every arena page, the MiniHeapID that owns it
	// (0 == unallocated). Backed by its own anonymous mapping so it
	// lives outside any GC-managed heap, matching spec.md §9's
	// "allocator's own storage must be explicit and outside the GC's
	// managed heap" guidance.
	index []atomic.Uint32

	mu         sync.Mutex
	dirty      [numBuckets][]Span
	clean      [numBuckets][]Span
	dirtyPages int
	highWater  uintptr // byte offset of the first never-allocated page
	scavengeTick uint64 // counts Free calls that crossed the dirty threshold

	// meshed tracks, per page, whether that page is currently an
	// alias (has been finalizeMesh'd away from its identity mapping).
	// FinalizeMesh and Scavenge's reset step consult it so that
	// meshedPageCount counts each aliased page exactly once.
	meshed []bool

	meshedPageCount int

	toReset []Span // meshed spans whose survivor has since been freed
}

// New reserves a fresh arena: a memfd-backed (or unlinked-tempfile
// fallback) shared mapping of cfg.ArenaSize bytes, plus its arena
// index.
func New(cfg Config) (*Arena, error) {
	cfg = cfg.withDefaults()
	if cfg.ArenaSize%PageSize != 0 {
		return nil, fmt.Errorf("arena: size %d is not a multiple of page size %d", cfg.ArenaSize, PageSize)
	}

	f, err := createBackingFile(cfg.ArenaSize)
	if err != nil {
		return nil, fmt.Errorf("arena: create backing file: %w", err)
	}

	b, err := unix.Mmap(int(f.Fd()), 0, int(cfg.ArenaSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: mmap backing file: %w", err)
	}

	numPages := cfg.ArenaSize / PageSize
	indexBytes, err := unix.Mmap(-1, 0, int(numPages)*4, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		unix.Munmap(b)
		f.Close()
		return nil, fmt.Errorf("arena: mmap arena index: %w", err)
	}

	a := &Arena{
		cfg:    cfg,
		file:   f,
		base:   addrOf(b),
		size:   cfg.ArenaSize,
		index:  unsafeUint32Atomics(indexBytes, int(numPages)),
		meshed: make([]bool, numPages),
	}
	return a, nil
}

// Close releases the arena's virtual reservation and backing file.
// Not safe to call while any mini-heap still references the arena.
func (a *Arena) Close() error {
	if err := unix.Munmap(bytesAt(a.base, a.size)); err != nil {
		return err
	}
	return a.file.Close()
}

// Base returns the arena's virtual start address.
func (a *Arena) Base() uintptr { return a.base }

// AddrOf converts a page offset into a virtual address within the
// arena.
func (a *Arena) AddrOf(pageOffset uint32) uintptr {
	return a.base + uintptr(pageOffset)*PageSize
}

// OffsetOf converts a virtual address within the arena back to a page
// offset. addr must lie within the arena.
func (a *Arena) OffsetOf(addr uintptr) (uint32, bool) {
	if addr < a.base || addr >= a.base+a.size {
		return 0, false
	}
	return uint32((addr - a.base) / PageSize), true
}

// InBounds reports whether addr falls within the arena's virtual
// range (mesh_in_bounds, spec.md §6).
func (a *Arena) InBounds(addr uintptr) bool {
	return addr >= a.base && addr < a.base+a.size
}

// BytesAt reinterprets the n bytes starting at addr (which must lie
// within this arena's mapping) as a []byte, for the mesh-time object
// copy between a survivor's and a loser's current virtual spans.
func (a *Arena) BytesAt(addr uintptr, n uintptr) []byte {
	return bytesAt(addr, n)
}

// SetOwner stamps every page of span with id in the arena index. id
// == 0 marks the span unallocated.
func (a *Arena) SetOwner(span Span, id uint32) {
	for p := span.Offset; p < span.Offset+span.Length; p++ {
		a.index[p].Store(id)
	}
}

// OwnerOf returns the MiniHeapID that owns the page containing addr,
// or 0 if the page is unallocated. The second return is false if addr
// is outside the arena entirely.
func (a *Arena) OwnerOf(addr uintptr) (uint32, bool) {
	off, ok := a.OffsetOf(addr)
	if !ok {
		return 0, false
	}
	return a.index[off].Load(), true
}

func bucketFor(length uint32) int {
	if length > numBuckets {
		length = numBuckets
	}
	return int(length) - 1
}

// PageAlloc reserves a span of at least minLength pages, searching the
// dirty free list before the clean one (spec.md §4.3), growing the
// arena if neither has a fit. It reports whether the returned span's
// pages were already dirty (previously used and freed, vs. freshly
// carved from never-touched arena space).
func (a *Arena) PageAlloc(minLength uint32) (Span, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if span, ok := takeFit(&a.dirty, minLength); ok {
		a.dirtyPages -= int(span.Length)
		return a.splitExcessLocked(span, minLength, true), true, nil
	}
	if span, ok := takeFit(&a.clean, minLength); ok {
		return a.splitExcessLocked(span, minLength, false), false, nil
	}

	grow := minLength
	if grow < minExpansion {
		grow = minExpansion
	}
	span, err := a.growLocked(grow)
	if err != nil {
		return Span{}, false, err
	}
	return a.splitExcessLocked(span, minLength, false), false, nil
}

// splitExcessLocked trims span down to exactly minLength pages,
// returning the remainder to the appropriate free list. Must be
// called with a.mu held.
func (a *Arena) splitExcessLocked(span Span, minLength uint32, dirty bool) Span {
	if span.Length <= minLength {
		return span
	}
	used := Span{Offset: span.Offset, Length: minLength}
	rest := Span{Offset: span.Offset + minLength, Length: span.Length - minLength}
	if dirty {
		a.pushLocked(&a.dirty, rest)
		a.dirtyPages += int(rest.Length)
	} else {
		a.pushLocked(&a.clean, rest)
	}
	return used
}

// takeFit scans buckets from bucketFor(minLength) upward for the
// first span of sufficient length, removing and returning it.
func takeFit(lists *[numBuckets][]Span, minLength uint32) (Span, bool) {
	for b := bucketFor(minLength); b < numBuckets; b++ {
		bucket := lists[b]
		for i := len(bucket) - 1; i >= 0; i-- {
			if bucket[i].Length >= minLength {
				span := bucket[i]
				lists[b] = append(bucket[:i], bucket[i+1:]...)
				return span, true
			}
		}
	}
	return Span{}, false
}

func (a *Arena) pushLocked(lists *[numBuckets][]Span, span Span) {
	b := bucketFor(span.Length)
	lists[b] = append(lists[b], span)
}

// growLocked extends the backing file and virtual mapping by at least
// n pages and returns the new span. Must be called with a.mu held.
func (a *Arena) growLocked(n uint32) (Span, error) {
	// The arena's virtual+file reservation is fixed at creation time
	// (kArenaSize); "growing" means handing out pages from the tail of
	// that fixed reservation that have never been allocated before.
	// highWater tracks how much of the reservation is already spoken
	// for.
	needed := uintptr(n) * PageSize
	if a.highWater+needed > a.size {
		panic("arena: expansion beyond kArenaSize")
	}
	span := Span{Offset: uint32(a.highWater / PageSize), Length: n}
	a.highWater += needed
	return span, nil
}
