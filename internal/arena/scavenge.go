package arena

import (
	"golang.org/x/sys/unix"
)

// scavengeFraction is not consulted by Scavenge: a partial pass stops
// once the dirty list is back under minDirtyPages, leaving the rest for
// the next trigger rather than doing a full pass's amount of
// madvise/punch-hole work.
const scavengeFraction = 4

// Scavenge reclaims physical memory backing free pages (spec.md
// §4.3). It first folds back any toReset spans — meshed-away pages
// whose survivor has since been freed — to their own identity mapping
// via MAP_FIXED, then walks the dirty free list handing each span's
// physical pages back to the kernel (madvise(DONTNEED) plus a
// hole-punch) before moving it to the clean list. full selects
// between reclaiming the whole dirty list or stopping once the list
// has fallen back under minDirtyPages.
func (a *Arena) Scavenge(full bool) error {
	if err := a.resetMeshedLocked(); err != nil {
		return err
	}

	spans := a.takeDirtyForScavengeLocked(full)
	for _, span := range spans {
		if err := a.scavengeSpan(span); err != nil {
			return err
		}
		a.mu.Lock()
		a.pushLocked(&a.clean, span)
		a.mu.Unlock()
	}
	return nil
}

// resetMeshedLocked drains a.toReset, remapping each span back onto
// its own file offset (undoing the MAP_FIXED alias FinalizeMesh
// installed) now that the mesh survivor holding those pages has been
// freed and the pages are about to be reused for something else.
func (a *Arena) resetMeshedLocked() error {
	a.mu.Lock()
	toReset := a.toReset
	a.toReset = nil
	a.mu.Unlock()

	for _, span := range toReset {
		fileOffset := int64(span.Offset) * int64(PageSize)
		addr := a.AddrOf(span.Offset)
		if err := mmapFixed(int(a.file.Fd()), fileOffset, addr, span.Bytes()); err != nil {
			return err
		}

		a.mu.Lock()
		for p := span.Offset; p < span.Offset+span.Length; p++ {
			if a.meshed[p] {
				a.meshed[p] = false
				a.meshedPageCount--
			}
		}
		a.mu.Unlock()
	}
	return nil
}

// takeDirtyForScavengeLocked removes spans from the dirty free list
// for Scavenge to process, either all of it (full) or just enough to
// bring dirtyPages back under minDirtyPages (partial).
func (a *Arena) takeDirtyForScavengeLocked(full bool) []Span {
	a.mu.Lock()
	defer a.mu.Unlock()

	var target int
	if !full {
		target = a.dirtyPages - minDirtyPages
		if target <= 0 {
			return nil
		}
	}

	var spans []Span
	for b := range a.dirty {
		bucket := a.dirty[b]
		for len(bucket) > 0 && (full || target > 0) {
			last := len(bucket) - 1
			span := bucket[last]
			bucket = bucket[:last]
			spans = append(spans, span)
			a.dirtyPages -= int(span.Length)
			target -= int(span.Length)
		}
		a.dirty[b] = bucket
		if !full && target <= 0 {
			break
		}
	}
	return spans
}

// scavengeSpan hands span's physical pages back to the kernel: an
// madvise(DONTNEED) so the pages are dropped even if the platform's
// hole-punch is a no-op for this range, followed by the platform
// hole-punch proper so the backing file's allocation shrinks too.
func (a *Arena) scavengeSpan(span Span) error {
	b := bytesAt(a.AddrOf(span.Offset), span.Bytes())
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return a.FreePhys(Span{Offset: span.Offset, Length: span.Length})
}

// MarkForReset schedules span — a meshed-away alias span whose
// survivor has been freed — to be folded back to an identity mapping
// on the next Scavenge, rather than immediately, since doing the
// MAP_FIXED remap on the free path would stall whatever thread
// happened to trigger the free (spec.md §4.3).
func (a *Arena) MarkForReset(span Span) {
	a.mu.Lock()
	a.toReset = append(a.toReset, span)
	a.mu.Unlock()
}
