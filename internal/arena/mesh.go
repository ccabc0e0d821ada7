package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// BeginMesh marks remove's virtual pages read-only (spec.md §4.3,
// §5's fault-gated quiescence): any writer that races the mesh commit
// and hasn't yet observed the atomic bitmap handoff will take a
// SIGSEGV/SIGBUS on remove's pages until FinalizeMesh's remap restores
// write access. Such a fault is not resolved or retried; the Heap's
// fault handler only logs it.
func (a *Arena) BeginMesh(remove Span) error {
	b := bytesAt(a.AddrOf(remove.Offset), remove.Bytes())
	if err := unix.Mprotect(b, unix.PROT_READ); err != nil {
		return fmt.Errorf("arena: mprotect(READ) on mesh loser failed: %w", err)
	}
	return nil
}

// FinalizeMesh completes a mesh: it stamps the arena index entries of
// remove's pages with survivorID, records those pages as aliased, and
// remaps remove's virtual range onto keep's backing-file offset via
// MAP_FIXED — restoring PROT_READ|PROT_WRITE as a side effect of the
// new mapping (spec.md §4.3).
func (a *Arena) FinalizeMesh(keep, remove Span, survivorID uint32) error {
	a.SetOwner(remove, survivorID)

	fileOffset := int64(keep.Offset) * int64(PageSize)
	addr := a.AddrOf(remove.Offset)

	if err := mmapFixed(int(a.file.Fd()), fileOffset, addr, remove.Bytes()); err != nil {
		return fmt.Errorf("arena: MAP_FIXED remap during finalizeMesh failed: %w", err)
	}

	a.mu.Lock()
	for p := remove.Offset; p < remove.Offset+remove.Length; p++ {
		if !a.meshed[p] {
			a.meshed[p] = true
			a.meshedPageCount++
		}
	}
	a.mu.Unlock()
	return nil
}

// FreePhys returns span's physical pages to the kernel without
// changing the virtual mapping: Linux fallocate(PUNCH_HOLE|KEEP_SIZE),
// platform-dispatched (spec.md §4.3). span's offset is interpreted as
// a *file* offset. The callers are a mesh loser's span right after
// FinalizeMesh has remapped it onto the survivor (punching the loser's
// now-orphaned original file pages), and a dirty free-list span during
// scavenge.
func (a *Arena) FreePhys(span Span) error {
	return punchHole(int(a.file.Fd()), int64(span.Offset)*int64(PageSize), int64(span.Bytes()))
}
