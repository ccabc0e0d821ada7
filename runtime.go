package mesh

import (
	"os"
	"os/signal"
	"syscall"
)

// PrepareFork, ParentFork, and ChildFork are the embedder's hooks into
// spec.md §4.9's fork-safety discipline. Go offers no pthread_atfork
// equivalent a library can register automatically — a forking
// embedder (one that calls a raw fork(2) before this library's own
// goroutines have a chance to react) must call these explicitly
// around its own fork(2) so no mesh is ever caught mid-FinalizeMesh
// across the fork boundary.

// PrepareFork quiesces the Heap before a fork: it takes the mesh lock
// so the child never inherits a half-completed MAP_FIXED remap.
func (h *Heap) PrepareFork() {
	h.forkMu.Lock()
	h.global.meshLock()
}

// ParentFork releases the quiescence taken by PrepareFork, in the
// parent, once fork(2) has returned.
func (h *Heap) ParentFork() {
	h.global.meshUnlock()
	h.forkMu.Unlock()
}

// ChildFork releases the same quiescence in the child and drops every
// thread-local heap inherited from the parent: the child has exactly
// one thread (itself) post-fork, so any other token's thread-local
// state belongs to a goroutine that no longer exists in this process.
func (h *Heap) ChildFork() {
	h.mu.Lock()
	h.locals = make(map[uint64]*threadLocalHeap)
	h.mu.Unlock()

	h.global.meshUnlock()
	h.forkMu.Unlock()
}

// installFaultHandler registers SIGSEGV/SIGBUS notification so a
// write that races a mesh's mprotect(PROT_READ) on a losing span logs
// a diagnostic instead of the process dying with an unexplained
// SIGSEGV.
//
// This is deliberately NOT the resumable fault handler spec.md §5
// describes: the reference relies on a sigaction(SA_SIGINFO) handler
// that repairs the mapping and returns into the faulting instruction.
// Go's runtime does not support resuming a user goroutine's faulting
// instruction after a synchronous SIGSEGV/SIGBUS — signal.Notify only
// lets the program observe and then terminate. The mprotect window
// this opens is kept as small as possible (every span in a chain is
// marked read-only immediately before Consume, and restored as soon
// as FinalizeMesh's remap lands), and treating an in-bounds fault as
// fatal — rather than pretending to retry — is the honest behavior
// given that constraint; see DESIGN.md.
func (h *Heap) installFaultHandler() {
	h.faultCh = make(chan os.Signal, 1)
	signal.Notify(h.faultCh, syscall.SIGSEGV, syscall.SIGBUS)
	go h.signalLoop()
}

func (h *Heap) signalLoop() {
	for sig := range h.faultCh {
		h.log.Error().
			Stringer("signal", sig).
			Bool("meshing", h.global.epoch.Load()%2 == 1).
			Msg("mesh: fatal fault, possibly racing a mesh commit")
	}
}

// stopFaultHandler tears down the SIGSEGV/SIGBUS notification
// installed by installFaultHandler.
func (h *Heap) stopFaultHandler() {
	if h.faultCh != nil {
		signal.Stop(h.faultCh)
		close(h.faultCh)
	}
}
