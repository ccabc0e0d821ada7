package miniheap

import "sync"

// chunkRecords is the number of MiniHeap records per backing chunk.
// Chunks are never reallocated, so a *MiniHeap obtained from Get stays
// valid for the Store's lifetime. Records are grown as a typed Go
// slice rather than a raw byte pool so MiniHeap's bitmap and atomic
// fields are never reinterpreted through a byte slice.
const chunkRecords = 4096

// Store is a dense, chunked pool of MiniHeap records indexed by ID,
// matching spec.md §9's "prefer arena+index over raw pointers"
// guidance: ids are stable across the Store's lifetime and meaningful
// after a fork-time address-space rebuild in a way a raw *MiniHeap
// wouldn't be.
type Store struct {
	mu sync.Mutex

	chunks   [][]MiniHeap
	freelist []ID
	nextID   uint32
}

// NewStore creates an empty Store. ID 0 is reserved as the null
// sentinel and is never handed out by Alloc.
func NewStore() *Store {
	return &Store{nextID: 1}
}

// Alloc reserves a MiniHeap record and returns its id. The record is
// NOT initialized; callers must call Get(id).Init(...) before use.
func (s *Store) Alloc() ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.freelist); n > 0 {
		id := s.freelist[n-1]
		s.freelist = s.freelist[:n-1]
		return id
	}

	idx := int((s.nextID - 1) / chunkRecords)
	if idx >= len(s.chunks) {
		s.chunks = append(s.chunks, make([]MiniHeap, chunkRecords))
	}
	id := ID(s.nextID)
	s.nextID++
	return id
}

// Free returns id to the pool for reuse. Callers must not touch the
// record again until a later Alloc hands the same id back out.
func (s *Store) Free(id ID) {
	s.mu.Lock()
	s.freelist = append(s.freelist, id)
	s.mu.Unlock()
}

// Get resolves id to its backing record. Safe to call without holding
// any lock once the id is known to have been allocated: chunks are
// append-only and never moved.
func (s *Store) Get(id ID) *MiniHeap {
	if id == 0 {
		panic("miniheap: Get(0) — 0 is the null sentinel id")
	}
	idx := uint32(id) - 1
	chunkIdx := idx / chunkRecords
	offset := idx % chunkRecords

	s.mu.Lock()
	chunk := s.chunks[chunkIdx]
	s.mu.Unlock()

	return &chunk[offset]
}
