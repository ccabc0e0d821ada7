// Package mesh implements a meshing memory allocator: beyond ordinary
// allocate/free service, it transparently reclaims physical memory
// from fragmented heaps by coalescing two virtual pages whose live
// objects occupy disjoint slots onto one physical page frame, then
// remapping one of the two virtual pages to alias the other.
//
// The package exposes the core allocator as an embeddable Go library
// rather than a libc malloc replacement: New creates a Heap, whose
// Malloc/Free/UsableSize/Mallctl methods are the equivalent of the
// C ABI's xxmalloc/xxfree/xxmalloc_usable_size/mesh_mallctl entry
// points. See internal/arena, internal/miniheap, internal/tracker,
// internal/shufflevector and internal/meshing for the components this
// package assembles.
package mesh
