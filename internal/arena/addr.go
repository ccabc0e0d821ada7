package arena

import (
	"sync/atomic"
	"unsafe"
)

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func bytesAt(addr uintptr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}

// unsafeUint32Atomics reinterprets a freshly-mmap'd, page-aligned byte
// slice as n atomic.Uint32 cells. atomic.Uint32's only field is a
// plain uint32 (its noCopy marker is zero-sized), so the memory
// layout matches exactly; page alignment trivially satisfies the
// 4-byte alignment atomic.Uint32 requires.
func unsafeUint32Atomics(b []byte, n int) []atomic.Uint32 {
	return unsafe.Slice((*atomic.Uint32)(unsafe.Pointer(&b[0])), n)
}
