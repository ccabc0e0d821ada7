//go:build linux || darwin || freebsd

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapFixed maps length bytes of fd at file offset into the process's
// address space at the exact virtual address addr, replacing whatever
// was mapped there before (MAP_FIXED). unix.Mmap doesn't expose this
// directly — it always lets the kernel choose an address — so this
// drops to the raw syscall, matching how low-level mmap users in the
// corpus (marmos91-dittofs's pkg/wal/mmap.go) reach for MAP_FIXED
// remaps when a library wrapper doesn't cover the case.
func mmapFixed(fd int, fileOffset int64, addr uintptr, length uintptr) error {
	ret, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		uintptr(fileOffset),
	)
	if errno != 0 {
		return fmt.Errorf("mmap(MAP_FIXED) failed: %w", errno)
	}
	if ret != addr {
		return fmt.Errorf("mmap(MAP_FIXED) returned %#x, wanted %#x", ret, addr)
	}
	return nil
}
