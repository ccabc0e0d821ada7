//go:build darwin

package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fpunchholeT mirrors Darwin's struct fpunchhole from
// <sys/fcntl.h>, used with fcntl(F_PUNCHHOLE). golang.org/x/sys/unix
// does not wrap this call, so the layout is reproduced here directly —
// the same approach the corpus's macOS mmap code (zaf-yammap) takes
// for syscalls x/sys leaves unwrapped.
type fpunchholeT struct {
	Flags  uint32
	Reserved uint32
	Offset int64
	Length int64
}

const fPunchhole = 99 // F_PUNCHHOLE

// punchHole frees the physical pages backing [offset, offset+length)
// of fd via fcntl(F_PUNCHHOLE), Darwin's hole-punch primitive
// (spec.md §4.3).
func punchHole(fd int, offset, length int64) error {
	arg := fpunchholeT{Offset: offset, Length: length}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), uintptr(fPunchhole), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return fmt.Errorf("fcntl(F_PUNCHHOLE) failed: %w", errno)
	}
	return nil
}
