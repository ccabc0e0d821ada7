//go:build linux

package arena

import "golang.org/x/sys/unix"

// punchHole frees the physical pages backing [offset, offset+length)
// of fd without changing the file's length or mapping, via Linux's
// fallocate(FALLOC_FL_PUNCH_HOLE|FALLOC_FL_KEEP_SIZE) (spec.md §4.3).
func punchHole(fd int, offset, length int64) error {
	return unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
}
