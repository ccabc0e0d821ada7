//go:build freebsd

package arena

import "golang.org/x/sys/unix"

// punchHole frees the physical pages backing [offset, offset+length)
// of fd via FreeBSD's fspacectl(SPACECTL_DEALLOC) (spec.md §4.3).
func punchHole(fd int, offset, length int64) error {
	rqsr := unix.SpacectlRange{R0: offset, R1: offset + length}
	_, err := unix.FspacectlAll(fd, unix.SPACECTL_DEALLOC, &rqsr, 0)
	return err
}
