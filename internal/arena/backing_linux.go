//go:build linux

package arena

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// createBackingFile creates the arena's shared backing store via
// memfd_create, falling back to an unlinked tempfile under /dev/shm
// (and then /tmp) if memfd_create is unavailable (old kernels, some
// sandboxes), matching spec.md §3's stated fallback chain.
func createBackingFile(size uintptr) (*os.File, error) {
	fd, err := unix.MemfdCreate("mesh_arena", 0)
	if err == nil {
		f := os.NewFile(uintptr(fd), "mesh_arena")
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("ftruncate memfd: %w", err)
		}
		return f, nil
	}

	for _, dir := range []string{"/dev/shm", os.TempDir()} {
		f, ferr := os.CreateTemp(dir, "mesh_arena_*")
		if ferr != nil {
			continue
		}
		name := f.Name()
		if rerr := os.Remove(name); rerr != nil {
			f.Close()
			continue
		}
		if terr := f.Truncate(int64(size)); terr != nil {
			f.Close()
			continue
		}
		return f, nil
	}
	return nil, fmt.Errorf("mesh_arena: memfd_create failed (%v) and no tempfile fallback succeeded", err)
}
