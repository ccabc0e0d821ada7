//go:build !linux

package arena

import (
	"fmt"
	"os"
)

// createBackingFile falls back directly to an unlinked tempfile on
// platforms without memfd_create (e.g. macOS), per spec.md §3.
func createBackingFile(size uintptr) (*os.File, error) {
	for _, dir := range []string{"/tmp", os.TempDir()} {
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
	return nil, fmt.Errorf("mesh_arena: no tempfile fallback succeeded")
}
