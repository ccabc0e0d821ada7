//go:build !linux

package arena

// DefaultMaxMeshCount returns kDefaultMaxMeshCount on platforms with
// no /proc/sys/vm/max_map_count analogue (spec.md §4.3's budget
// formula is Linux-specific; macOS/FreeBSD use the flat default).
func DefaultMaxMeshCount() int {
	return 30000
}
