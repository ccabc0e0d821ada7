//go:build linux

package arena

import (
	"os"
	"strconv"
	"strings"
)

// DefaultMaxMeshCount reads /proc/sys/vm/max_map_count once and
// returns 0.457 * that value, matching spec.md §4.3's Linux-specific
// mesh budget formula. Falls back to 30000 (kDefaultMaxMeshCount) if
// the file can't be read or parsed — grounded on the corpus's
// /proc-file parsing idiom (lesovsky-pgscv, vimeo-procstats), which
// likewise treats a missing/malformed /proc entry as "use the
// default" rather than a fatal error.
func DefaultMaxMeshCount() int {
	const fallback = 30000
	b, err := os.ReadFile("/proc/sys/vm/max_map_count")
	if err != nil {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || v <= 0 {
		return fallback
	}
	return int(0.457 * float64(v))
}
