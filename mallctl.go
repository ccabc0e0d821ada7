package mesh

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Mallctl implements spec.md §6's small control-plane surface —
// mesh_mallctl's equivalent — as a typed Go method instead of C's
// untyped void* in/out buffers. name selects the property; newValue,
// if non-empty, sets it (where settable) before the current value (or
// the result of the action, for write-only actions like
// "mesh.compact") is returned.
//
// Recognized names:
//
//	mesh.scavenge        action: force an immediate scavenge pass
//	mesh.compact         action: force a synchronous full mesh + scavenge
//	mesh.check_period_ms get/set the background mesh period, in milliseconds
//	stats.resident       get: process resident set size, in bytes
//	stats.active         get: reserved, always 0
//	stats.allocated      get: reserved, always 0
func (h *Heap) Mallctl(name string, newValue string) (string, error) {
	switch name {
	case "mesh.scavenge":
		if err := h.Scavenge(true); err != nil {
			return "", fmt.Errorf("mesh: mallctl %s: %w", name, err)
		}
		return "ok", nil

	case "mesh.compact":
		h.Compact()
		return "ok", nil

	case "mesh.check_period_ms":
		if newValue != "" {
			ms, err := strconv.Atoi(newValue)
			if err != nil || ms < 0 {
				return "", fmt.Errorf("mesh: mallctl %s: invalid value %q", name, newValue)
			}
			h.global.setMeshPeriodMs(ms)
		}
		return strconv.Itoa(h.global.meshPeriodMs()), nil

	case "stats.resident":
		bytes, err := residentSetBytes()
		if err != nil {
			return "", fmt.Errorf("mesh: mallctl %s: %w", name, err)
		}
		return strconv.FormatUint(bytes, 10), nil

	case "stats.active", "stats.allocated":
		return "0", nil

	default:
		return "", fmt.Errorf("mesh: mallctl: unrecognized name %q", name)
	}
}

// residentSetBytes reads /proc/self/smaps_rollup's Pss line, the
// lightest-weight accurate resident-memory signal the kernel exposes
// without iterating every VMA (as /proc/self/smaps would).
func residentSetBytes() (uint64, error) {
	data, err := os.ReadFile("/proc/self/smaps_rollup")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Pss:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("mesh: Pss not found in /proc/self/smaps_rollup")
}
