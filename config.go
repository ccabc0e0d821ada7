package mesh

import (
	"time"

	"github.com/plasma-umass/mesh/internal/arena"
	"github.com/plasma-umass/mesh/internal/sizeclass"
)

// Config holds every tunable named in spec.md §6. The zero Config is
// not valid; use NewConfig, which applies defaults and then Options.
type Config struct {
	// ArenaSize is kArenaSize: the total virtual reservation in bytes.
	ArenaSize uintptr

	// MaxMeshCount is kDefaultMaxMeshCount: the mesh-budget ceiling
	// (pages reclaimed via meshing without an intervening scavenge).
	MaxMeshCount int

	// OccupancyCutoff is kOccupancyCutoff: mini-heaps at or above this
	// fullness are not meshing candidates.
	OccupancyCutoff float64

	// MeshPeriod is kMeshPeriodMs, expressed as a time.Duration: the
	// minimum wall-clock interval between mesh passes.
	MeshPeriod time.Duration

	// RefillGoalBytes is kMiniheapRefillGoalSize: how many bytes' worth
	// of capacity a global refill tries to gather per call.
	RefillGoalBytes uintptr

	// MaxShuffleVectorLength is kMaxShuffleVectorLength.
	MaxShuffleVectorLength int

	// MaxMiniheapsPerShuffleVector is kMaxMiniheapsPerShuffleVector.
	MaxMiniheapsPerShuffleVector int

	// MaxMeshes is kMaxMeshes: the mesh-chain length cap.
	MaxMeshes int

	// DisableMeshing degrades the allocator to a conventional
	// segregated-fit allocator, per spec.md §1's "meshing is optional".
	DisableMeshing bool
}

// Option configures a Config at construction time.
type Option func(*Config)

// WithArenaSize overrides the default arena reservation.
func WithArenaSize(n uintptr) Option { return func(c *Config) { c.ArenaSize = n } }

// WithMaxMeshCount overrides the mesh-budget ceiling.
func WithMaxMeshCount(n int) Option { return func(c *Config) { c.MaxMeshCount = n } }

// WithOccupancyCutoff overrides kOccupancyCutoff.
func WithOccupancyCutoff(f float64) Option { return func(c *Config) { c.OccupancyCutoff = f } }

// WithMeshPeriod overrides kMeshPeriodMs.
func WithMeshPeriod(d time.Duration) Option { return func(c *Config) { c.MeshPeriod = d } }

// WithRefillGoalBytes overrides kMiniheapRefillGoalSize.
func WithRefillGoalBytes(n uintptr) Option { return func(c *Config) { c.RefillGoalBytes = n } }

// WithoutMeshing disables meshing entirely (spec.md §1 Non-goals).
func WithoutMeshing() Option { return func(c *Config) { c.DisableMeshing = true } }

// defaultConfig matches spec.md §6's tunable table exactly.
func defaultConfig() Config {
	return Config{
		ArenaSize:                    arena.DefaultArenaSize,
		MaxMeshCount:                 0, // resolved by internal/arena.DefaultMaxMeshCount at New
		OccupancyCutoff:              0.8,
		MeshPeriod:                   100 * time.Millisecond,
		RefillGoalBytes:              4096,
		MaxShuffleVectorLength:       256,
		MaxMiniheapsPerShuffleVector: 24,
		MaxMeshes:                    256,
	}
}

// NewConfig builds a Config from defaults plus opts, validating the
// result.
func NewConfig(opts ...Option) (Config, error) {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if c.ArenaSize%arena.PageSize != 0 {
		return Config{}, errInvalidConfig("ArenaSize must be a multiple of the page size")
	}
	if c.OccupancyCutoff <= 0 || c.OccupancyCutoff > 1 {
		return Config{}, errInvalidConfig("OccupancyCutoff must be in (0, 1]")
	}
	if c.MaxShuffleVectorLength <= 0 || c.MaxShuffleVectorLength > 1<<16 {
		return Config{}, errInvalidConfig("MaxShuffleVectorLength out of range")
	}
	if c.RefillGoalBytes == 0 {
		c.RefillGoalBytes = uintptr(sizeclass.MinObjectSize)
	}
	return c, nil
}
