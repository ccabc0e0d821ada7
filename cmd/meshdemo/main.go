// Command meshdemo drives a Heap through an allocate/free/mesh/scavenge
// cycle against synthetic load, for manual inspection of the
// allocator's Prometheus counters while it runs.
package main

import (
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/plasma-umass/mesh"
)

var (
	arenaSizeMiB = kingpin.Flag("arena-size-mib", "Virtual arena reservation, in MiB.").Default("256").Int()
	duration     = kingpin.Flag("duration", "How long to run the demo load.").Default("10s").Duration()
	liveObjects  = kingpin.Flag("live-objects", "Number of objects kept alive at any time.").Default("20000").Int()
	metricsAddr  = kingpin.Flag("metrics-addr", "If set, serve Prometheus metrics on this address.").String()
	verbose      = kingpin.Flag("verbose", "Enable debug logging.").Bool()
)

func main() {
	kingpin.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	h, err := mesh.New(mesh.WithArenaSize(uintptr(*arenaSizeMiB) << 20))
	if err != nil {
		log.Fatal().Err(err).Msg("mesh: failed to create heap")
	}
	defer h.Close()

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(mesh.NewCollector(h))
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			log.Info().Str("addr", *metricsAddr).Msg("mesh: serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("mesh: metrics server exited")
			}
		}()
	}

	tok := h.NewToken()
	h.Lock(tok)
	defer h.Unlock(tok)

	runLoad(h, tok, *duration, *liveObjects)
}

// runLoad repeatedly allocates and frees objects of varied small sizes
// for dur, churning live of them at a time so fragmentation (and
// thus meshing opportunity) accumulates the way a long-running server
// workload would.
func runLoad(h *mesh.Heap, tok uint64, dur time.Duration, live int) {
	sizes := []uintptr{16, 32, 64, 128, 256, 512, 1024}
	ptrs := make([]uintptr, live)

	for i := range ptrs {
		ptrs[i] = h.Malloc(tok, sizes[rand.Intn(len(sizes))])
	}

	deadline := time.Now().Add(dur)
	iterations := 0
	for time.Now().Before(deadline) {
		i := rand.Intn(live)
		h.Free(tok, ptrs[i])
		ptrs[i] = h.Malloc(tok, sizes[rand.Intn(len(sizes))])
		iterations++

		if iterations%50000 == 0 {
			log.Debug().Int("iterations", iterations).Msg("mesh: load progress")
		}
	}

	log.Info().Int("iterations", iterations).Msg("mesh: load complete, compacting")
	h.Compact()

	for _, p := range ptrs {
		h.Free(tok, p)
	}
}
