package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Heap's internal counters as Prometheus metrics
// (SPEC_FULL.md's domain-stack wiring for
// github.com/prometheus/client_golang). Register it once per Heap via
// prometheus.Registry.MustRegister.
type Collector struct {
	h *Heap

	meshPasses     *prometheus.Desc
	scavengePasses *prometheus.Desc
	meshedPages    *prometheus.Desc
	dirtyPages     *prometheus.Desc
	residentBytes  *prometheus.Desc
}

// NewCollector wraps h for Prometheus scraping.
func NewCollector(h *Heap) *Collector {
	return &Collector{
		h: h,
		meshPasses: prometheus.NewDesc(
			"mesh_mesh_passes_total", "Number of completed mesh passes.", nil, nil),
		scavengePasses: prometheus.NewDesc(
			"mesh_scavenge_passes_total", "Number of completed scavenge passes.", nil, nil),
		meshedPages: prometheus.NewDesc(
			"mesh_meshed_pages", "Number of arena pages currently reclaimed via meshing.", nil, nil),
		dirtyPages: prometheus.NewDesc(
			"mesh_dirty_pages", "Number of arena pages on the dirty free list awaiting scavenge.", nil, nil),
		residentBytes: prometheus.NewDesc(
			"mesh_resident_bytes", "Process resident set size, from /proc/self/smaps_rollup.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.meshPasses
	ch <- c.scavengePasses
	ch <- c.meshedPages
	ch <- c.dirtyPages
	ch <- c.residentBytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	g := c.h.global
	ch <- prometheus.MustNewConstMetric(c.meshPasses, prometheus.CounterValue, float64(g.meshPassCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.scavengePasses, prometheus.CounterValue, float64(g.scavengeCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.meshedPages, prometheus.GaugeValue, float64(c.h.arena.MeshedPageCount()))
	ch <- prometheus.MustNewConstMetric(c.dirtyPages, prometheus.GaugeValue, float64(c.h.arena.DirtyPageCount()))

	if bytes, err := residentSetBytes(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.residentBytes, prometheus.GaugeValue, float64(bytes))
	}
}
