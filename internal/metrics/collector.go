// Package metrics exposes an MDL's bookkeeping counters as Prometheus
// gauges, the ambient observability surface spec.md itself stays silent
// on but that a real kernel subsystem would never ship without.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Stats is the minimal snapshot a Collector needs from an MDL; the mdl
// package implements this with its own accounting fields so metrics stays
// free of any import cycle back into mdl.
type Stats interface {
	DescriptorCount() int
	TotalSpace() uint64
	FreeSpace() uint64
}

// Collector adapts a live MDL's Stats into a prometheus.Collector.
type Collector struct {
	stats Stats

	descriptorCount *prometheus.Desc
	totalSpace      *prometheus.Desc
	freeSpace       *prometheus.Desc
}

// New builds a Collector reading from stats on every scrape. It does not
// register itself; callers register it with a prometheus.Registerer.
func New(name string, stats Stats) *Collector {
	labels := prometheus.Labels{"mdl": name}
	return &Collector{
		stats: stats,
		descriptorCount: prometheus.NewDesc(
			"mdl_descriptor_count", "Number of descriptors currently in the MDL.", nil, labels),
		totalSpace: prometheus.NewDesc(
			"mdl_total_space_bytes", "Total address space span covered by the MDL.", nil, labels),
		freeSpace: prometheus.NewDesc(
			"mdl_free_space_bytes", "Address space currently marked free.", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descriptorCount
	ch <- c.totalSpace
	ch <- c.freeSpace
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.descriptorCount, prometheus.GaugeValue, float64(c.stats.DescriptorCount()))
	ch <- prometheus.MustNewConstMetric(c.totalSpace, prometheus.GaugeValue, float64(c.stats.TotalSpace()))
	ch <- prometheus.MustNewConstMetric(c.freeSpace, prometheus.GaugeValue, float64(c.stats.FreeSpace()))
}
