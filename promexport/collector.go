// Package promexport bridges the service's in-process counters into a
// Prometheus registry. The service itself stays decoupled from any
// metrics backend; this collector reads its snapshot on scrape.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/veldtlabs/tenauth"
)

// Collector exposes every tenauth counter as a Prometheus counter.
type Collector struct {
	metrics *tenauth.Metrics
	descs   map[tenauth.MetricID]*prometheus.Desc
}

// NewCollector returns a Collector over m. namespace prefixes every
// metric name; empty means no prefix.
func NewCollector(m *tenauth.Metrics, namespace string) *Collector {
	descs := make(map[tenauth.MetricID]*prometheus.Desc)
	for _, id := range tenauth.MetricIDs() {
		descs[id] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "auth", id.String()),
			"tenauth counter "+id.String(),
			nil, nil,
		)
	}
	return &Collector{metrics: m, descs: descs}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descs {
		ch <- desc
	}
}

// Collect implements prometheus.Collector. Counters are read atomically
// one by one; a scrape is not a consistent cut across all of them.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, id := range tenauth.MetricIDs() {
		ch <- prometheus.MustNewConstMetric(
			c.descs[id],
			prometheus.CounterValue,
			float64(c.metrics.Value(id)),
		)
	}
}
