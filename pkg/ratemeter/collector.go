package ratemeter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports every meter of a Registry to Prometheus.
type Collector struct {
	registry *Registry
	window   time.Duration

	bytesTotal *prometheus.Desc
	rate       *prometheus.Desc
	eventRate  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for r. Rates are computed over window.
func NewCollector(namespace string, r *Registry, window time.Duration) *Collector {
	labels := []string{"meter"}
	return &Collector{
		registry: r,
		window:   window,
		bytesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_total"),
			"Total bytes marked on the meter.",
			labels, nil,
		),
		rate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_per_second"),
			"Bytes per second over the trailing window.",
			labels, nil,
		),
		eventRate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_per_second"),
			"Events per second over the trailing window.",
			labels, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesTotal
	ch <- c.rate
	ch <- c.eventRate
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.ForEach(func(key string, m *Meter) {
		s := m.Snapshot(c.window)
		ch <- prometheus.MustNewConstMetric(c.bytesTotal, prometheus.CounterValue, float64(s.Total), key)
		ch <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, s.Rate, key)
		ch <- prometheus.MustNewConstMetric(c.eventRate, prometheus.GaugeValue, s.EventRate, key)
	})
}
