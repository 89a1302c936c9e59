// Package prometheus bridges the Core's in-process counters into a
// prometheus.Collector so services can expose them on their existing
// /metrics registry.
package prometheus

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trustkit/trustkit"
)

// Source is the part of trustkit.Core the collector reads.
type Source interface {
	MetricsSnapshot() trustkit.MetricsSnapshot
	Health(ctx context.Context) trustkit.HealthStatus
}

// Collector exposes the Core counters, the validate-latency histogram, and
// the health gauges. Register it once per Core.
type Collector struct {
	source Source

	counterDesc  *prometheus.Desc
	latencyDesc  *prometheus.Desc
	revokedDesc  *prometheus.Desc
	cacheUpDesc  *prometheus.Desc
	healthBudget time.Duration
}

// NewCollector wraps a Core (or any Source). Health is probed once per
// scrape with a short budget so a dead cache cannot stall the registry.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		counterDesc: prometheus.NewDesc(
			"trustkit_events_total",
			"Core event counters by metric name",
			[]string{"metric"}, nil,
		),
		latencyDesc: prometheus.NewDesc(
			"trustkit_validate_latency_bucket_total",
			"Session validation latency samples by upper bound in milliseconds",
			[]string{"le_ms"}, nil,
		),
		revokedDesc: prometheus.NewDesc(
			"trustkit_revoked_sessions",
			"Approximate live revocation-cache entries",
			nil, nil,
		),
		cacheUpDesc: prometheus.NewDesc(
			"trustkit_cache_reachable",
			"Whether the revocation cache answered the last health probe",
			nil, nil,
		),
		healthBudget: 2 * time.Second,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.counterDesc
	ch <- c.latencyDesc
	ch <- c.revokedDesc
	ch <- c.cacheUpDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.source.MetricsSnapshot()

	for id, value := range snapshot.Counters {
		if id == trustkit.MetricValidateLatency {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			c.counterDesc, prometheus.CounterValue, float64(value), id.Name())
	}

	if buckets, ok := snapshot.Histograms[trustkit.MetricValidateLatency]; ok {
		for i, count := range buckets {
			label := "inf"
			if bound := trustkit.ValidateLatencyBuckets[i]; bound > 0 {
				label = strconv.FormatInt(bound, 10)
			}
			ch <- prometheus.MustNewConstMetric(
				c.latencyDesc, prometheus.CounterValue, float64(count), label)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.healthBudget)
	defer cancel()
	health := c.source.Health(ctx)

	up := 0.0
	if health.CacheReachable {
		up = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.cacheUpDesc, prometheus.GaugeValue, up)
	ch <- prometheus.MustNewConstMetric(c.revokedDesc, prometheus.GaugeValue, float64(health.RevokedCount))
}

var _ prometheus.Collector = (*Collector)(nil)
