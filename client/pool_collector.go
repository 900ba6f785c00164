package client

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rocketbitz/verbs-go/verbs"
)

// PoolStatser is satisfied by *verbs.BufferPool and *Client.
type PoolStatser interface {
	PoolStats() verbs.PoolStats
}

type bufferPoolStats struct {
	pool *verbs.BufferPool
}

func (b bufferPoolStats) PoolStats() verbs.PoolStats { return b.pool.Stats() }

// poolDescs describes the buffer pool series shared by PoolCollector and
// PrometheusMetrics.
type poolDescs struct {
	allocations *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	frees       *prometheus.Desc
	releases    *prometheus.Desc
	outstanding *prometheus.Desc
}

func newPoolDescs(namespace string, variableLabels []string, constLabels prometheus.Labels) poolDescs {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "verbs_pool", name), help, variableLabels, constLabels)
	}
	return poolDescs{
		allocations: desc("allocations_total", "Number of buffers handed out by the pool"),
		hits:        desc("hits_total", "Allocations served from a free slot"),
		misses:      desc("misses_total", "Allocations that required fresh native memory"),
		frees:       desc("frees_total", "Buffers returned to the pool"),
		releases:    desc("releases_total", "Native blocks released back to the allocator"),
		outstanding: desc("bytes_outstanding", "Bytes currently handed out to callers"),
	}
}

func (d poolDescs) describe(ch chan<- *prometheus.Desc) {
	ch <- d.allocations
	ch <- d.hits
	ch <- d.misses
	ch <- d.frees
	ch <- d.releases
	ch <- d.outstanding
}

func (d poolDescs) collect(ch chan<- prometheus.Metric, stats verbs.PoolStats, labelValues ...string) {
	ch <- prometheus.MustNewConstMetric(d.allocations, prometheus.CounterValue, float64(stats.Allocations), labelValues...)
	ch <- prometheus.MustNewConstMetric(d.hits, prometheus.CounterValue, float64(stats.Hits), labelValues...)
	ch <- prometheus.MustNewConstMetric(d.misses, prometheus.CounterValue, float64(stats.Misses), labelValues...)
	ch <- prometheus.MustNewConstMetric(d.frees, prometheus.CounterValue, float64(stats.Frees), labelValues...)
	ch <- prometheus.MustNewConstMetric(d.releases, prometheus.CounterValue, float64(stats.Releases), labelValues...)
	ch <- prometheus.MustNewConstMetric(d.outstanding, prometheus.GaugeValue, float64(stats.BytesOutstanding), labelValues...)
}

// PoolCollector exports the counters of a single buffer pool. Clients
// dialed with PrometheusMetrics export theirs through the metric hook
// instead.
type PoolCollector struct {
	source PoolStatser
	descs  poolDescs
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector returns a collector reading pool statistics from source.
func NewPoolCollector(source PoolStatser, namespace string, constLabels prometheus.Labels) *PoolCollector {
	return &PoolCollector{source: source, descs: newPoolDescs(namespace, nil, constLabels)}
}

// NewBufferPoolCollector is NewPoolCollector over a bare buffer pool.
func NewBufferPoolCollector(pool *verbs.BufferPool, namespace string, constLabels prometheus.Labels) *PoolCollector {
	return NewPoolCollector(bufferPoolStats{pool: pool}, namespace, constLabels)
}

func (p *PoolCollector) Describe(ch chan<- *prometheus.Desc) { p.descs.describe(ch) }

func (p *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	p.descs.collect(ch, p.source.PoolStats())
}
