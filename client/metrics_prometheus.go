package client

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rocketbitz/verbs-go/verbs"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook with Prometheus counters and a
// collector over every observed buffer pool.
type PrometheusMetrics struct {
	batchesPosted  *prometheus.CounterVec
	requestsPosted *prometheus.CounterVec
	postFailures   *prometheus.CounterVec
	completions    *prometheus.CounterVec
	completedBytes *prometheus.CounterVec
	pollFailures   *prometheus.CounterVec
	pools          *poolSet
}

var (
	endpointLabelKeys   = []string{labelProvider, labelDevice}
	queueLabelKeys      = []string{labelProvider, labelDevice, labelQueue}
	postFailLabelKeys   = []string{labelProvider, labelDevice, labelQueue, labelErrno}
	completionLabelKeys = []string{labelProvider, labelDevice, labelOpcode, labelStatus}
	bytesLabelKeys      = []string{labelProvider, labelDevice, labelOpcode}
	poolLabelKeys       = []string{labelProvider, labelDevice, labelQPN}
)

// NewPrometheusMetrics registers the client series with opts.Registerer,
// defaulting to prometheus.DefaultRegisterer. Registering twice against the
// same registerer reuses the existing series.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{}
	vecs := []struct {
		dst **prometheus.CounterVec
		vec *prometheus.CounterVec
	}{
		{&p.batchesPosted, counter("verbs_client_batches_posted_total", "Command buffers handed to ibv_post_send or ibv_post_recv", queueLabelKeys)},
		{&p.requestsPosted, counter("verbs_client_work_requests_posted_total", "Work requests chained in posted command buffers", queueLabelKeys)},
		{&p.postFailures, counter("verbs_client_post_failures_total", "Posts rejected by the provider or by a closed queue pair", postFailLabelKeys)},
		{&p.completions, counter("verbs_client_completions_total", "Work completions polled from the completion queue", completionLabelKeys)},
		{&p.completedBytes, counter("verbs_client_completed_bytes_total", "Bytes reported by successful work completions", bytesLabelKeys)},
		{&p.pollFailures, counter("verbs_client_poll_failures_total", "Completion queue poll errors", endpointLabelKeys)},
	}
	for _, v := range vecs {
		registered, err := registerCounterVec(reg, v.vec)
		if err != nil {
			return nil, err
		}
		*v.dst = registered
	}

	pools := &poolSet{
		descs:   newPoolDescs(opts.Namespace, poolLabelKeys, opts.ConstLabels),
		sources: make(map[uint64]observedPool),
	}
	if err := reg.Register(pools); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*poolSet)
		if !ok {
			return nil, err
		}
		pools = existing
	}
	p.pools = pools
	return p, nil
}

func (p *PrometheusMetrics) BatchPosted(queue string, requests int, attrs map[string]string) {
	labs := labels(attrs, endpointLabelKeys...)
	labs[labelQueue] = queue
	p.batchesPosted.With(labs).Inc()
	p.requestsPosted.With(labs).Add(float64(requests))
}

func (p *PrometheusMetrics) PostFailed(queue, errno string, attrs map[string]string) {
	labs := labels(attrs, endpointLabelKeys...)
	labs[labelQueue] = queue
	labs[labelErrno] = errno
	p.postFailures.With(labs).Inc()
}

func (p *PrometheusMetrics) WorkCompleted(wc verbs.WorkCompletion, attrs map[string]string) {
	labs := labels(attrs, endpointLabelKeys...)
	labs[labelOpcode] = wc.Opcode.String()
	if wc.Status == verbs.WCSuccess {
		p.completedBytes.With(labs).Add(float64(wc.ByteLen))
	}
	labs[labelStatus] = wc.Status.String()
	p.completions.With(labs).Inc()
}

func (p *PrometheusMetrics) PollFailed(_ error, attrs map[string]string) {
	p.pollFailures.With(labels(attrs, endpointLabelKeys...)).Inc()
}

// ObservePool adds source to the pool series, labelled by the endpoint it
// belongs to.
func (p *PrometheusMetrics) ObservePool(source PoolStatser, attrs map[string]string) func() {
	values := make([]string, len(poolLabelKeys))
	for i, key := range poolLabelKeys {
		values[i] = attrs[key]
	}
	return p.pools.add(source, values)
}

// poolSet collects every pool observed through a PrometheusMetrics.
type poolSet struct {
	descs   poolDescs
	mu      sync.Mutex
	next    uint64
	sources map[uint64]observedPool
}

type observedPool struct {
	source PoolStatser
	values []string
}

func (s *poolSet) add(source PoolStatser, values []string) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.sources[id] = observedPool{source: source, values: values}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.sources, id)
		s.mu.Unlock()
	}
}

func (s *poolSet) Describe(ch chan<- *prometheus.Desc) { s.descs.describe(ch) }

func (s *poolSet) Collect(ch chan<- prometheus.Metric) {
	s.mu.Lock()
	pools := make([]observedPool, 0, len(s.sources))
	for _, pool := range s.sources {
		pools = append(pools, pool)
	}
	s.mu.Unlock()
	for _, pool := range pools {
		s.descs.collect(ch, pool.source.PoolStats(), pool.values...)
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys)+2)
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
