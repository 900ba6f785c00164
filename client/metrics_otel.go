package client

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rocketbitz/verbs-go/verbs"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook with OpenTelemetry instruments. Pool
// statistics are reported by asynchronous instruments read at collection
// time.
type OTelMetrics struct {
	meter          metric.Meter
	batchesPosted  metric.Int64Counter
	requestsPosted metric.Int64Counter
	postFailures   metric.Int64Counter
	completions    metric.Int64Counter
	completedBytes metric.Int64Counter
	pollFailures   metric.Int64Counter

	poolAllocations metric.Int64ObservableCounter
	poolHits        metric.Int64ObservableCounter
	poolMisses      metric.Int64ObservableCounter
	poolReleases    metric.Int64ObservableCounter
	poolOutstanding metric.Int64ObservableGauge

	mu    sync.Mutex
	next  uint64
	pools map[uint64]otelPool
}

type otelPool struct {
	source PoolStatser
	attrs  metric.MeasurementOption
}

// NewOTelMetrics constructs a MetricHook on opts.Meter, or on a meter from
// opts.MeterProvider (the global provider by default).
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/verbs-go/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter, pools: make(map[uint64]otelPool)}
	var err error
	if o.batchesPosted, err = meter.Int64Counter("verbs.client.batches.posted",
		metric.WithDescription("Command buffers handed to ibv_post_send or ibv_post_recv")); err != nil {
		return nil, err
	}
	if o.requestsPosted, err = meter.Int64Counter("verbs.client.work_requests.posted",
		metric.WithDescription("Work requests chained in posted command buffers")); err != nil {
		return nil, err
	}
	if o.postFailures, err = meter.Int64Counter("verbs.client.post.failures"); err != nil {
		return nil, err
	}
	if o.completions, err = meter.Int64Counter("verbs.client.completions"); err != nil {
		return nil, err
	}
	if o.completedBytes, err = meter.Int64Counter("verbs.client.completed.bytes", metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if o.pollFailures, err = meter.Int64Counter("verbs.client.poll.failures"); err != nil {
		return nil, err
	}

	if o.poolAllocations, err = meter.Int64ObservableCounter("verbs.pool.allocations"); err != nil {
		return nil, err
	}
	if o.poolHits, err = meter.Int64ObservableCounter("verbs.pool.hits"); err != nil {
		return nil, err
	}
	if o.poolMisses, err = meter.Int64ObservableCounter("verbs.pool.misses"); err != nil {
		return nil, err
	}
	if o.poolReleases, err = meter.Int64ObservableCounter("verbs.pool.releases"); err != nil {
		return nil, err
	}
	if o.poolOutstanding, err = meter.Int64ObservableGauge("verbs.pool.bytes_outstanding", metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if _, err = meter.RegisterCallback(o.observePools,
		o.poolAllocations, o.poolHits, o.poolMisses, o.poolReleases, o.poolOutstanding); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OTelMetrics) BatchPosted(queue string, requests int, attrs map[string]string) {
	opt := metric.WithAttributes(append(otelAttrs(attrs), attribute.String(labelQueue, queue))...)
	o.batchesPosted.Add(context.Background(), 1, opt)
	o.requestsPosted.Add(context.Background(), int64(requests), opt)
}

func (o *OTelMetrics) PostFailed(queue, errno string, attrs map[string]string) {
	o.postFailures.Add(context.Background(), 1, metric.WithAttributes(append(otelAttrs(attrs),
		attribute.String(labelQueue, queue),
		attribute.String(labelErrno, errno),
	)...))
}

func (o *OTelMetrics) WorkCompleted(wc verbs.WorkCompletion, attrs map[string]string) {
	kvs := append(otelAttrs(attrs), attribute.String(labelOpcode, wc.Opcode.String()))
	if wc.Status == verbs.WCSuccess {
		o.completedBytes.Add(context.Background(), int64(wc.ByteLen), metric.WithAttributes(kvs...))
	}
	kvs = append(kvs, attribute.String(labelStatus, wc.Status.String()))
	o.completions.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}

func (o *OTelMetrics) PollFailed(_ error, attrs map[string]string) {
	o.pollFailures.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ObservePool reports source through the pool instruments until the
// returned function is called.
func (o *OTelMetrics) ObservePool(source PoolStatser, attrs map[string]string) func() {
	kvs := otelAttrs(attrs)
	if v := attrs[labelQPN]; v != "" {
		kvs = append(kvs, attribute.String(labelQPN, v))
	}
	o.mu.Lock()
	o.next++
	id := o.next
	o.pools[id] = otelPool{source: source, attrs: metric.WithAttributes(kvs...)}
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.pools, id)
		o.mu.Unlock()
	}
}

func (o *OTelMetrics) observePools(_ context.Context, obs metric.Observer) error {
	o.mu.Lock()
	pools := make([]otelPool, 0, len(o.pools))
	for _, pool := range o.pools {
		pools = append(pools, pool)
	}
	o.mu.Unlock()
	for _, pool := range pools {
		stats := pool.source.PoolStats()
		obs.ObserveInt64(o.poolAllocations, int64(stats.Allocations), pool.attrs)
		obs.ObserveInt64(o.poolHits, int64(stats.Hits), pool.attrs)
		obs.ObserveInt64(o.poolMisses, int64(stats.Misses), pool.attrs)
		obs.ObserveInt64(o.poolReleases, int64(stats.Releases), pool.attrs)
		obs.ObserveInt64(o.poolOutstanding, stats.BytesOutstanding, pool.attrs)
	}
	return nil
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{attribute.String(labelProvider, attrs[labelProvider])}
	if v := attrs[labelDevice]; v != "" {
		kvs = append(kvs, attribute.String(labelDevice, v))
	}
	return kvs
}
