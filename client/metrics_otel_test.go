package client

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rocketbitz/verbs-go/verbs"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{
		labelProvider: "sim",
		labelDevice:   "sim0",
	}
	metrics.BatchPosted(queueSend, 4, base)
	metrics.PostFailed(queueRecv, "EINVAL", base)
	metrics.WorkCompleted(verbs.WorkCompletion{Opcode: verbs.WCRDMARead, ByteLen: 64}, base)
	metrics.WorkCompleted(verbs.WorkCompletion{Opcode: verbs.WCRecv, Status: verbs.WCWRFlushErr}, base)
	metrics.PollFailed(verbs.ErrQueueClosed, base)

	pool := verbs.NewBufferPool()
	defer pool.Close()
	buf, err := pool.Allocate(200)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer pool.Free(buf)
	stop := metrics.ObservePool(bufferPoolStats{pool: pool}, map[string]string{labelProvider: "sim", labelQPN: "257"})
	defer stop()

	ctx := context.Background()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"verbs.client.batches.posted":       1,
		"verbs.client.work_requests.posted": 4,
		"verbs.client.post.failures":        1,
		"verbs.client.completions":          2,
		"verbs.client.completed.bytes":      64,
		"verbs.client.poll.failures":        1,
		"verbs.pool.allocations":            1,
		"verbs.pool.misses":                 1,
		"verbs.pool.bytes_outstanding":      256,
	}
	for name, want := range cases {
		if got := otelValue(rm, name); got != want {
			t.Fatalf("unexpected value for %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			var sum float64
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
			}
			return sum
		}
	}
	return 0
}
