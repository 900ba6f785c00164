package client

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/rocketbitz/verbs-go/verbs"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelProvider: "sim",
		labelDevice:   "sim0",
	}
	metrics.BatchPosted(queueSend, 3, base)
	metrics.BatchPosted(queueRecv, 2, base)
	metrics.PostFailed(queueSend, "ENOMEM", base)
	metrics.WorkCompleted(verbs.WorkCompletion{Opcode: verbs.WCRecv, ByteLen: 100}, base)
	metrics.WorkCompleted(verbs.WorkCompletion{Opcode: verbs.WCSend, Status: verbs.WCRNRRetryExcErr, ByteLen: 7}, base)
	metrics.PollFailed(verbs.ErrQueueClosed, base)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"verbs_client_batches_posted_total":       2,
		"verbs_client_work_requests_posted_total": 5,
		"verbs_client_post_failures_total":        1,
		"verbs_client_completions_total":          2,
		"verbs_client_completed_bytes_total":      100,
		"verbs_client_poll_failures_total":        1,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if got := findLabeledValue(mfs, "verbs_client_post_failures_total", labelErrno, "ENOMEM"); got != 1 {
		t.Fatalf("post failure not labelled by errno: %v", got)
	}
	if got := findLabeledValue(mfs, "verbs_client_completions_total", labelStatus, "RNR retry counter exceeded"); got != 1 {
		t.Fatalf("completion not labelled by status: %v", got)
	}
	if got := findLabeledValue(mfs, "verbs_client_work_requests_posted_total", labelQueue, queueRecv); got != 2 {
		t.Fatalf("recv work requests = %v, want 2", got)
	}
}

func TestPrometheusMetricsObservePool(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	pool := verbs.NewBufferPool()
	defer pool.Close()
	buf, err := pool.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer pool.Free(buf)

	stop := metrics.ObservePool(bufferPoolStats{pool: pool}, map[string]string{labelProvider: "sim", labelQPN: "256"})
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findLabeledValue(mfs, "test_verbs_pool_allocations_total", labelQPN, "256"); got != 1 {
		t.Fatalf("pool allocations = %v, want 1", got)
	}
	if got := findGaugeValue(mfs, "test_verbs_pool_bytes_outstanding"); got != 128 {
		t.Fatalf("bytes outstanding = %v, want 128", got)
	}

	stop()
	mfs, err = reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "test_verbs_pool_allocations_total"); got != 0 {
		t.Fatalf("pool still exported after stop: %v", got)
	}

	// A second hook on the same registry shares the series.
	if _, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg, Namespace: "test"}); err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func findLabeledValue(mfs []*dto.MetricFamily, name, label, value string) float64 {
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
				}
			}
		}
	}
	return sum
}
