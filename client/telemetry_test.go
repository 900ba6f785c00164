package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/verbs-go/verbs"
)

func TestClientStructuredLoggingAndTracing(t *testing.T) {
	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	tracer := &otelTracerAdapter{tracer: tp.Tracer("client-structured-test")}

	metrics := newMetricRecorder()
	sender, receiver, err := DialPair(Config{
		Timeout:          2 * time.Second,
		Logger:           logger,
		StructuredLogger: logger,
		Tracer:           tracer,
		Metrics:          metrics,
	})
	if err != nil {
		t.Fatalf("DialPair: %v", err)
	}
	defer func() {
		_ = sender.Close()
		_ = receiver.Close()
	}()

	payload := []byte("structured-logging")
	recvBuf := make([]byte, len(payload))

	recvFuture, err := receiver.ReceiveAsync(recvBuf)
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}
	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	n, err := recvFuture.Await(context.Background())
	if err != nil {
		t.Fatalf("Receive await failed: %v", err)
	}
	if n != len(payload) || string(recvBuf[:n]) != string(payload) {
		t.Fatalf("unexpected payload: %q", string(recvBuf[:n]))
	}

	if err := sender.Close(); err != nil {
		t.Fatalf("sender close failed: %v", err)
	}
	if err := receiver.Close(); err != nil {
		t.Fatalf("receiver close failed: %v", err)
	}

	for _, event := range []string{"start", "completion", "stop"} {
		if !waitForLogEvent(observedLogs, event, time.Second) {
			t.Fatalf("missing dispatcher %s log", event)
		}
		if !spanHasEvent(recorder, event) {
			t.Fatalf("missing dispatcher %s span event", event)
		}
	}

	_ = logger.Sync()

	snapshot := metrics.Snapshot()
	if snapshot.Batches[queueSend] != 1 || snapshot.Batches[queueRecv] != 1 {
		t.Fatalf("unexpected batch metrics: %+v", snapshot.Batches)
	}
	if len(snapshot.PostFailures) != 0 || snapshot.PollFailures != 0 {
		t.Fatalf("unexpected failure metrics: %+v", snapshot)
	}
	if len(snapshot.Completions) != 2 {
		t.Fatalf("expected two work completions, got %+v", snapshot.Completions)
	}
	for _, wc := range snapshot.Completions {
		if wc.Status != verbs.WCSuccess {
			t.Fatalf("unexpected completion status %s", wc.Status)
		}
	}
	if snapshot.PoolsObserved != 2 || snapshot.PoolsActive != 0 {
		t.Fatalf("pools observed=%d active=%d, want 2 and 0 after close", snapshot.PoolsObserved, snapshot.PoolsActive)
	}
}

func TestClientPlainLoggerFallback(t *testing.T) {
	logger := &lineLogger{}
	cli := newLoopbackClient(t, Config{Logger: logger})

	if _, err := cli.ReceiveAsync(make([]byte, 8)); err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := cli.Send(context.Background(), []byte("plain")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !logger.contains("client dispatcher start") || !logger.contains("client dispatcher stop status=ok") {
		t.Fatalf("missing dispatcher lines: %v", logger.snapshot())
	}
}

func TestClientDispatcherLogsPollError(t *testing.T) {
	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	tracer := &otelTracerAdapter{tracer: tp.Tracer("client-cq-error-test")}

	metrics := newMetricRecorder()
	cli, err := Dial(Config{
		Timeout:          2 * time.Second,
		Loopback:         true,
		StructuredLogger: logger,
		Tracer:           tracer,
		Metrics:          metrics,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = cli.Close() }()

	pending, err := cli.ReceiveAsync(make([]byte, 8))
	if err != nil {
		t.Fatalf("ReceiveAsync: %v", err)
	}
	if err := cli.ep.Close(); err != nil {
		t.Fatalf("close endpoint: %v", err)
	}

	// The flushed receive is delivered before the closed queue is reported.
	var opErr OperationError
	if _, err := pending.Await(context.Background()); !errors.As(err, &opErr) || opErr.Status != verbs.WCWRFlushErr {
		t.Fatalf("expected flush error, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var dispatchErr error
	for time.Now().Before(deadline) {
		dispatchErr = cli.dispatchFailure()
		if dispatchErr != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !errors.Is(dispatchErr, verbs.ErrQueueClosed) {
		t.Fatalf("expected dispatcher failure after endpoint close, got %v", dispatchErr)
	}
	if _, err := cli.ReceiveAsync(make([]byte, 8)); err == nil {
		t.Fatal("ReceiveAsync succeeded after dispatcher failure")
	}

	if err := cli.Close(); err != nil {
		t.Fatalf("client close failed: %v", err)
	}

	if !waitForLogEvent(observedLogs, "cq_poll_error", time.Second) {
		t.Fatal("missing dispatcher poll error log entry")
	}
	if !spanHasEvent(recorder, "cq_poll_error") {
		t.Fatal("missing dispatcher poll error span event")
	}

	snapshot := metrics.Snapshot()
	if snapshot.PollFailures != 1 {
		t.Fatalf("poll failures = %d, want 1", snapshot.PollFailures)
	}
	if len(snapshot.Completions) != 1 || snapshot.Completions[0].Status != verbs.WCWRFlushErr {
		t.Fatalf("expected one flushed completion, got %+v", snapshot.Completions)
	}
	if snapshot.Batches[queueRecv] != 1 || snapshot.Batches[queueSend] != 0 {
		t.Fatalf("unexpected batch metrics: %+v", snapshot.Batches)
	}
}

func TestClientMetricsPostFailureErrno(t *testing.T) {
	metrics := newMetricRecorder()
	cli := newLoopbackClient(t, Config{Metrics: metrics})

	src, err := cli.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer cli.Free(src)
	mr, err := cli.RegisterMemory(src, verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}

	call, err := cli.PostRecv([]verbs.RecvWR{{ID: 1, SGList: []verbs.SGE{mr.SGE(0, 32)}}, {ID: 2}})
	if err != nil {
		t.Fatalf("PostRecv: %v", err)
	}
	cli.Release(call)

	if err := cli.ep.Close(); err != nil {
		t.Fatalf("close endpoint: %v", err)
	}
	if _, err := cli.PostRecv([]verbs.RecvWR{{ID: 3}}); !errors.Is(err, verbs.ErrQueueClosed) {
		t.Fatalf("PostRecv on closed queue: got %v", err)
	}

	snapshot := metrics.Snapshot()
	if snapshot.Batches[queueRecv] != 1 || snapshot.Requests[queueRecv] != 2 {
		t.Fatalf("unexpected recv batch metrics: batches=%+v requests=%+v", snapshot.Batches, snapshot.Requests)
	}
	if len(snapshot.PostFailures) != 1 || snapshot.PostFailures[0] != "recv/invalid_state" {
		t.Fatalf("unexpected post failures %+v", snapshot.PostFailures)
	}
	if got := errnoLabel(&verbs.NativeError{Op: "ibv_post_send", Code: 12}); got != "ENOMEM" {
		t.Fatalf("errno label = %q, want ENOMEM", got)
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		for _, entry := range logs.All() {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != dispatcherSpanName {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Debugf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *lineLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *lineLogger) contains(prefix string) bool {
	for _, line := range l.snapshot() {
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

type otelTracerAdapter struct {
	tracer trace.Tracer
}

func (o *otelTracerAdapter) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(toAttributes(attrs)...))
	return &otelSpanAdapter{span: span}
}

type otelSpanAdapter struct {
	span trace.Span
}

func (s *otelSpanAdapter) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpanAdapter) AddEvent(name string, attrs ...TraceAttribute) {
	if s == nil || s.span == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

func (s *otelSpanAdapter) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttributes(attrs []TraceAttribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, toAttribute(attr))
	}
	return out
}

func toAttribute(attr TraceAttribute) attribute.KeyValue {
	if attr.Key == "" {
		return attribute.String("undefined", fmt.Sprint(attr.Value))
	}
	switch v := attr.Value.(type) {
	case nil:
		return attribute.String(attr.Key, "")
	case string:
		return attribute.String(attr.Key, v)
	case fmt.Stringer:
		return attribute.String(attr.Key, v.String())
	case bool:
		return attribute.Bool(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case uint32:
		return attribute.Int64(attr.Key, int64(v))
	case uint64:
		return attribute.Int64(attr.Key, int64(v))
	case error:
		return attribute.String(attr.Key, v.Error())
	default:
		return attribute.String(attr.Key, fmt.Sprint(attr.Value))
	}
}

type metricRecorder struct {
	mu            sync.Mutex
	batches       map[string]int
	requests      map[string]int
	postFailures  []string
	completions   []verbs.WorkCompletion
	pollFailures  int
	poolsObserved int
	poolsActive   int
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{batches: make(map[string]int), requests: make(map[string]int)}
}

func (m *metricRecorder) BatchPosted(queue string, requests int, _ map[string]string) {
	m.mu.Lock()
	m.batches[queue]++
	m.requests[queue] += requests
	m.mu.Unlock()
}

func (m *metricRecorder) PostFailed(queue, errno string, _ map[string]string) {
	m.mu.Lock()
	m.postFailures = append(m.postFailures, queue+"/"+errno)
	m.mu.Unlock()
}

func (m *metricRecorder) WorkCompleted(wc verbs.WorkCompletion, _ map[string]string) {
	m.mu.Lock()
	m.completions = append(m.completions, wc)
	m.mu.Unlock()
}

func (m *metricRecorder) PollFailed(_ error, _ map[string]string) {
	m.mu.Lock()
	m.pollFailures++
	m.mu.Unlock()
}

func (m *metricRecorder) ObservePool(source PoolStatser, attrs map[string]string) func() {
	m.mu.Lock()
	m.poolsObserved++
	m.poolsActive++
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.poolsActive--
		m.mu.Unlock()
	}
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricSnapshot{
		Batches:       maps.Clone(m.batches),
		Requests:      maps.Clone(m.requests),
		PostFailures:  append([]string(nil), m.postFailures...),
		Completions:   append([]verbs.WorkCompletion(nil), m.completions...),
		PollFailures:  m.pollFailures,
		PoolsObserved: m.poolsObserved,
		PoolsActive:   m.poolsActive,
	}
}

type metricSnapshot struct {
	Batches       map[string]int
	Requests      map[string]int
	PostFailures  []string
	Completions   []verbs.WorkCompletion
	PollFailures  int
	PoolsObserved int
	PoolsActive   int
}
