package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rocketbitz/verbs-go/verbs"
)

// Logger provides debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook receives data-path telemetry: command buffers handed to the
// provider, native post failures, polled work completions and buffer pool
// usage. queue is "send" or "recv".
type MetricHook interface {
	// BatchPosted reports one executed command buffer chaining requests
	// work requests.
	BatchPosted(queue string, requests int, attrs map[string]string)
	// PostFailed reports a rejected post. errno is the symbolic name from
	// the native result code, or "invalid_state" when the call never reached
	// the provider.
	PostFailed(queue, errno string, attrs map[string]string)
	WorkCompleted(wc verbs.WorkCompletion, attrs map[string]string)
	PollFailed(err error, attrs map[string]string)
	// ObservePool exports statistics read from source until the returned
	// function is called.
	ObservePool(source PoolStatser, attrs map[string]string) func()
}

const (
	labelProvider  = "provider"
	labelDevice    = "device"
	labelQueue     = "queue"
	labelErrno     = "errno"
	labelOpcode    = "opcode"
	labelQPN       = "qpn"
	labelOperation = "operation"
	labelStatus    = "status"
)

const (
	queueSend = "send"
	queueRecv = "recv"
)

const dispatcherSpanName = "verbs-client-dispatcher"

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelProvider] = c.cfg.Provider
	attrs[labelDevice] = c.deviceName
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("verbs client dispatcher", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}

func (c *Client) metricPosted(queue string, requests int, err error) {
	if c == nil || c.metrics == nil {
		return
	}
	if err != nil {
		c.metrics.PostFailed(queue, errnoLabel(err), c.metricAttrs())
		return
	}
	c.metrics.BatchPosted(queue, requests, c.metricAttrs())
}

func (c *Client) metricWorkCompleted(wc verbs.WorkCompletion) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.WorkCompleted(wc, c.metricAttrs())
}

func (c *Client) metricPollFailed(err error) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.PollFailed(err, c.metricAttrs())
}

func (c *Client) observePool() func() {
	if c.metrics == nil {
		return func() {}
	}
	return c.metrics.ObservePool(c, c.metricAttrs(logKV(labelQPN, c.ep.Handle())))
}

func errnoLabel(err error) string {
	var native *verbs.NativeError
	switch {
	case errors.As(err, &native):
		return native.Errno().Name()
	case errors.Is(err, verbs.ErrInvalidState):
		return "invalid_state"
	default:
		return "other"
	}
}

func (c *Client) startDispatcherSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "verbs-client"},
		{Key: labelProvider, Value: c.cfg.Provider},
		{Key: labelDevice, Value: c.deviceName},
		{Key: "qpn", Value: c.ep.Handle()},
	}
	return c.tracer.StartSpan(dispatcherSpanName, attrs...)
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
