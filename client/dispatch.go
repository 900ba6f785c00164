package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/rocketbitz/verbs-go/verbs"
)

// SendCompletion describes the outcome of a send-queue operation dispatched through a handler.
type SendCompletion struct {
	ID   uint64
	Kind OperationKind
	Size int
	Err  error
}

// ReceiveCompletion describes a completed receive delivered through a handler.
type ReceiveCompletion struct {
	ID      uint64
	Payload []byte
	ImmData uint32
	HasImm  bool
	Err     error
}

// SendHandler is invoked when a send, RDMA write or RDMA read completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive completes.
type ReceiveHandler func(ReceiveCompletion)

// CompletionHandler is invoked for work completions the client did not
// post itself, such as those of raw PostSend and PostRecv batches.
type CompletionHandler func(verbs.WorkCompletion)

// RegisterSendHandler installs a callback invoked for every completed
// send-queue operation. The returned function unregisters the handler.
func (c *Client) RegisterSendHandler(handler SendHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.sendHandlers == nil {
		c.sendHandlers = make(map[uint64]SendHandler)
	}
	c.sendHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.sendHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed receive.
func (c *Client) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.receiveHandlers == nil {
		c.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	c.receiveHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterCompletionHandler installs a callback for untracked work
// completions. Handlers run on the dispatcher goroutine and must not block.
func (c *Client) RegisterCompletionHandler(handler CompletionHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.completionHandlers == nil {
		c.completionHandlers = make(map[uint64]CompletionHandler)
	}
	c.completionHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.completionHandlers, id)
		c.handlersMu.Unlock()
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()

	span := c.startDispatcherSpan()
	startFields := []logField{
		logKV(labelProvider, c.cfg.Provider),
		logKV(labelDevice, c.deviceName),
		logKV("qpn", c.ep.Handle()),
	}
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)

	defer func() {
		err := c.dispatcherError()
		fields := []logField{logKV(labelStatus, "ok")}
		if err != nil {
			fields[0] = logKV(labelStatus, "error")
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		finishSpan(span, err)
	}()

	backoff := time.Millisecond
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		wcs, err := c.ep.PollCompletions(c.cfg.PollBatch)
		for _, wc := range wcs {
			c.handleCompletion(wc, span)
		}
		if err != nil {
			dispatchErr := fmt.Errorf("poll completions: %w", err)
			c.recordDispatcherFailure(span, "cq_poll_error", dispatchErr)
			c.recordDispatcherError(dispatchErr)
			if errors.Is(err, verbs.ErrQueueClosed) {
				c.failPending(dispatchErr)
				return
			}
		}
		if len(wcs) > 0 {
			backoff = time.Millisecond
			continue
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}

		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

func (c *Client) handleCompletion(wc verbs.WorkCompletion, span Span) {
	c.metricWorkCompleted(wc)
	var op *operation
	if wc.ID&trackedBit != 0 {
		op = c.untrack(wc.ID)
	}
	if op == nil {
		c.handleUntracked(wc, span)
		return
	}

	result := operationResult{length: op.size}
	if wc.Status != verbs.WCSuccess {
		result = operationResult{err: OperationError{
			Kind:      op.kind,
			ID:        wc.ID,
			Status:    wc.Status,
			VendorErr: wc.VendorErr,
		}}
	} else {
		switch op.kind {
		case OperationReceive:
			result.length = min(int(wc.ByteLen), len(op.dst))
			copy(op.dst, op.region.Bytes()[:result.length])
			result.immData, result.hasImm = wc.ImmData, wc.HasImm
		case OperationRead:
			copy(op.dst, op.region.Bytes()[:len(op.dst)])
		}
	}
	c.logOperationCompletion(op, result, wc, span)
	op.complete(result)
}

func (c *Client) handleUntracked(wc verbs.WorkCompletion, span Span) {
	c.stats.untracked.Add(1)
	fields := []logField{
		logKV("wr_id", wc.ID),
		logKV(labelStatus, wc.Status),
		logKV("opcode", uint32(wc.Opcode)),
		logKV("byte_len", wc.ByteLen),
	}
	c.logDispatcherEvent("untracked_completion", fields...)
	spanAddEvent(span, "untracked_completion", fields...)

	c.handlersMu.RLock()
	handlers := make([]CompletionHandler, 0, len(c.completionHandlers))
	for _, h := range c.completionHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(wc)
	}
}

func (c *Client) emit(op *operation, res operationResult) {
	if c == nil {
		return
	}
	if op.kind == OperationReceive {
		if res.err != nil {
			c.stats.recvErrored.Add(1)
			c.logf("client: receive errored: %v", res.err)
		} else {
			c.stats.recvMatched.Add(1)
			c.logf("client: receive completed size=%d", res.length)
		}
		c.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
		for _, h := range c.receiveHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		var payload []byte
		if res.length > 0 {
			payload = append([]byte(nil), op.dst[:res.length]...)
		}
		for _, handler := range handlers {
			completion := ReceiveCompletion{
				ID:      op.id,
				Payload: append([]byte(nil), payload...),
				ImmData: res.immData,
				HasImm:  res.hasImm,
				Err:     res.err,
			}
			go handler(completion)
		}
		return
	}

	if res.err != nil {
		c.stats.sendErrored.Add(1)
		c.logf("client: %s errored: %v", op.kind, res.err)
	} else {
		c.stats.sendCompleted.Add(1)
		c.logf("client: %s completed size=%d", op.kind, res.length)
	}
	c.handlersMu.RLock()
	handlers := make([]SendHandler, 0, len(c.sendHandlers))
	for _, h := range c.sendHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()
	completion := SendCompletion{ID: op.id, Kind: op.kind, Size: res.length, Err: res.err}
	for _, handler := range handlers {
		go handler(completion)
	}
}

func (c *Client) recordDispatcherFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	c.logDispatcherEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	c.metricPollFailed(err)
}

func (c *Client) logOperationCompletion(op *operation, res operationResult, wc verbs.WorkCompletion, span Span) {
	status := "ok"
	eventName := "completion"
	if res.err != nil {
		status = "error"
		eventName = "completion_error"
	}
	fields := []logField{
		logKV(labelOperation, op.kind.String()),
		logKV(labelStatus, status),
	}
	detail := []logField{
		logKV("wr_id", op.id),
		logKV("requested_size", op.size),
	}
	if res.length > 0 {
		detail = append(detail, logKV("length", res.length))
	}
	if res.hasImm {
		detail = append(detail, logKV("imm_data", res.immData))
	}
	if res.err != nil {
		detail = append(detail,
			logKV("wc_status", wc.Status),
			logKV("vendor_err", wc.VendorErr),
			logKV("error", res.err),
		)
	}
	all := append(append([]logField(nil), fields...), detail...)
	c.logDispatcherEvent(eventName, all...)
	spanAddEvent(span, eventName, all...)
	if res.err != nil {
		spanRecordError(span, res.err)
	}
}
