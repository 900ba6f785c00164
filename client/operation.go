package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/verbs-go/verbs"
)

// OperationKind identifies the type of verbs operation tracked by a future.
type OperationKind int

const (
	OperationSend OperationKind = iota
	OperationReceive
	OperationWrite
	OperationRead
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	case OperationWrite:
		return "rdma_write"
	case OperationRead:
		return "rdma_read"
	default:
		return "operation"
	}
}

// OperationError exposes the work completion that failed a tracked operation.
type OperationError struct {
	Kind      OperationKind
	ID        uint64
	Status    verbs.WCStatus
	VendorErr uint32
}

func (e OperationError) Error() string {
	return fmt.Sprintf("verbs %s completion error: %s (wr_id=%#x vendor=%#x)", e.Kind, e.Status, e.ID, e.VendorErr)
}

// Unwrap exposes the underlying *verbs.CompletionError.
func (e OperationError) Unwrap() error {
	return &verbs.CompletionError{ID: e.ID, Status: e.Status, VendorErr: e.VendorErr}
}

type operationResult struct {
	length  int
	immData uint32
	hasImm  bool
	err     error
}

type operation struct {
	client  *Client
	id      uint64
	kind    OperationKind
	size    int
	done    chan struct{}
	release func()

	// dst receives the staged bytes of a receive or RDMA read.
	dst    []byte
	region *verbs.MemoryRegion

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

func newOperation(client *Client, kind OperationKind, size int) *operation {
	return &operation{
		client: client,
		kind:   kind,
		size:   size,
		done:   make(chan struct{}),
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.client != nil {
			op.client.emit(op, res)
		}

		if op.release != nil {
			op.release()
		}

		close(op.done)

		for _, cb := range callbacks {
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

func (op *operation) await(ctx context.Context) (operationResult, error) {
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-op.done:
			res := op.resultSnapshot()
			return res, res.err
		default:
		}
		return operationResult{}, ctx.Err()
	case <-op.done:
		res := op.resultSnapshot()
		return res, res.err
	}
}

// SendFuture tracks the completion of a posted send-queue operation.
type SendFuture struct {
	op *operation
}

// ID returns the work request id assigned to the operation.
func (f *SendFuture) ID() uint64 {
	if f == nil || f.op == nil {
		return 0
	}
	return f.op.id
}

// Await blocks until the operation completes or the context is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("verbs client: nil send future")
	}
	_, err := f.op.await(ctx)
	return err
}

// Done exposes a channel that closes when the operation resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the operation resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// ReceiveFuture tracks the completion of a posted receive or RDMA read.
type ReceiveFuture struct {
	op  *operation
	buf []byte
}

// ID returns the work request id assigned to the operation.
func (f *ReceiveFuture) ID() uint64 {
	if f == nil || f.op == nil {
		return 0
	}
	return f.op.id
}

// Await blocks until data arrives or the context is cancelled and returns
// the number of bytes copied into the caller's buffer.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("verbs client: nil receive future")
	}
	res, err := f.op.await(ctx)
	return res.length, err
}

// Buffer returns the caller-provided buffer.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil {
		return nil
	}
	return f.buf
}

// ImmData returns the immediate data carried by the matched send, verbatim
// as the sender wrote it. ok is false when none was present or the receive
// has not completed.
func (f *ReceiveFuture) ImmData() (imm uint32, ok bool) {
	if f == nil || f.op == nil {
		return 0, false
	}
	select {
	case <-f.op.done:
	default:
		return 0, false
	}
	res := f.op.resultSnapshot()
	return res.immData, res.hasImm
}

// Done exposes a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once data arrives.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
