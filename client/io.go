package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/verbs-go/verbs"
)

// trackedBit marks work request ids assigned by the client. Raw batches
// posted through PostSend and PostRecv must leave it clear.
const trackedBit = uint64(1) << 63

// ErrReservedID is returned when a raw work request uses a client-reserved id.
var ErrReservedID = errors.New("verbs client: work request id has the reserved top bit set")

// PreparedCall is a serialized command buffer that can be executed again
// until it is released.
type PreparedCall interface {
	Execute() error
	Free()
}

// Send posts a signaled send and waits for its completion, using the
// configured timeout when ctx carries no earlier deadline.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	return c.awaitSend(ctx, func() (*SendFuture, error) { return c.SendAsync(payload) })
}

// SendAsync stages payload in a registered region and posts a signaled send.
func (c *Client) SendAsync(payload []byte) (*SendFuture, error) {
	return c.sendAsync(OperationSend, payload, verbs.SendWR{Opcode: verbs.OpSend})
}

// SendWithImm is Send carrying 32 bits of immediate data, delivered to the
// receiver verbatim.
func (c *Client) SendWithImm(ctx context.Context, payload []byte, imm uint32) error {
	return c.awaitSend(ctx, func() (*SendFuture, error) {
		return c.sendAsync(OperationSend, payload, verbs.SendWR{Opcode: verbs.OpSendWithImm, ImmData: imm})
	})
}

// Write copies payload into the peer's memory at remoteAddr with an RDMA write.
func (c *Client) Write(ctx context.Context, payload []byte, remoteAddr uint64, rkey uint32) error {
	return c.awaitSend(ctx, func() (*SendFuture, error) { return c.WriteAsync(payload, remoteAddr, rkey) })
}

// WriteAsync posts a signaled RDMA write.
func (c *Client) WriteAsync(payload []byte, remoteAddr uint64, rkey uint32) (*SendFuture, error) {
	return c.sendAsync(OperationWrite, payload, verbs.SendWR{
		Opcode: verbs.OpRDMAWrite,
		RDMA:   verbs.RDMAInfo{RemoteAddr: remoteAddr, RKey: rkey},
	})
}

func (c *Client) awaitSend(ctx context.Context, post func() (*SendFuture, error)) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	future, err := post()
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

func (c *Client) sendAsync(kind OperationKind, payload []byte, wr verbs.SendWR) (*SendFuture, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("verbs client: empty payload")
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	region, release, err := c.stage(len(payload))
	if err != nil {
		return nil, err
	}
	copy(region.Bytes(), payload)

	op := newOperation(c, kind, len(payload))
	op.release = release
	wr.Flags |= verbs.SendSignaled
	wr.SGList = []verbs.SGE{region.SGE(0, uint32(len(payload)))}
	if err := c.postTracked(op, wr); err != nil {
		release()
		return nil, err
	}
	c.stats.sendPosted.Add(1)
	c.logf("client: %s posted size=%d wr_id=%#x", kind, len(payload), op.id)
	return &SendFuture{op: op}, nil
}

// Receive posts a receive and waits until it is matched, returning the
// number of bytes copied into buf.
func (c *Client) Receive(ctx context.Context, buf []byte) (int, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	future, err := c.ReceiveAsync(buf)
	if err != nil {
		return 0, err
	}
	return future.Await(ctx)
}

// ReceiveAsync posts a receive into a staged region; the data is copied
// into buf before the future resolves.
func (c *Client) ReceiveAsync(buf []byte) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("verbs client: buffer must be non-empty")
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	region, release, err := c.stage(len(buf))
	if err != nil {
		return nil, err
	}

	op := newOperation(c, OperationReceive, len(buf))
	op.release = release
	op.dst = buf
	op.region = region
	op.id = c.nextID()
	if err := c.track(op); err != nil {
		release()
		return nil, err
	}

	call, err := verbs.NewPostRecv(c.ep, c.pool, []verbs.RecvWR{{
		ID:     op.id,
		SGList: []verbs.SGE{region.SGE(0, uint32(len(buf)))},
	}})
	if err == nil {
		err = call.Execute()
		c.metricPosted(queueRecv, 1, err)
		call.Free()
	}
	if err != nil {
		c.untrack(op.id)
		release()
		return nil, fmt.Errorf("post recv: %w", err)
	}
	c.stats.recvPosted.Add(1)
	c.logf("client: receive posted size=%d wr_id=%#x", len(buf), op.id)
	return &ReceiveFuture{op: op, buf: buf}, nil
}

// Read fills buf from the peer's memory at remoteAddr with an RDMA read.
func (c *Client) Read(ctx context.Context, buf []byte, remoteAddr uint64, rkey uint32) (int, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	future, err := c.ReadAsync(buf, remoteAddr, rkey)
	if err != nil {
		return 0, err
	}
	return future.Await(ctx)
}

// ReadAsync posts a signaled RDMA read into a staged region.
func (c *Client) ReadAsync(buf []byte, remoteAddr uint64, rkey uint32) (*ReceiveFuture, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("verbs client: buffer must be non-empty")
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	region, release, err := c.stage(len(buf))
	if err != nil {
		return nil, err
	}

	op := newOperation(c, OperationRead, len(buf))
	op.release = release
	op.dst = buf
	op.region = region
	wr := verbs.SendWR{
		Opcode: verbs.OpRDMARead,
		Flags:  verbs.SendSignaled,
		SGList: []verbs.SGE{region.SGE(0, uint32(len(buf)))},
		RDMA:   verbs.RDMAInfo{RemoteAddr: remoteAddr, RKey: rkey},
	}
	if err := c.postTracked(op, wr); err != nil {
		release()
		return nil, err
	}
	c.stats.sendPosted.Add(1)
	c.logf("client: %s posted size=%d wr_id=%#x", op.kind, len(buf), op.id)
	return &ReceiveFuture{op: op, buf: buf}, nil
}

func (c *Client) postTracked(op *operation, wr verbs.SendWR) error {
	op.id = c.nextID()
	wr.ID = op.id
	if err := c.track(op); err != nil {
		return err
	}
	call, err := verbs.NewPostSend(c.ep, c.pool, []verbs.SendWR{wr})
	if err == nil {
		err = call.Execute()
		c.metricPosted(queueSend, 1, err)
		call.Free()
	}
	if err != nil {
		c.untrack(op.id)
		return fmt.Errorf("post send: %w", err)
	}
	return nil
}

// PostSend serializes wrs into one command buffer and posts it. The
// returned call stays valid, and may be patched and executed again, until
// Release or Close. Completions for these work requests are delivered to
// completion handlers.
func (c *Client) PostSend(wrs []verbs.SendWR) (*verbs.PostSend, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	for i := range wrs {
		if wrs[i].ID&trackedBit != 0 {
			return nil, fmt.Errorf("%w: send wr %d", ErrReservedID, i)
		}
	}
	call, err := verbs.NewPostSend(c.ep, c.pool, wrs)
	if err != nil {
		return nil, err
	}
	if err := c.postBatch(queueSend, call, call.Len()); err != nil {
		return nil, err
	}
	return call, nil
}

// PostRecv is the receive-side counterpart of PostSend.
func (c *Client) PostRecv(wrs []verbs.RecvWR) (*verbs.PostRecv, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	for i := range wrs {
		if wrs[i].ID&trackedBit != 0 {
			return nil, fmt.Errorf("%w: recv wr %d", ErrReservedID, i)
		}
	}
	call, err := verbs.NewPostRecv(c.ep, c.pool, wrs)
	if err != nil {
		return nil, err
	}
	if err := c.postBatch(queueRecv, call, call.Len()); err != nil {
		return nil, err
	}
	return call, nil
}

func (c *Client) postBatch(queue string, call PreparedCall, requests int) error {
	err := call.Execute()
	c.metricPosted(queue, requests, err)
	if err != nil {
		call.Free()
		return err
	}
	c.resourcesMu.Lock()
	if c.closed.Load() {
		c.resourcesMu.Unlock()
		call.Free()
		return ErrClosed
	}
	c.calls[call] = struct{}{}
	c.resourcesMu.Unlock()
	c.stats.batches.Add(1)
	return nil
}

// Release frees a call returned by PostSend or PostRecv.
func (c *Client) Release(call PreparedCall) {
	if c == nil || call == nil {
		return
	}
	c.resourcesMu.Lock()
	delete(c.calls, call)
	c.resourcesMu.Unlock()
	call.Free()
}

// RegisterMemory registers buf with the client's protection domain. The
// region is deregistered by DeregisterMemory or Close.
func (c *Client) RegisterMemory(buf *verbs.Buffer, access verbs.AccessFlag) (*verbs.MemoryRegion, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if buf == nil || buf.Pointer() == nil {
		return nil, verbs.ErrInvalidHandle{Resource: "buffer"}
	}
	mr, err := verbs.RegisterMemory(c.pd, c.pool, buf.Pointer(), uint64(buf.Cap()), access)
	if err != nil {
		return nil, err
	}
	c.resourcesMu.Lock()
	c.regions[mr] = struct{}{}
	c.resourcesMu.Unlock()
	return mr, nil
}

// DeregisterMemory deregisters a region returned by RegisterMemory.
func (c *Client) DeregisterMemory(mr *verbs.MemoryRegion) error {
	if c == nil || mr == nil {
		return nil
	}
	c.resourcesMu.Lock()
	delete(c.regions, mr)
	c.resourcesMu.Unlock()
	return mr.Close()
}

// Allocate returns a native buffer from the client's pool.
func (c *Client) Allocate(size int) (*verbs.Buffer, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	return c.pool.Allocate(size)
}

// Free returns a buffer obtained from Allocate.
func (c *Client) Free(buf *verbs.Buffer) {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Free(buf)
}

// stage returns a registered region of at least size bytes. Sizes up to
// the MR pool's region size come from the pool; larger ones are
// registered for this operation only.
func (c *Client) stage(size int) (*verbs.MemoryRegion, func(), error) {
	if size <= c.mrPool.Size() {
		region, err := c.mrPool.Acquire()
		if err != nil {
			return nil, nil, err
		}
		return region.MemoryRegion, func() { c.mrPool.Release(region) }, nil
	}
	buf, err := c.pool.Allocate(size)
	if err != nil {
		return nil, nil, err
	}
	mr, err := verbs.RegisterMemory(c.pd, c.pool, buf.Pointer(), uint64(size), verbs.AccessLocalWrite)
	if err != nil {
		c.pool.Free(buf)
		return nil, nil, err
	}
	return mr, func() {
		_ = mr.Close()
		c.pool.Free(buf)
	}, nil
}

func (c *Client) nextID() uint64 {
	return trackedBit | c.seq.Add(1)
}

func (c *Client) track(op *operation) error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == nil {
		if err := c.dispatchFailure(); err != nil {
			return err
		}
		return ErrClosed
	}
	c.pending[op.id] = op
	return nil
}

func (c *Client) untrack(id uint64) *operation {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	op := c.pending[id]
	delete(c.pending, id)
	return op
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	for _, op := range pending {
		op.complete(operationResult{err: err})
	}
}
