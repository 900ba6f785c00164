package verbs

import "fmt"

// PostSend is a serialized batch of send work requests ready to be posted
// with a single ibv_post_send. The command buffer stays owned by the call
// until Free, so the same batch can be patched and posted repeatedly.
//
// Execute, Free and the accessors are safe to call from different
// goroutines, but posting two calls to the same queue pair concurrently is
// subject to the provider's own ordering rules.
type PostSend struct {
	b       *batch
	opcodes []Opcode
}

// NewPostSend serializes wrs into a command buffer drawn from pool.
func NewPostSend(qp QueuePair, pool *BufferPool, wrs []SendWR) (*PostSend, error) {
	counts := make([]int, len(wrs))
	for i := range wrs {
		counts[i] = len(wrs[i].SGList)
	}
	b, err := newBatch(qp, pool, SendWRSize, counts)
	if err != nil {
		return nil, err
	}
	call := &PostSend{b: b, opcodes: make([]Opcode, len(wrs))}
	for i := range wrs {
		call.put(i, &wrs[i])
	}
	return call, nil
}

func (c *PostSend) put(i int, wr *SendWR) {
	buf := c.b.buf
	off := c.b.wrOff[i]
	c.opcodes[i] = wr.Opcode
	buf.PutUint64(off+wrID, wr.ID)
	buf.PutUint32(off+sendOpcode, uint32(wr.Opcode))
	buf.PutUint32(off+sendFlags, uint32(wr.Flags))
	buf.PutUint32(off+sendImmData, wr.ImmData)
	switch {
	case wr.Opcode.isRDMA():
		buf.PutUint64(off+sendRemoteAddr, wr.RDMA.RemoteAddr)
		buf.PutUint32(off+sendRKey, wr.RDMA.RKey)
	case wr.Opcode.isAtomic():
		buf.PutUint64(off+sendAtomicAddr, wr.Atomic.RemoteAddr)
		buf.PutUint64(off+sendCompareAdd, wr.Atomic.CompareAdd)
		buf.PutUint64(off+sendSwap, wr.Atomic.Swap)
		buf.PutUint32(off+sendAtomicRKey, wr.Atomic.RKey)
	case wr.Opcode.isSend() && wr.UD.AH != 0:
		buf.PutUint64(off+sendUDAH, wr.UD.AH)
		buf.PutUint32(off+sendUDRemoteQPN, wr.UD.RemoteQPN)
		buf.PutUint32(off+sendUDRemoteQKey, wr.UD.RemoteQKey)
	}
	for j, sge := range wr.SGList {
		c.b.putSGE(i, j, sge)
	}
}

// Execute posts the whole chain. It fails with ErrCallFreed after Free and
// with ErrQueueClosed, without touching the buffer, once the queue pair is
// closed. A non-zero provider status is returned as *NativeError.
func (c *PostSend) Execute() error {
	return c.b.execute("ibv_post_send", c.b.qp.PostSend)
}

// Valid reports whether the call still owns its command buffer.
func (c *PostSend) Valid() bool { return c.b.valid() }

// Free returns the command buffer to the pool. Repeated calls are no-ops.
func (c *PostSend) Free() { c.b.free() }

// Len returns the number of work requests in the batch.
func (c *PostSend) Len() int { return len(c.b.wrOff) }

// Size returns the exact serialized size in bytes.
func (c *PostSend) Size() int { return c.b.size }

// Buffer returns the live command buffer, or nil after Free.
func (c *PostSend) Buffer() *Buffer { return c.b.buffer() }

// WR returns an accessor for patching work request i in place.
func (c *PostSend) WR(i int) (SendWRAccessor, error) {
	if err := c.b.checkIndex(i); err != nil {
		return SendWRAccessor{}, err
	}
	return SendWRAccessor{c: c, i: i, off: c.b.wrOff[i]}, nil
}

// SendWRAccessor patches the mutable fields of one serialized send work
// request. Each setter writes only the bytes of its own field.
type SendWRAccessor struct {
	c   *PostSend
	i   int
	off int
}

// Offset reports the record's byte offset within the command buffer.
func (a SendWRAccessor) Offset() int { return a.off }

func (a SendWRAccessor) SetID(id uint64) error {
	return a.c.b.patch(func(buf *Buffer) { buf.PutUint64(a.off+wrID, id) })
}

func (a SendWRAccessor) SetFlags(flags SendFlag) error {
	return a.c.b.patch(func(buf *Buffer) { buf.PutUint32(a.off+sendFlags, uint32(flags)) })
}

func (a SendWRAccessor) SetImmData(imm uint32) error {
	return a.c.b.patch(func(buf *Buffer) { buf.PutUint32(a.off+sendImmData, imm) })
}

// SetRemoteAddr updates the remote address of an RDMA or atomic request.
// Send opcodes carry no remote address and are rejected so the UD member
// sharing those bytes is never overwritten.
func (a SendWRAccessor) SetRemoteAddr(addr uint64) error {
	op := a.c.opcodes[a.i]
	var field int
	switch {
	case op.isRDMA():
		field = sendRemoteAddr
	case op.isAtomic():
		field = sendAtomicAddr
	default:
		return fmt.Errorf("%w: remote address on %s", ErrFieldNotPresent, op)
	}
	return a.c.b.patch(func(buf *Buffer) { buf.PutUint64(a.off+field, addr) })
}

// SetRKey updates the remote key, choosing the atomic or RDMA member by the
// request's opcode.
func (a SendWRAccessor) SetRKey(rkey uint32) error {
	op := a.c.opcodes[a.i]
	var field int
	switch {
	case op.isRDMA():
		field = sendRKey
	case op.isAtomic():
		field = sendAtomicRKey
	default:
		return fmt.Errorf("%w: rkey on %s", ErrFieldNotPresent, op)
	}
	return a.c.b.patch(func(buf *Buffer) { buf.PutUint32(a.off+field, rkey) })
}

// SGE returns an accessor for scatter/gather element j of this request.
func (a SendWRAccessor) SGE(j int) (SGEAccessor, error) {
	return a.c.b.sgeAccessor(a.i, j)
}
