package verbs

// PostRecv is a serialized batch of receive work requests ready to be posted
// with a single ibv_post_recv.
type PostRecv struct {
	b *batch
}

// NewPostRecv serializes wrs into a command buffer drawn from pool.
func NewPostRecv(qp QueuePair, pool *BufferPool, wrs []RecvWR) (*PostRecv, error) {
	counts := make([]int, len(wrs))
	for i := range wrs {
		counts[i] = len(wrs[i].SGList)
	}
	b, err := newBatch(qp, pool, RecvWRSize, counts)
	if err != nil {
		return nil, err
	}
	for i := range wrs {
		b.buf.PutUint64(b.wrOff[i]+wrID, wrs[i].ID)
		for j, sge := range wrs[i].SGList {
			b.putSGE(i, j, sge)
		}
	}
	return &PostRecv{b: b}, nil
}

// Execute posts the whole chain to the receive queue.
func (c *PostRecv) Execute() error {
	return c.b.execute("ibv_post_recv", c.b.qp.PostRecv)
}

func (c *PostRecv) Valid() bool     { return c.b.valid() }
func (c *PostRecv) Free()           { c.b.free() }
func (c *PostRecv) Len() int        { return len(c.b.wrOff) }
func (c *PostRecv) Size() int       { return c.b.size }
func (c *PostRecv) Buffer() *Buffer { return c.b.buffer() }

// WR returns an accessor for patching receive work request i in place.
func (c *PostRecv) WR(i int) (RecvWRAccessor, error) {
	if err := c.b.checkIndex(i); err != nil {
		return RecvWRAccessor{}, err
	}
	return RecvWRAccessor{b: c.b, i: i, off: c.b.wrOff[i]}, nil
}

// RecvWRAccessor patches one serialized receive work request.
type RecvWRAccessor struct {
	b   *batch
	i   int
	off int
}

func (a RecvWRAccessor) Offset() int { return a.off }

func (a RecvWRAccessor) SetID(id uint64) error {
	return a.b.patch(func(buf *Buffer) { buf.PutUint64(a.off+wrID, id) })
}

func (a RecvWRAccessor) SGE(j int) (SGEAccessor, error) {
	return a.b.sgeAccessor(a.i, j)
}
