package verbs

import (
	"fmt"
	"sync"
	"unsafe"
)

// batch owns the command buffer shared by the send and receive serializers:
// N fixed-size work request records followed by every SGE record, linked by
// absolute addresses.
type batch struct {
	mu      sync.Mutex
	qp      QueuePair
	pool    *BufferPool
	buf     *Buffer
	size    int
	recSize int
	wrOff   []int
	sgeOff  []int
	sgeLen  []int
}

// newBatch lays out len(sgeCounts) records of recSize bytes. Offsets are
// first computed relative to the buffer start, with zero meaning unset, then
// shifted to absolute addresses in one pass. Record 0 is never a chain target
// and the SGE region starts after every record, so zero is unambiguous.
func newBatch(qp QueuePair, pool *BufferPool, recSize int, sgeCounts []int) (*batch, error) {
	if qp == nil {
		return nil, ErrInvalidHandle{"queue pair"}
	}
	if pool == nil {
		return nil, ErrInvalidHandle{"buffer pool"}
	}
	n := len(sgeCounts)
	if n == 0 {
		return nil, ErrEmptyBatch
	}

	total := 0
	for _, c := range sgeCounts {
		if c < 0 {
			return nil, fmt.Errorf("verbs: negative sge count %d", c)
		}
		total += c
	}
	size := n*recSize + total*SGESize

	buf, err := pool.Allocate(size)
	if err != nil {
		return nil, err
	}
	buf.Clear()

	b := &batch{
		qp:      qp,
		pool:    pool,
		buf:     buf,
		size:    size,
		recSize: recSize,
		wrOff:   make([]int, n),
		sgeOff:  make([]int, n),
		sgeLen:  sgeCounts,
	}

	next := make([]uint64, n)
	list := make([]uint64, n)
	cursor := n * recSize
	for i := range n {
		b.wrOff[i] = i * recSize
		if i < n-1 {
			next[i] = uint64((i + 1) * recSize)
		}
		if sgeCounts[i] > 0 {
			b.sgeOff[i] = cursor
			list[i] = uint64(cursor)
			cursor += sgeCounts[i] * SGESize
		}
	}

	base := buf.Address()
	for i := range n {
		if next[i] != 0 {
			next[i] += base
		}
		if list[i] != 0 {
			list[i] += base
		}
	}

	for i := range n {
		off := b.wrOff[i]
		buf.PutUint64(off+wrNext, next[i])
		buf.PutUint64(off+wrSGList, list[i])
		buf.PutUint32(off+wrNumSGE, uint32(sgeCounts[i]))
	}
	return b, nil
}

func (b *batch) putSGE(i, j int, sge SGE) {
	off := b.sgeOff[i] + j*SGESize
	b.buf.PutUint64(off+sgeAddr, sge.Addr)
	b.buf.PutUint32(off+sgeLength, sge.Length)
	b.buf.PutUint32(off+sgeLKey, sge.LKey)
}

func (b *batch) execute(op string, post func(unsafe.Pointer) int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf == nil {
		return ErrCallFreed
	}
	if !b.qp.IsOpen() {
		return ErrQueueClosed
	}
	return nativeError(op, post(b.buf.Pointer()))
}

func (b *batch) valid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf != nil
}

func (b *batch) free() {
	b.mu.Lock()
	buf := b.buf
	b.buf = nil
	b.mu.Unlock()
	if buf != nil {
		b.pool.Free(buf)
	}
}

func (b *batch) buffer() *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

func (b *batch) checkIndex(i int) error {
	if i < 0 || i >= len(b.wrOff) {
		return fmt.Errorf("verbs: work request index %d out of range [0,%d)", i, len(b.wrOff))
	}
	return nil
}

// patch runs fn against the live buffer while holding the call lock.
func (b *batch) patch(fn func(buf *Buffer)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf == nil {
		return ErrCallFreed
	}
	fn(b.buf)
	return nil
}

// SGEAccessor patches one scatter/gather element of a serialized batch in
// place.
type SGEAccessor struct {
	b   *batch
	off int
}

func (b *batch) sgeAccessor(i, j int) (SGEAccessor, error) {
	if j < 0 || j >= b.sgeLen[i] {
		return SGEAccessor{}, fmt.Errorf("verbs: sge index %d out of range [0,%d)", j, b.sgeLen[i])
	}
	return SGEAccessor{b: b, off: b.sgeOff[i] + j*SGESize}, nil
}

// Offset reports the element's byte offset within the command buffer.
func (a SGEAccessor) Offset() int { return a.off }

func (a SGEAccessor) SetAddr(addr uint64) error {
	return a.b.patch(func(buf *Buffer) { buf.PutUint64(a.off+sgeAddr, addr) })
}

func (a SGEAccessor) SetLength(length uint32) error {
	return a.b.patch(func(buf *Buffer) { buf.PutUint32(a.off+sgeLength, length) })
}

func (a SGEAccessor) SetLKey(lkey uint32) error {
	return a.b.patch(func(buf *Buffer) { buf.PutUint32(a.off+sgeLKey, lkey) })
}
