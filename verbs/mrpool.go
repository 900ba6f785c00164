package verbs

import (
	"errors"
	"sync/atomic"
)

// PooledRegion is a registered region backed by a pooled native buffer.
type PooledRegion struct {
	*MemoryRegion
	buf *Buffer
}

// Buffer returns the native buffer backing the region.
func (r *PooledRegion) Buffer() *Buffer { return r.buf }

// MRPool manages reusable registered regions of a fixed size.
type MRPool struct {
	pd      ProtectionDomain
	buffers *BufferPool
	size    int
	access  AccessFlag
	pool    chan *PooledRegion
	closed  atomic.Bool
}

// NewMRPool constructs a pool that dispenses regions registered with pd.
// The pool provisions regions lazily and keeps at most capacity idle ones.
func NewMRPool(pd ProtectionDomain, buffers *BufferPool, size int, access AccessFlag, capacity int) (*MRPool, error) {
	if pd == nil {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	if buffers == nil {
		return nil, ErrInvalidHandle{"buffer pool"}
	}
	if size <= 0 {
		return nil, errors.New("verbs: MRPool requires positive region size")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &MRPool{
		pd:      pd,
		buffers: buffers,
		size:    size,
		access:  access,
		pool:    make(chan *PooledRegion, capacity),
	}, nil
}

// Size returns the registered length of every region in the pool.
func (p *MRPool) Size() int { return p.size }

// Acquire returns a registered region from the pool, provisioning a new one
// when the pool is empty. Callers must Release the region when finished.
func (p *MRPool) Acquire() (*PooledRegion, error) {
	if p == nil {
		return nil, errors.New("verbs: nil MRPool")
	}
	if p.closed.Load() {
		return nil, errors.New("verbs: MRPool closed")
	}
	select {
	case r := <-p.pool:
		return r, nil
	default:
	}
	buf, err := p.buffers.Allocate(p.size)
	if err != nil {
		return nil, err
	}
	mr, err := RegisterMemory(p.pd, p.buffers, buf.Pointer(), uint64(p.size), p.access)
	if err != nil {
		p.buffers.Free(buf)
		return nil, err
	}
	return &PooledRegion{MemoryRegion: mr, buf: buf}, nil
}

// Release returns the region to the pool for reuse. Regions of another size,
// or released after Close or into a full pool, are deregistered immediately.
func (p *MRPool) Release(r *PooledRegion) {
	if p == nil || r == nil {
		return
	}
	if p.closed.Load() || int(r.Length) != p.size {
		p.destroy(r)
		return
	}
	select {
	case p.pool <- r:
	default:
		p.destroy(r)
	}
}

func (p *MRPool) destroy(r *PooledRegion) {
	_ = r.Close()
	p.buffers.Free(r.buf)
}

// Close releases all pooled regions and prevents further acquisitions.
func (p *MRPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case r := <-p.pool:
			p.destroy(r)
		default:
			return
		}
	}
}
