package verbs

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/rocketbitz/verbs-go/internal/capi"
)

const (
	// MinBlockSize is the smallest size class handed out by a BufferPool.
	MinBlockSize = 64
	// MaxBlockSize is the largest size class a BufferPool will allocate.
	MaxBlockSize = 1 << maxClassShift

	minClassShift = 6
	maxClassShift = 40
)

// NativeAllocator supplies the off-heap memory backing pooled buffers.
type NativeAllocator interface {
	Alloc(size uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer, size uintptr)
}

type capiAllocator struct{}

func (capiAllocator) Alloc(size uintptr) unsafe.Pointer     { return capi.AllocBytes(size) }
func (capiAllocator) Free(ptr unsafe.Pointer, size uintptr) { capi.FreeBytes(ptr, size) }

// PoolOption customises a BufferPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	slots     int
	allocator NativeAllocator
}

// WithSlotsPerClass bounds how many spare buffers each size class keeps.
// Values below one are treated as one.
func WithSlotsPerClass(n int) PoolOption {
	return func(o *poolOptions) {
		if n < 1 {
			n = 1
		}
		o.slots = n
	}
}

// WithAllocator overrides the native allocator.
func WithAllocator(a NativeAllocator) PoolOption {
	return func(o *poolOptions) {
		if a != nil {
			o.allocator = a
		}
	}
}

// PoolStats is a point-in-time snapshot of BufferPool activity.
type PoolStats struct {
	Allocations      uint64
	Hits             uint64
	Misses           uint64
	Frees            uint64
	Releases         uint64
	BytesOutstanding int64
}

// BufferPool recycles native buffers by power-of-two size class. Each class
// has its own bounded free list so unrelated classes never contend.
type BufferPool struct {
	alloc   NativeAllocator
	classes [maxClassShift + 1]chan *Buffer
	closed  atomic.Bool

	allocations atomic.Uint64
	hits        atomic.Uint64
	misses      atomic.Uint64
	frees       atomic.Uint64
	releases    atomic.Uint64
	outstanding atomic.Int64
}

// NewBufferPool constructs an empty pool.
func NewBufferPool(opts ...PoolOption) *BufferPool {
	o := poolOptions{slots: 1, allocator: capiAllocator{}}
	for _, opt := range opts {
		opt(&o)
	}
	p := &BufferPool{alloc: o.allocator}
	for shift := minClassShift; shift <= maxClassShift; shift++ {
		p.classes[shift] = make(chan *Buffer, o.slots)
	}
	return p
}

// SizeClass returns the capacity Allocate(size) would hand out, or zero when
// size is not positive or exceeds MaxBlockSize.
func SizeClass(size int) int {
	shift := classShift(size)
	if shift == 0 {
		return 0
	}
	return 1 << shift
}

func classShift(size int) int {
	if size <= 0 || size > MaxBlockSize {
		return 0
	}
	if size <= MinBlockSize {
		return minClassShift
	}
	return bits.Len(uint(size - 1))
}

// Allocate returns a buffer whose capacity is size rounded up to its size
// class. A recycled buffer is preferred over a fresh native allocation; its
// contents are not guaranteed to be zero.
func (p *BufferPool) Allocate(size int) (*Buffer, error) {
	if p == nil {
		return nil, ErrInvalidHandle{"buffer pool"}
	}
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	shift := classShift(size)
	if shift == 0 {
		return nil, fmt.Errorf("verbs: invalid allocation size %d", size)
	}
	p.allocations.Add(1)
	if b := p.take(shift); b != nil {
		p.hits.Add(1)
		p.outstanding.Add(int64(b.capacity))
		return b, nil
	}
	p.misses.Add(1)
	capacity := 1 << shift
	ptr := p.alloc.Alloc(uintptr(capacity))
	if ptr == nil {
		return nil, fmt.Errorf("%w: %d bytes", ErrNoMemory, capacity)
	}
	p.outstanding.Add(int64(capacity))
	return &Buffer{ptr: ptr, capacity: capacity}, nil
}

// take pops a live spare of the class, discarding handles whose memory is
// already gone.
func (p *BufferPool) take(shift int) *Buffer {
	for {
		select {
		case b := <-p.classes[shift]:
			if b.ptr == nil {
				continue
			}
			b.free.Store(false)
			return b
		default:
			return nil
		}
	}
}

// Free clears b and keeps it as a spare for its size class. When the class is
// full or the pool is closed, or b did not come from a pool, the native memory
// is released instead. Free(nil) and freeing a handle twice are no-ops.
func (p *BufferPool) Free(b *Buffer) {
	if p == nil || b == nil || b.ptr == nil {
		return
	}
	if !b.free.CompareAndSwap(false, true) {
		return
	}
	p.frees.Add(1)
	p.outstanding.Add(-int64(b.capacity))
	b.Clear()
	shift := classShift(b.capacity)
	if p.closed.Load() || shift == 0 || 1<<shift != b.capacity {
		p.release(b)
		return
	}
	select {
	case p.classes[shift] <- b:
	default:
		p.release(b)
	}
}

func (p *BufferPool) release(b *Buffer) {
	p.releases.Add(1)
	p.alloc.Free(b.ptr, uintptr(b.capacity))
	b.ptr = nil
	b.capacity = 0
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool) Stats() PoolStats {
	if p == nil {
		return PoolStats{}
	}
	return PoolStats{
		Allocations:      p.allocations.Load(),
		Hits:             p.hits.Load(),
		Misses:           p.misses.Load(),
		Frees:            p.frees.Load(),
		Releases:         p.releases.Load(),
		BytesOutstanding: p.outstanding.Load(),
	}
}

// Close releases every cached buffer and rejects further allocations.
// Buffers freed after Close are released immediately.
func (p *BufferPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for shift := minClassShift; shift <= maxClassShift; shift++ {
		p.drain(p.classes[shift])
	}
}

func (p *BufferPool) drain(ch chan *Buffer) {
	for {
		select {
		case b := <-ch:
			p.release(b)
		default:
			return
		}
	}
}
