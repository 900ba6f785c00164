package verbs

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	regOutLKey   = 0
	regOutRKey   = 4
	regOutHandle = 8
	regOutSize   = 12
)

// RegMR registers one memory region. The native call receives the region's
// parameters directly; the command buffer only receives the lkey, rkey and
// handle the provider assigns.
type RegMR struct {
	mu     sync.Mutex
	pd     ProtectionDomain
	pool   *BufferPool
	buf    *Buffer
	addr   unsafe.Pointer
	length uint64
	access AccessFlag
}

// NewRegMR prepares a registration of length bytes at addr.
func NewRegMR(pd ProtectionDomain, pool *BufferPool, addr unsafe.Pointer, length uint64, access AccessFlag) (*RegMR, error) {
	if pd == nil {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	if pool == nil {
		return nil, ErrInvalidHandle{"buffer pool"}
	}
	buf, err := pool.Allocate(regOutSize)
	if err != nil {
		return nil, err
	}
	buf.Clear()
	return &RegMR{pd: pd, pool: pool, buf: buf, addr: addr, length: length, access: access}, nil
}

// Execute performs the registration. A negative result from the provider is
// returned as *NativeError; the call is never retried.
func (r *RegMR) Execute() (*MemoryRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		return nil, ErrCallFreed
	}
	id := r.pd.RegisterMemory(r.addr, r.length, r.access,
		r.buf.at(regOutLKey), r.buf.at(regOutRKey), r.buf.at(regOutHandle))
	if id < 0 {
		return nil, &NativeError{Op: "ibv_reg_mr", Code: int(id)}
	}
	return &MemoryRegion{
		Addr:     uint64(uintptr(r.addr)),
		Length:   r.length,
		Access:   r.access,
		LKey:     r.buf.Uint32(regOutLKey),
		RKey:     r.buf.Uint32(regOutRKey),
		Handle:   r.buf.Uint32(regOutHandle),
		ObjectID: id,
		ptr:      r.addr,
		pd:       r.pd,
	}, nil
}

// Valid reports whether the call still owns its output buffer.
func (r *RegMR) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf != nil
}

// Free returns the output buffer to the pool. Repeated calls are no-ops.
func (r *RegMR) Free() {
	r.mu.Lock()
	buf := r.buf
	r.buf = nil
	r.mu.Unlock()
	if buf != nil {
		r.pool.Free(buf)
	}
}

// RegisterMemory registers a region and releases the call.
func RegisterMemory(pd ProtectionDomain, pool *BufferPool, addr unsafe.Pointer, length uint64, access AccessFlag) (*MemoryRegion, error) {
	call, err := NewRegMR(pd, pool, addr, length, access)
	if err != nil {
		return nil, err
	}
	defer call.Free()
	return call.Execute()
}

// MemoryRegion is a registered span of memory.
type MemoryRegion struct {
	Addr     uint64
	Length   uint64
	Access   AccessFlag
	LKey     uint32
	RKey     uint32
	Handle   uint32
	ObjectID int64

	ptr    unsafe.Pointer
	pd     ProtectionDomain
	closed atomic.Bool
}

// SGE returns a scatter/gather element covering length bytes at offset.
func (m *MemoryRegion) SGE(offset uint64, length uint32) SGE {
	return SGE{Addr: m.Addr + offset, Length: length, LKey: m.LKey}
}

// Bytes returns a slice view over the registered span.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil || m.ptr == nil || m.Length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(m.ptr), m.Length)
}

// Close deregisters the region. The memory itself belongs to the caller.
func (m *MemoryRegion) Close() error {
	if m == nil || m.pd == nil || !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return nativeError("ibv_dereg_mr", m.pd.DeregisterMemory(m.Handle))
}
