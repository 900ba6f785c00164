package verbs

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/rocketbitz/verbs-go/internal/capi"
)

// Buffer is a handle to one native (off-heap) allocation. The address is
// stable for the lifetime of the handle and safe to hand to native code.
// Accessors read and write host byte order and panic on out-of-range offsets
// the same way slice indexing does.
type Buffer struct {
	ptr      unsafe.Pointer
	capacity int
	// free marks a handle passed to BufferPool.Free and not handed out since.
	free atomic.Bool
}

// Pointer returns the base address of the allocation.
func (b *Buffer) Pointer() unsafe.Pointer {
	if b == nil {
		return nil
	}
	return b.ptr
}

// Address returns the base address as an integer suitable for pointer fields
// of native records.
func (b *Buffer) Address() uint64 {
	if b == nil {
		return 0
	}
	return uint64(uintptr(b.ptr))
}

// Cap reports the fixed capacity in bytes.
func (b *Buffer) Cap() int {
	if b == nil {
		return 0
	}
	return b.capacity
}

// Bytes returns a slice view over the whole allocation.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.ptr == nil || b.capacity == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.capacity)
}

// Clear zeroes the allocation.
func (b *Buffer) Clear() {
	if b == nil || b.ptr == nil || b.capacity == 0 {
		return
	}
	capi.Memset(b.ptr, 0, uintptr(b.capacity))
}

func (b *Buffer) PutUint64(off int, v uint64) { binary.NativeEndian.PutUint64(b.Bytes()[off:], v) }
func (b *Buffer) PutUint32(off int, v uint32) { binary.NativeEndian.PutUint32(b.Bytes()[off:], v) }
func (b *Buffer) PutUint16(off int, v uint16) { binary.NativeEndian.PutUint16(b.Bytes()[off:], v) }
func (b *Buffer) Uint64(off int) uint64       { return binary.NativeEndian.Uint64(b.Bytes()[off:]) }
func (b *Buffer) Uint32(off int) uint32       { return binary.NativeEndian.Uint32(b.Bytes()[off:]) }
func (b *Buffer) Uint16(off int) uint16       { return binary.NativeEndian.Uint16(b.Bytes()[off:]) }

// at returns a pointer to offset off inside the allocation.
func (b *Buffer) at(off int) unsafe.Pointer {
	return unsafe.Add(b.ptr, off)
}
