//go:build cgo

package capi

import "unsafe"

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"

// AllocBytes allocates C-managed memory of size bytes. The contents are
// not initialised.
func AllocBytes(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	ptr := C.malloc(C.size_t(size))
	if ptr == nil {
		return nil
	}
	return ptr
}

// FreeBytes frees memory allocated via AllocBytes. size must match the
// allocation; the malloc backend ignores it.
func FreeBytes(ptr unsafe.Pointer, size uintptr) {
	if ptr == nil {
		return
	}
	C.free(ptr)
}

// Memset fills length bytes at dst with value.
func Memset(dst unsafe.Pointer, value byte, length uintptr) {
	if length == 0 || dst == nil {
		return
	}
	C.memset(dst, C.int(value), C.size_t(length))
}

// Backend names the native allocator compiled into this build.
const Backend = "malloc"
