//go:build !cgo

package capi

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// AllocBytes maps anonymous memory of at least size bytes. Without cgo every
// allocation is page granular.
func AllocBytes(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	mem, err := unix.Mmap(-1, 0, int(pageRound(size)), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil || len(mem) == 0 {
		return nil
	}
	return unsafe.Pointer(&mem[0])
}

// FreeBytes unmaps memory returned by AllocBytes. size must be the value passed
// to AllocBytes.
func FreeBytes(ptr unsafe.Pointer, size uintptr) {
	if ptr == nil || size == 0 {
		return
	}
	_ = unix.Munmap(unsafe.Slice((*byte)(ptr), pageRound(size)))
}

// Memset fills length bytes at dst with value.
func Memset(dst unsafe.Pointer, value byte, length uintptr) {
	if length == 0 || dst == nil {
		return
	}
	buf := unsafe.Slice((*byte)(dst), length)
	if value == 0 {
		clear(buf)
		return
	}
	for i := range buf {
		buf[i] = value
	}
}

// Backend names the native allocator compiled into this build.
const Backend = "mmap"

func pageRound(size uintptr) uintptr {
	page := uintptr(unix.Getpagesize())
	return (size + page - 1) &^ (page - 1)
}
