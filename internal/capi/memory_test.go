package capi

import (
	"testing"
	"unsafe"
)

func TestAllocBytesRoundTrip(t *testing.T) {
	const size = 96
	ptr := AllocBytes(size)
	if ptr == nil {
		t.Fatalf("AllocBytes(%d) returned nil", size)
	}
	defer FreeBytes(ptr, size)

	Memset(ptr, 0xAB, size)
	buf := unsafe.Slice((*byte)(ptr), size)
	for i, b := range buf {
		if b != 0xAB {
			t.Fatalf("byte %d = %#x, want 0xab", i, b)
		}
	}

	Memset(ptr, 0, size/2)
	if buf[0] != 0 || buf[size/2-1] != 0 || buf[size/2] != 0xAB {
		t.Fatalf("Memset cleared the wrong range")
	}
}

func TestAllocBytesZero(t *testing.T) {
	if ptr := AllocBytes(0); ptr != nil {
		t.Fatalf("expected nil for zero-sized allocation")
	}
	FreeBytes(nil, 0)
	Memset(nil, 0, 8)
}
