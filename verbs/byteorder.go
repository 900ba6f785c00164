package verbs

import (
	"encoding/binary"
	"math/bits"
)

// Byte-order helpers for values whose representation must not depend on the
// host, such as fields exchanged with a peer or defined as little-endian by a
// device specification. Command buffers consumed by the local verbs library
// are written in host order and never pass through these helpers.

var hostBigEndian = binary.NativeEndian.Uint16([]byte{0x12, 0x34}) == 0x1234

// HostIsBigEndian reports whether the host stores integers most significant
// byte first.
func HostIsBigEndian() bool { return hostBigEndian }

// Swap16 reverses the bytes of v.
func Swap16(v uint16) uint16 { return bits.ReverseBytes16(v) }

// Swap32 reverses the bytes of v.
func Swap32(v uint32) uint32 { return bits.ReverseBytes32(v) }

// Swap64 reverses the bytes of v.
func Swap64(v uint64) uint64 { return bits.ReverseBytes64(v) }

// HostToNet16 converts v from host to network (big-endian) order.
func HostToNet16(v uint16) uint16 {
	if hostBigEndian {
		return v
	}
	return Swap16(v)
}

// HostToNet32 converts v from host to network (big-endian) order.
func HostToNet32(v uint32) uint32 {
	if hostBigEndian {
		return v
	}
	return Swap32(v)
}

// HostToNet64 converts v from host to network (big-endian) order.
func HostToNet64(v uint64) uint64 {
	if hostBigEndian {
		return v
	}
	return Swap64(v)
}

// NetToHost16 converts v from network to host order.
func NetToHost16(v uint16) uint16 { return HostToNet16(v) }

// NetToHost32 converts v from network to host order.
func NetToHost32(v uint32) uint32 { return HostToNet32(v) }

// NetToHost64 converts v from network to host order.
func NetToHost64(v uint64) uint64 { return HostToNet64(v) }

// HostToLE16 converts v from host to little-endian order.
func HostToLE16(v uint16) uint16 {
	if hostBigEndian {
		return Swap16(v)
	}
	return v
}

// HostToLE32 converts v from host to little-endian order.
func HostToLE32(v uint32) uint32 {
	if hostBigEndian {
		return Swap32(v)
	}
	return v
}

// HostToLE64 converts v from host to little-endian order.
func HostToLE64(v uint64) uint64 {
	if hostBigEndian {
		return Swap64(v)
	}
	return v
}

// LEToHost16 converts v from little-endian to host order.
func LEToHost16(v uint16) uint16 { return HostToLE16(v) }

// LEToHost32 converts v from little-endian to host order.
func LEToHost32(v uint32) uint32 { return HostToLE32(v) }

// LEToHost64 converts v from little-endian to host order.
func LEToHost64(v uint64) uint64 { return HostToLE64(v) }
