package verbs

import (
	"encoding/binary"
	"unsafe"
)

// maxChain bounds how many records a decoder follows so a corrupted next
// pointer cannot loop forever.
const maxChain = 1 << 16

func addrPointer(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

func record(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

func decodeSGEs(list uint64, n uint32) []SGE {
	if list == 0 || n == 0 {
		return nil
	}
	sges := make([]SGE, n)
	for j := range sges {
		rec := record(unsafe.Add(addrPointer(list), j*SGESize), SGESize)
		sges[j] = SGE{
			Addr:   binary.NativeEndian.Uint64(rec[sgeAddr:]),
			Length: binary.NativeEndian.Uint32(rec[sgeLength:]),
			LKey:   binary.NativeEndian.Uint32(rec[sgeLKey:]),
		}
	}
	return sges
}

// DecodeSendChain follows a chain of ibv_send_wr records starting at ptr.
func DecodeSendChain(ptr unsafe.Pointer) []SendWR {
	var out []SendWR
	for ptr != nil && len(out) < maxChain {
		rec := record(ptr, SendWRSize)
		wr := SendWR{
			ID:      binary.NativeEndian.Uint64(rec[wrID:]),
			Opcode:  Opcode(binary.NativeEndian.Uint32(rec[sendOpcode:])),
			Flags:   SendFlag(binary.NativeEndian.Uint32(rec[sendFlags:])),
			ImmData: binary.NativeEndian.Uint32(rec[sendImmData:]),
		}
		wr.SGList = decodeSGEs(binary.NativeEndian.Uint64(rec[wrSGList:]), binary.NativeEndian.Uint32(rec[wrNumSGE:]))
		switch {
		case wr.Opcode.isRDMA():
			wr.RDMA.RemoteAddr = binary.NativeEndian.Uint64(rec[sendRemoteAddr:])
			wr.RDMA.RKey = binary.NativeEndian.Uint32(rec[sendRKey:])
		case wr.Opcode.isAtomic():
			wr.Atomic.RemoteAddr = binary.NativeEndian.Uint64(rec[sendAtomicAddr:])
			wr.Atomic.CompareAdd = binary.NativeEndian.Uint64(rec[sendCompareAdd:])
			wr.Atomic.Swap = binary.NativeEndian.Uint64(rec[sendSwap:])
			wr.Atomic.RKey = binary.NativeEndian.Uint32(rec[sendAtomicRKey:])
		case wr.Opcode.isSend() && binary.NativeEndian.Uint64(rec[sendUDAH:]) != 0:
			wr.UD.AH = binary.NativeEndian.Uint64(rec[sendUDAH:])
			wr.UD.RemoteQPN = binary.NativeEndian.Uint32(rec[sendUDRemoteQPN:])
			wr.UD.RemoteQKey = binary.NativeEndian.Uint32(rec[sendUDRemoteQKey:])
		}
		out = append(out, wr)
		ptr = addrPointer(binary.NativeEndian.Uint64(rec[wrNext:]))
	}
	return out
}

// DecodeRecvChain follows a chain of ibv_recv_wr records starting at ptr.
func DecodeRecvChain(ptr unsafe.Pointer) []RecvWR {
	var out []RecvWR
	for ptr != nil && len(out) < maxChain {
		rec := record(ptr, RecvWRSize)
		out = append(out, RecvWR{
			ID:     binary.NativeEndian.Uint64(rec[wrID:]),
			SGList: decodeSGEs(binary.NativeEndian.Uint64(rec[wrSGList:]), binary.NativeEndian.Uint32(rec[wrNumSGE:])),
		})
		ptr = addrPointer(binary.NativeEndian.Uint64(rec[wrNext:]))
	}
	return out
}
