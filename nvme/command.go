// Package nvme serializes NVMe I/O submission queue entries into pooled
// native buffers and wraps them in namespace read, write and flush calls.
package nvme

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/rocketbitz/verbs-go/verbs"
)

// SQESize is the size of one submission queue entry.
const SQESize = 64

const (
	sqeOpcode = 0
	sqeCID    = 2
	sqeNSID   = 4
	sqePRP1   = 24
	sqePRP2   = 32
	sqeCDW10  = 40
	sqeCDW11  = 44
	sqeCDW12  = 48
)

// Opcode is an NVM command set opcode.
type Opcode uint8

const (
	OpFlush Opcode = 0x00
	OpWrite Opcode = 0x01
	OpRead  Opcode = 0x02
)

func (o Opcode) String() string {
	switch o {
	case OpFlush:
		return "flush"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	default:
		return fmt.Sprintf("opcode(%#02x)", uint8(o))
	}
}

// Command is the logical form of an I/O command. Blocks is the one-based
// block count; the entry stores it zero-based.
type Command struct {
	Opcode Opcode
	CID    uint16
	NSID   uint32
	PRP1   uint64
	PRP2   uint64
	SLBA   uint64
	Blocks uint32
}

// Encode writes cmd as a little-endian submission queue entry at the start
// of buf, which must hold at least SQESize bytes.
func Encode(buf *verbs.Buffer, cmd Command) {
	clear(buf.Bytes()[:SQESize])
	buf.Bytes()[sqeOpcode] = byte(cmd.Opcode)
	buf.PutUint16(sqeCID, verbs.HostToLE16(cmd.CID))
	buf.PutUint32(sqeNSID, verbs.HostToLE32(cmd.NSID))
	buf.PutUint64(sqePRP1, verbs.HostToLE64(cmd.PRP1))
	buf.PutUint64(sqePRP2, verbs.HostToLE64(cmd.PRP2))
	if cmd.Opcode == OpFlush {
		return
	}
	buf.PutUint32(sqeCDW10, verbs.HostToLE32(uint32(cmd.SLBA)))
	buf.PutUint32(sqeCDW11, verbs.HostToLE32(uint32(cmd.SLBA>>32)))
	if cmd.Blocks > 0 {
		buf.PutUint32(sqeCDW12, verbs.HostToLE32((cmd.Blocks-1)&0xffff))
	}
}

// Decode reads a submission queue entry written by Encode.
func Decode(sqe unsafe.Pointer) Command {
	raw := unsafe.Slice((*byte)(sqe), SQESize)
	cmd := Command{
		Opcode: Opcode(raw[sqeOpcode]),
		CID:    binary.LittleEndian.Uint16(raw[sqeCID:]),
		NSID:   binary.LittleEndian.Uint32(raw[sqeNSID:]),
		PRP1:   binary.LittleEndian.Uint64(raw[sqePRP1:]),
		PRP2:   binary.LittleEndian.Uint64(raw[sqePRP2:]),
	}
	if cmd.Opcode != OpFlush {
		cmd.SLBA = uint64(binary.LittleEndian.Uint32(raw[sqeCDW10:])) | uint64(binary.LittleEndian.Uint32(raw[sqeCDW11:]))<<32
		cmd.Blocks = binary.LittleEndian.Uint32(raw[sqeCDW12:])&0xffff + 1
	}
	return cmd
}
